package gpu

import (
	"strings"
	"testing"
)

func TestTransposeWeights(t *testing.T) {
	// [In=2][Out=3] -> [Out=3][In=2]
	in := []float32{1, 2, 3, 4, 5, 6}
	got := transposeWeights(in, 2, 3)
	want := []float32{1, 4, 2, 5, 3, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
}

func TestDenseShaderEmbedsSizes(t *testing.T) {
	l := &DenseLayer{Spec: DenseLayerSpec{InputSize: 512, OutputSize: 64, Activation: ActTanh}}
	src := l.GenerateShader()
	for _, frag := range []string{"let n_out = 64u;", "let n_in = 512u;", "return tanh(x);", "idx % n_out"} {
		if !strings.Contains(src, frag) {
			t.Errorf("Shader missing %q", frag)
		}
	}
}

func TestConv2DSpecOutputSize(t *testing.T) {
	s := Conv2DSpec{InputHeight: 84, InputWidth: 84, KernelH: 3, KernelW: 3, Stride: 1}
	if h, w := s.OutputSize(); h != 82 || w != 82 {
		t.Errorf("Expected 82x82, got %dx%d", h, w)
	}
	s.Stride, s.KernelH, s.KernelW, s.InputHeight, s.InputWidth = 2, 4, 4, 82, 82
	if h, w := s.OutputSize(); h != 40 || w != 40 {
		t.Errorf("Expected 40x40, got %dx%d", h, w)
	}
}

func TestConv2DShaderConstants(t *testing.T) {
	l := &Conv2DLayer{Spec: Conv2DSpec{Batch: 2, InChannels: 3, OutChannels: 8, KernelH: 3, KernelW: 3, InputHeight: 10, InputWidth: 10}}
	l.outputH, l.outputW = l.Spec.OutputSize()
	src := l.GenerateShader()
	for _, frag := range []string{"const BATCH: u32 = 2u;", "const STRIDE: u32 = 1u;", "const OUT_H: u32 = 8u;", "out_w = idx % OUT_W"} {
		if !strings.Contains(src, frag) {
			t.Errorf("Shader missing %q", frag)
		}
	}
}

func TestLogRespectsDebug(t *testing.T) {
	var lines []string
	prevLogger, prevDebug := Logger, Debug
	defer func() { Logger, Debug = prevLogger, prevDebug }()
	Logger = func(msg string) { lines = append(lines, msg) }

	Debug = false
	Log("hidden %d", 1)
	Debug = true
	Log("shown %d", 2)
	if len(lines) != 1 || lines[0] != "[GPU] shown 2" {
		t.Errorf("Expected one [GPU] line, got %v", lines)
	}
}

func TestLayerNormShaderConstants(t *testing.T) {
	l := &LayerNormLayer{Spec: LayerNormSpec{NormSize: 784, Rows: 130, Epsilon: 1e-5}}
	src := l.GenerateShader()
	for _, frag := range []string{"const N: u32 = 784u;", "const ROWS: u32 = 130u;", "const EPS: f32 = 1.000000e-05;", "if (row >= ROWS)", "gamma[i] + beta[i]"} {
		if !strings.Contains(src, frag) {
			t.Errorf("Shader missing %q", frag)
		}
	}
}

func TestLayerNormBuildRejectsMismatchedAffine(t *testing.T) {
	l := &LayerNormLayer{Spec: LayerNormSpec{NormSize: 4, Rows: 2, Gamma: make([]float32, 4), Beta: make([]float32, 3)}}
	if err := l.Build("ln"); err == nil {
		t.Error("Expected an error for beta of the wrong size")
	}
}
