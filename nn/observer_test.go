package nn

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestChannelObserverReceivesForwardEvents(t *testing.T) {
	obs := NewChannelObserver(4)
	d := NewDense(2, 3, ActivationReLU, NewRand(1))
	d.Observer = obs

	d.Forward(NewTensor[float32](5, 2))
	select {
	case ev := <-obs.Events:
		if ev.LayerType != "dense" {
			t.Errorf("Expected dense event, got %s", ev.LayerType)
		}
		if ev.OutputShape[0] != 5 || ev.OutputShape[1] != 3 {
			t.Errorf("Expected output shape [5 3], got %v", ev.OutputShape)
		}
		if ev.Stats.TotalNeurons != 15 {
			t.Errorf("Expected 15 neurons, got %d", ev.Stats.TotalNeurons)
		}
	default:
		t.Fatal("No forward event received")
	}
}

func TestChannelObserverDropsWhenFull(t *testing.T) {
	obs := NewChannelObserver(1)
	ReportBuild(obs, "cnn", "block0", []int{8, 3, 3}, "")
	ReportBuild(obs, "cnn", "block1", []int{8, 2, 2}, "")
	if len(obs.Builds) != 1 {
		t.Errorf("Expected 1 buffered event, got %d", len(obs.Builds))
	}
	ReportBuild(nil, "cnn", "ignored", nil, "")
}

func TestConsoleObserverFormat(t *testing.T) {
	var buf bytes.Buffer
	obs := &ConsoleObserver{Out: &buf}
	obs.OnBuild(BuildEvent{Component: "deconv", Stage: "corrective", Shape: []int{3, 84, 84}, Detail: "kernel 51x51"})
	line := buf.String()
	if !strings.HasPrefix(line, "[BUILD] deconv/corrective") || !strings.Contains(line, "kernel 51x51") {
		t.Errorf("Unexpected build line %q", line)
	}
}

func TestExtractBlueprint(t *testing.T) {
	m := newTinyModel(1)
	bp := ExtractBlueprint(m, "tiny")
	bp.Settings = map[string]any{"emb_size": 2}

	if bp.TotalParams != 3*2+2+2+2 {
		t.Errorf("Expected 12 params, got %d", bp.TotalParams)
	}
	if len(bp.Components) != 2 || bp.Components[0].Name != "proj" || bp.Components[1].Name != "norm" {
		t.Fatalf("Expected components [proj norm], got %+v", bp.Components)
	}
	if bp.Device != "cpu" {
		t.Errorf("Expected cpu, got %s", bp.Device)
	}

	data, err := bp.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Blueprint JSON invalid: %v", err)
	}
	if decoded["total_parameters"].(float64) != 12 {
		t.Errorf("Expected total_parameters 12, got %v", decoded["total_parameters"])
	}

	var buf bytes.Buffer
	bp.WriteText(&buf)
	if !strings.Contains(buf.String(), "model tiny on cpu: 12 parameters") {
		t.Errorf("Unexpected summary:\n%s", buf.String())
	}
}
