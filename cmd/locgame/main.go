package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/openfluke/locgame/gpu"
	"github.com/openfluke/locgame/models"
	"github.com/openfluke/locgame/nn"
)

func main() {
	configPath := flag.String("config", "", "JSON model config (defaults are used when empty)")
	modelType := flag.String("model", "", "Override model_type (e.g. RNNLocator, RNNFwdDynamics)")
	batch := flag.Int("batch", 2, "Batch size for the smoke forward pass")
	steps := flag.Int("steps", 2, "Number of forward steps to run")
	seed := flag.Int64("seed", 0, "Seed for weights and inputs (0 = random)")
	useGPU := flag.Bool("gpu", false, "Run dense and conv layers on WebGPU")
	loadPath := flag.String("load", "", "Load weights from a safetensors file")
	savePath := flag.String("save", "", "Save weights to a safetensors file after the run")
	asJSON := flag.Bool("json", false, "Print the blueprint as JSON")
	verbose := flag.Bool("v", false, "Print construction and forward diagnostics")
	flag.Parse()

	cfg := models.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = models.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *modelType != "" {
		mt, err := models.ParseModelType(*modelType)
		if err != nil {
			log.Fatal(err)
		}
		cfg.ModelType = mt
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *useGPU {
		cfg.Device = "gpu"
		gpu.Debug = *verbose
	}
	if *verbose {
		obs := &nn.ConsoleObserver{}
		cfg.Observer = obs
		cfg.LayerObserver = obs
	}

	model, err := models.Build(cfg)
	if err != nil {
		log.Fatalf("Failed to build model: %v", err)
	}
	defer model.ReleaseGPU()

	if *loadPath != "" {
		if err := nn.LoadStateDict(*loadPath, model); err != nil {
			log.Fatalf("Failed to load weights: %v", err)
		}
		fmt.Printf("✓ Loaded weights from %s\n", *loadPath)
	}

	bp := nn.ExtractBlueprint(model, cfg.ModelType.String())
	bp.Settings = cfg.Settings()
	if *asJSON {
		data, err := bp.JSON()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(data))
	} else {
		bp.WriteText(os.Stdout)
	}

	rng := inputRand(cfg.Seed)
	switch m := model.(type) {
	case models.Locator:
		runLocator(m, cfg, *batch, *steps, rng)
	case *models.RNNFwdDynamics:
		runDynamics(m, cfg, *batch, *steps, rng)
	}

	if *savePath != "" {
		if err := nn.SaveStateDict(*savePath, model); err != nil {
			log.Fatalf("Failed to save weights: %v", err)
		}
		fmt.Printf("✓ Saved %d parameters to %s\n", nn.CountParameters(model), *savePath)
	}
}

// inputRand seeds the smoke-run inputs; seed 0 draws a fresh seed per run.
func inputRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

func randomImages(cfg models.Config, batch int, rng *rand.Rand) *nn.Tensor[float32] {
	img := nn.NewTensor[float32](batch, cfg.ImgShape.C, cfg.ImgShape.H, cfg.ImgShape.W)
	for i := range img.Data {
		img.Data[i] = rng.Float32()
	}
	return img
}

func randomIndices(n, batch int, rng *rand.Rand) []int {
	ids := make([]int, batch)
	for i := range ids {
		ids[i] = rng.Intn(n)
	}
	return ids
}

func runLocator(m models.Locator, cfg models.Config, batch, steps int, rng *rand.Rand) {
	st := m.FreshState(batch)
	for step := 0; step < steps; step++ {
		cond := models.Conditions{
			Count: randomIndices(cfg.NNumbers, batch, rng),
			Color: randomIndices(cfg.NColors, batch, rng),
			Shape: randomIndices(cfg.NShapes, batch, rng),
		}
		var out *models.LocatorOutput
		var err error
		st, out, err = m.Forward(st, randomImages(cfg, batch, rng), cond)
		if err != nil {
			log.Fatalf("Step %d failed: %v", step, err)
		}
		fmt.Printf("step %d: loc %v state %v\n", step, out.Loc.Data, st.H.Shape)
	}
}

func runDynamics(m *models.RNNFwdDynamics, cfg models.Config, batch, steps int, rng *rand.Rand) {
	st := m.FreshState(batch)
	var prev *models.DynamicsOutput
	for step := 0; step < steps; step++ {
		in := models.DynamicsInput{
			Count: randomIndices(cfg.NNumbers, batch, rng),
			Color: randomIndices(cfg.NColors, batch, rng),
			Shape: randomIndices(cfg.NShapes, batch, rng),
		}
		// Alternate between observing and imagining from the last prediction.
		if prev == nil || step%2 == 0 {
			in.Obs = randomImages(cfg, batch, rng)
		} else {
			in.Mu, in.Sigma = prev.PredMu, prev.PredSigma
		}
		var err error
		st, prev, err = m.Forward(st, in, rng)
		if err != nil {
			log.Fatalf("Step %d failed: %v", step, err)
		}
		fmt.Printf("step %d: h %v pred_sigma[0]=%.5f\n", step, st.H.Shape, prev.PredSigma.Data[0])
	}
	if prev != nil {
		img := m.Decode(prev.S)
		fmt.Printf("decoded %v finite=%v\n", img.Shape, nn.AllFinite(img))
	}
}
