// Command quantize runs the post-training quantization pipeline over a model
// description and prints the resulting bit-width report.
package main

import (
	"fmt"
	"log/slog"
	"os"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-quant/dataset"
	"github.com/nvr-ai/go-quant/export"
	"github.com/nvr-ai/go-quant/gptq"
	"github.com/nvr-ai/go-quant/graph"
	"github.com/nvr-ai/go-quant/logger"
	"github.com/nvr-ai/go-quant/quantization"
	"github.com/nvr-ai/go-quant/runner"
)

// pipelineConfig is the YAML file behind --config.
type pipelineConfig struct {
	Weights struct {
		Method     string `yaml:"method"`
		NBits      int    `yaml:"n_bits"`
		PerChannel bool   `yaml:"per_channel"`
		Disable    bool   `yaml:"disable"`
	} `yaml:"weights"`
	Activations struct {
		Method  string `yaml:"method"`
		NBits   int    `yaml:"n_bits"`
		Disable bool   `yaml:"disable"`
	} `yaml:"activations"`
	SecondMoment struct {
		Enable bool `yaml:"enable"`
		Iters  int  `yaml:"iters"`
	} `yaml:"second_moment"`
	CalibrationIters int `yaml:"calibration_iters"`

	GPTQ struct {
		Enable       bool    `yaml:"enable"`
		Iterations   int     `yaml:"iterations"`
		Epochs       int     `yaml:"epochs"`
		LearningRate float64 `yaml:"learning_rate"`
		Rounding     string  `yaml:"rounding"`
		TrainBias    *bool   `yaml:"train_bias"`
	} `yaml:"gptq"`

	Dataset struct {
		Gaussian *struct {
			Seed    int64   `yaml:"seed"`
			Mean    float64 `yaml:"mean"`
			Std     float64 `yaml:"std"`
			Batches int     `yaml:"batches"`
		} `yaml:"gaussian"`
		Images *struct {
			Dir    string `yaml:"dir"`
			Width  int    `yaml:"width"`
			Height int    `yaml:"height"`
			Batch  int    `yaml:"batch"`
		} `yaml:"images"`
	} `yaml:"dataset"`

	Export string `yaml:"export"`
}

// modelLayer is one layer of the JSON model description. Weight tensors ride
// along as fp16 payloads.
type modelLayer struct {
	Name       string                           `json:"name"`
	Op         string                           `json:"op"`
	Stride     []int                            `json:"stride,omitempty"`
	Pad        []int                            `json:"pad,omitempty"`
	DepthMult  int                              `json:"depth_multiplier,omitempty"`
	Epsilon    float32                          `json:"epsilon,omitempty"`
	InputShape []int                            `json:"input_shape,omitempty"`
	Inputs     []string                         `json:"inputs,omitempty"`
	Weights    map[string]*export.WeightPayload `json:"weights,omitempty"`
}

type modelFile struct {
	Layers []modelLayer `json:"layers"`
}

func main() {
	var configPath, modelPath string
	var verbose bool

	root := &cobra.Command{
		Use:   "quantize",
		Short: "Post-training quantization of a trained model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, modelPath, verbose)
		},
	}
	root.Flags().StringVar(&configPath, "config", "quantize.yaml", "pipeline configuration YAML")
	root.Flags().StringVar(&modelPath, "model", "model.json", "model description JSON")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, modelPath string, verbose bool) error {
	level := "info"
	if verbose {
		level = "debug"
	}
	log := logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logger.ParseLevel(level),
	}))

	fc, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	specs, inputShape, err := loadModel(modelPath)
	if err != nil {
		return err
	}

	gen, err := buildGenerator(fc, inputShape)
	if err != nil {
		return err
	}

	cfg := coreConfig(fc)
	core := runner.New(cfg, nil, nil, log)
	if fc.GPTQ.Enable {
		gcfg, err := gptqConfig(fc)
		if err != nil {
			return err
		}
		core.WithGPTQ(gcfg)
	}

	g, report, err := core.Run(specs, gen)
	if err != nil {
		return err
	}
	fmt.Print(report.String())

	if fc.Export != "" {
		doc, err := export.Export(g, false)
		if err != nil {
			return err
		}
		data, err := doc.JSON()
		if err != nil {
			return err
		}
		if err := os.WriteFile(fc.Export, data, 0o644); err != nil {
			return errors.Wrap(err, "writing export document")
		}
		log.Info("export written", "path", fc.Export)
	}
	return nil
}

func loadConfig(path string) (*pipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading pipeline config")
	}
	fc := &pipelineConfig{}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, errors.Wrap(err, "parsing pipeline config")
	}
	return fc, nil
}

// coreConfig maps the file onto the pipeline defaults; zero fields keep them.
func coreConfig(fc *pipelineConfig) *quantization.Config {
	cfg := quantization.DefaultConfig()
	if fc.Weights.Method != "" {
		cfg.WeightsMethod = quantization.Method(fc.Weights.Method)
	}
	if fc.Weights.NBits > 0 {
		cfg.WeightsNBits = fc.Weights.NBits
	}
	cfg.WeightsPerChannel = fc.Weights.PerChannel
	cfg.EnableWeightsQuantization = !fc.Weights.Disable
	if fc.Activations.Method != "" {
		cfg.ActivationsMethod = quantization.Method(fc.Activations.Method)
	}
	if fc.Activations.NBits > 0 {
		cfg.ActivationNBits = fc.Activations.NBits
	}
	cfg.EnableActivationsQuantization = !fc.Activations.Disable
	cfg.WeightsSecondMomentCorrection = fc.SecondMoment.Enable
	if fc.SecondMoment.Iters > 0 {
		cfg.WeightsSecondMomentIters = fc.SecondMoment.Iters
	}
	if fc.CalibrationIters > 0 {
		cfg.CalibrationIters = fc.CalibrationIters
	}
	return cfg
}

func gptqConfig(fc *pipelineConfig) (*gptq.Config, error) {
	lr := fc.GPTQ.LearningRate
	if lr == 0 {
		lr = 3e-2
	}
	unit := gptq.Iterations(fc.GPTQ.Iterations)
	if fc.GPTQ.Epochs > 0 {
		unit = gptq.Epochs(fc.GPTQ.Epochs)
	}
	b := gptq.NewBuilder(unit, G.NewAdamSolver(G.WithLearnRate(lr)))
	if fc.GPTQ.Rounding != "" {
		b.WithRounding(gptq.RoundingType(fc.GPTQ.Rounding))
	}
	if fc.GPTQ.TrainBias != nil {
		b.WithTrainBias(*fc.GPTQ.TrainBias)
	}
	return b.Build()
}

// loadModel parses the model description into build specs and returns the
// input shape for dataset construction.
func loadModel(path string) ([]graph.LayerSpec, tensor.Shape, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading model description")
	}
	mf := &modelFile{}
	if err := json.Unmarshal(data, mf); err != nil {
		return nil, nil, errors.Wrap(err, "parsing model description")
	}
	if len(mf.Layers) == 0 {
		return nil, nil, errors.New("model description has no layers")
	}

	var inputShape tensor.Shape
	specs := make([]graph.LayerSpec, 0, len(mf.Layers))
	for _, l := range mf.Layers {
		spec := graph.LayerSpec{
			Name:   l.Name,
			Op:     graph.OpType(l.Op),
			Inputs: l.Inputs,
		}
		if len(l.InputShape) > 0 {
			spec.InputShape = tensor.Shape(l.InputShape)
			if spec.Op == graph.OpInput && inputShape == nil {
				inputShape = spec.InputShape.Clone()
			}
		}
		if len(l.Stride) > 0 || len(l.Pad) > 0 || l.DepthMult > 0 {
			spec.Conv = &graph.ConvParams{Stride: l.Stride, Pad: l.Pad, DepthMultiplier: l.DepthMult}
		}
		if l.Epsilon > 0 {
			spec.BN = &graph.BNParams{Epsilon: l.Epsilon}
		}
		if len(l.Weights) > 0 {
			spec.Weights = make(map[string]*tensor.Dense, len(l.Weights))
			for attr, p := range l.Weights {
				w, err := export.DecodeWeightsFP16(p)
				if err != nil {
					return nil, nil, errors.Wrapf(err, "layer %q weight %q", l.Name, attr)
				}
				spec.Weights[attr] = w
			}
		}
		specs = append(specs, spec)
	}
	if inputShape == nil {
		return nil, nil, errors.New("model description has no input layer shape")
	}
	return specs, inputShape, nil
}

func buildGenerator(fc *pipelineConfig, inputShape tensor.Shape) (dataset.Generator, error) {
	if img := fc.Dataset.Images; img != nil {
		batch := img.Batch
		if batch <= 0 {
			batch = 1
		}
		return dataset.FromImages(img.Dir, img.Width, img.Height, batch)
	}
	gsn := fc.Dataset.Gaussian
	if gsn == nil {
		return nil, errors.New("pipeline config selects no dataset")
	}
	std := gsn.Std
	if std <= 0 {
		std = 1
	}
	batches := gsn.Batches
	if batches <= 0 {
		batches = 64
	}
	return dataset.Gaussian(gsn.Seed, gsn.Mean, std, inputShape, batches), nil
}
