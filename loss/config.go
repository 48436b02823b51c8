package loss

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-yolox/assign"
	"github.com/nvr-ai/go-yolox/priors"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid loss config")

// Weights scales each loss term.
type Weights struct {
	Box        float32 `json:"box" yaml:"box"`
	Class      float32 `json:"class" yaml:"class"`
	Objectness float32 `json:"objectness" yaml:"objectness"`
	L1         float32 `json:"l1" yaml:"l1"`
}

// Config is fixed at construction time.
type Config struct {
	// NumClasses is the number of object classes predicted by the head.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// Strides holds one stride per feature level, ordered like the head
	// outputs.
	Strides []priors.Stride `json:"strides" yaml:"strides"`
	// PriorOffset places priors within their grid cell (0 = top-left).
	PriorOffset float32 `json:"prior_offset" yaml:"prior_offset"`
	// Weights of the loss terms.
	Weights Weights `json:"weights" yaml:"weights"`
	// UseL1 enables the auxiliary L1 regression term.
	UseL1 bool `json:"use_l1" yaml:"use_l1"`
	// Assigner holds the SimOTA parameters.
	Assigner assign.Config `json:"assigner" yaml:"assigner"`
	// NumWorkers bounds the goroutines building per-image targets.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
}

// DefaultConfig returns the standard YOLOX loss configuration.
//
// Arguments:
//   - numClasses: Number of object classes.
//
// Returns:
//   - Config with strides 8/16/32, box weight 2 and unit weights elsewhere.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:  numClasses,
		Strides:     []priors.Stride{priors.Square(8), priors.Square(16), priors.Square(32)},
		PriorOffset: 0,
		Weights: Weights{
			Box:        2.0,
			Class:      1.0,
			Objectness: 1.0,
			L1:         1.0,
		},
		UseL1:      false,
		Assigner:   assign.DefaultConfig(),
		NumWorkers: runtime.NumCPU(),
	}
}

// Validate reports the first problem with the configuration.
func (c Config) Validate() error {
	if c.NumClasses < 1 {
		return errors.Wrapf(ErrInvalidConfig, "num_classes must be positive, got %d", c.NumClasses)
	}
	if len(c.Strides) == 0 {
		return errors.Wrap(ErrInvalidConfig, "at least one stride is required")
	}
	for i, s := range c.Strides {
		if s.X <= 0 || s.Y <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "stride %d must be positive, got %v", i, s)
		}
	}
	if c.NumWorkers < 1 {
		return errors.Wrapf(ErrInvalidConfig, "num_workers must be at least 1, got %d", c.NumWorkers)
	}
	if err := c.Assigner.Validate(); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// LoadConfig reads a YAML file on top of DefaultConfig. Fields missing from
// the file keep their default values.
//
// Arguments:
//   - path: Path to the YAML file.
//
// Returns:
//   - The validated configuration.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "can't read config %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig(0)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "can't parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
