package forest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default hyperparameter values, surfaced as named constants rather than
// buried magic numbers, mirroring the original's C_DEFAULT_* constants
// and the teacher's exported HNSW defaults (m, efConstruction).
const (
	DefaultMinTrainingData = 50
	DefaultBagProportion   = 0.5
	DefaultNumTrees        = 100
	DefaultMaxDepth        = 10
	DefaultNumParamCombos  = 10
)

// Config holds the hyperparameters of a forest training run. It is the
// ambient YAML-loadable configuration surface described in SPEC_FULL.md
// §6, modeled after the teacher's plain-struct-with-tags config pattern.
type Config struct {
	NumTrees        int     `yaml:"num_trees"`
	MaxDepth        int     `yaml:"max_depth"`
	NumParams       int     `yaml:"num_params"`
	Bagging         bool    `yaml:"bagging"`
	BagProportion   float64 `yaml:"bag_proportion"`
	MinTrainingData int     `yaml:"min_training_data"`
	NumParamCombos  int     `yaml:"num_param_combos"`
	FitSplitNodes   bool    `yaml:"fit_split_nodes"`
	Seed            uint64  `yaml:"seed"`
	UseSeed         bool    `yaml:"use_seed"`
}

// DefaultConfig returns a Config populated with the package defaults.
// NumParams has no sane default (it depends on the caller's feature
// functor) and is left at zero; callers must set it explicitly.
func DefaultConfig() Config {
	return Config{
		NumTrees:        DefaultNumTrees,
		MaxDepth:        DefaultMaxDepth,
		Bagging:         true,
		BagProportion:   DefaultBagProportion,
		MinTrainingData: DefaultMinTrainingData,
		NumParamCombos:  DefaultNumParamCombos,
	}
}

// LoadConfig reads a Config from a YAML file, starting from DefaultConfig
// so that a partial file only overrides the fields it sets.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &IOError{Op: "read config", Err: err}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &IOError{Op: "parse config", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every Config field is within the range the
// training algorithm assumes, returning a *ConfigError naming the first
// offending field.
func (c Config) Validate() error {
	switch {
	case c.NumTrees <= 0:
		return &ConfigError{Field: "num_trees", Value: c.NumTrees, Err: fmt.Errorf("must be positive")}
	case c.MaxDepth <= 0:
		return &ConfigError{Field: "max_depth", Value: c.MaxDepth, Err: fmt.Errorf("must be positive")}
	case c.NumParams <= 0:
		return &ConfigError{Field: "num_params", Value: c.NumParams, Err: fmt.Errorf("must be positive")}
	case c.BagProportion <= 0 || c.BagProportion > 1:
		return &ConfigError{Field: "bag_proportion", Value: c.BagProportion, Err: fmt.Errorf("must be in (0, 1]")}
	case c.MinTrainingData <= 0:
		return &ConfigError{Field: "min_training_data", Value: c.MinTrainingData, Err: fmt.Errorf("must be positive")}
	case c.NumParamCombos <= 0:
		return &ConfigError{Field: "num_param_combos", Value: c.NumParamCombos, Err: fmt.Errorf("must be positive")}
	}
	return nil
}
