package consensus

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/provider-validation/internal/model"
)

// Well-known source keys.
const (
	SourceNPIRegistry = "npi_registry"
	SourceGoogleMaps  = "google_maps"
)

// Config holds the source-weight table and resolution thresholds.
type Config struct {
	PrimarySource        string                  `yaml:"primary_source"`
	SecondarySource      string                  `yaml:"secondary_source"`
	SourceWeights        map[string]float64      `yaml:"source_weights"`
	ResidualWeight       float64                 `yaml:"residual_weight"`
	FieldThreshold       float64                 `yaml:"field_threshold"`
	Penalties            map[model.Field]float64 `yaml:"penalties"`
	AutoCorrectThreshold float64                 `yaml:"auto_correct_threshold"`
	ReviewThreshold      float64                 `yaml:"review_threshold"`
}

// DefaultConfig returns the built-in weight table.
func DefaultConfig() *Config {
	return &Config{
		PrimarySource:   SourceNPIRegistry,
		SecondarySource: SourceGoogleMaps,
		SourceWeights: map[string]float64{
			SourceNPIRegistry: 0.70,
			SourceGoogleMaps:  0.30,
		},
		ResidualWeight: 0.10,
		FieldThreshold: 0.8,
		Penalties: map[model.Field]float64{
			model.FieldName:      0.7,
			model.FieldAddress:   0.7,
			model.FieldPhone:     0.5,
			model.FieldSpecialty: 0.7,
		},
		AutoCorrectThreshold: 0.90,
		ReviewThreshold:      0.85,
	}
}

// LoadConfig reads a weight table from a YAML file with a top-level
// "consensus" key. The file is decoded over DefaultConfig, so omitted
// settings keep their defaults and explicit zeros are honored.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: read config %s", path)
	}

	def := DefaultConfig()
	wrapper := struct {
		Consensus *Config `yaml:"consensus"`
	}{Consensus: DefaultConfig()}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "consensus: parse config")
	}
	cfg := wrapper.Consensus
	if cfg == nil {
		cfg = def
	}

	if cfg.PrimarySource == "" {
		cfg.PrimarySource = def.PrimarySource
	}
	if cfg.SecondarySource == "" {
		cfg.SecondarySource = def.SecondarySource
	}
	// A null map in the file clears the defaults; restore the built-in keys.
	if cfg.SourceWeights == nil {
		cfg.SourceWeights = map[string]float64{}
	}
	for k, w := range def.SourceWeights {
		if _, ok := cfg.SourceWeights[k]; !ok {
			cfg.SourceWeights[k] = w
		}
	}
	if cfg.Penalties == nil {
		cfg.Penalties = map[model.Field]float64{}
	}
	for f, p := range def.Penalties {
		if _, ok := cfg.Penalties[f]; !ok {
			cfg.Penalties[f] = p
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ResidualWeight < 0 {
		return eris.Errorf("consensus: negative residual weight %v", c.ResidualWeight)
	}
	for name, v := range map[string]float64{
		"field_threshold":        c.FieldThreshold,
		"auto_correct_threshold": c.AutoCorrectThreshold,
		"review_threshold":       c.ReviewThreshold,
	} {
		if v < 0 || v > 1 {
			return eris.Errorf("consensus: %s must be within [0,1], got %v", name, v)
		}
	}
	for name, w := range c.SourceWeights {
		if w < 0 {
			return eris.Errorf("consensus: negative weight for source %s", name)
		}
	}
	for f, p := range c.Penalties {
		if p < 0 || p > 1 {
			return eris.Errorf("consensus: penalty for %s must be within [0,1], got %v", f, p)
		}
	}
	return nil
}

// SourceWeight returns the weight of source, or the residual weight for an
// unrecognized source.
func (c *Config) SourceWeight(source string) float64 {
	if w, ok := c.SourceWeights[model.SourceKey(source)]; ok {
		return w
	}
	return c.ResidualWeight
}

// Penalty returns the fallback multiplier for f.
func (c *Config) Penalty(f model.Field) float64 {
	if p, ok := c.Penalties[f]; ok {
		return p
	}
	return 0.5
}
