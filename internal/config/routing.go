package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// RoutingConfig decides how text fields are routed across recognizers and how
// their outputs are merged. It is deployment configuration, never per-field code.
type RoutingConfig struct {
	// Policy is "ensemble" (invoke every eligible recognizer and vote) or
	// "fallback" (invoke in priority order, first non-empty result wins).
	Policy string `mapstructure:"policy"`

	// Voting is "weighted" (exact text, confidence x weight) or "similarity".
	Voting string `mapstructure:"voting"`

	// Order is the recognizer priority order. Unlisted recognizers follow in
	// registration order.
	Order []string `mapstructure:"order"`

	// HandwritingRecognizer is tried first / ordered first for fields carrying the
	// handwritten hint.
	HandwritingRecognizer string `mapstructure:"handwriting_recognizer"`

	// Weights maps field name -> recognizer name -> weight. The "default" entry
	// applies to unmapped fields.
	Weights map[string]map[string]float64 `mapstructure:"weights"`

	// DefaultWeight applies to a recognizer missing from both the field's and the
	// default weight table.
	DefaultWeight float64 `mapstructure:"default_weight"`

	// Devices maps recognizer name -> device id. Recognizers sharing a device are
	// serialized.
	Devices map[string]string `mapstructure:"devices"`
}

// DefaultRouting returns the weighted ensemble tuned for the student registration form.
func DefaultRouting() *RoutingConfig {
	return &RoutingConfig{
		Policy:                "ensemble",
		Voting:                "weighted",
		Order:                 []string{"vit5", "trocr", "crnn", "tesseract"},
		HandwritingRecognizer: "trocr",
		Weights: map[string]map[string]float64{
			"ho_ten":    {"vit5": 0.5, "trocr": 0.4, "crnn": 0.1, "tesseract": 0.05},
			"ngay_sinh": {"vit5": 0.3, "trocr": 0.2, "crnn": 0.5, "tesseract": 0.1},
			"lop":       {"vit5": 0.2, "trocr": 0.3, "crnn": 0.5, "tesseract": 0.1},
			"default":   {"vit5": 0.4, "trocr": 0.4, "crnn": 0.2, "tesseract": 0.1},
		},
		// Recognizers missing from every table never outweigh a mapped one.
		DefaultWeight: 0.05,
		Devices:       map[string]string{},
	}
}

// LoadRouting reads a routing file (YAML, JSON or TOML). An empty path yields the
// defaults. ROUTING_POLICY and ROUTING_VOTING environment variables override the file.
func LoadRouting(path string) (*RoutingConfig, error) {
	def := DefaultRouting()

	v := viper.New()
	v.SetDefault("policy", def.Policy)
	v.SetDefault("voting", def.Voting)
	v.SetDefault("order", def.Order)
	v.SetDefault("handwriting_recognizer", def.HandwritingRecognizer)
	v.SetDefault("default_weight", def.DefaultWeight)
	v.SetEnvPrefix("ROUTING")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read routing config %s: %w", path, err)
		}
	}

	rc := &RoutingConfig{}
	if err := v.Unmarshal(rc); err != nil {
		return nil, fmt.Errorf("failed to decode routing config: %w", err)
	}

	if !v.IsSet("weights") {
		rc.Weights = def.Weights
	}
	if rc.Devices == nil {
		rc.Devices = map[string]string{}
	}

	rc.normalize()
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return rc, nil
}

// normalize lowercases recognizer and field names; viper already lowercases map keys.
func (rc *RoutingConfig) normalize() {
	rc.Policy = strings.ToLower(strings.TrimSpace(rc.Policy))
	rc.Voting = strings.ToLower(strings.TrimSpace(rc.Voting))
	rc.HandwritingRecognizer = strings.ToLower(strings.TrimSpace(rc.HandwritingRecognizer))
	for i, name := range rc.Order {
		rc.Order[i] = strings.ToLower(strings.TrimSpace(name))
	}
}

// Validate checks the routing configuration
func (rc *RoutingConfig) Validate() error {
	switch rc.Policy {
	case "ensemble", "fallback":
	default:
		return fmt.Errorf("routing policy must be ensemble or fallback, got %q", rc.Policy)
	}

	switch rc.Voting {
	case "weighted", "similarity":
	default:
		return fmt.Errorf("routing voting must be weighted or similarity, got %q", rc.Voting)
	}

	for field, table := range rc.Weights {
		for name, w := range table {
			if w < 0 {
				return fmt.Errorf("weight for %s/%s must not be negative, got %f", field, name, w)
			}
		}
	}

	if rc.DefaultWeight < 0 {
		return fmt.Errorf("default_weight must not be negative, got %f", rc.DefaultWeight)
	}
	return nil
}
