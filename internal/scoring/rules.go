// Package scoring implements the deterministic rule scorer used by the worker
// and the citizen signal intake path.
package scoring

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Signal names reported as analysis categories.
const (
	SignalCredential    = "CREDENTIAL_REQUEST"
	SignalUrgency       = "URGENCY_PATTERN"
	SignalGain          = "UNEXPECTED_GAIN"
	SignalImpersonation = "IMPERSONATION_PATTERN"
	SignalThreat        = "THREAT_PATTERN"
	SignalPhone         = "PHONE_NUMBER"
	SignalLink          = "SUSPICIOUS_LINK"
)

// KeywordRule is a text signal that fires when any of its keywords occurs as
// a whole word or phrase.
type KeywordRule struct {
	Name        string   `yaml:"name"`
	Weight      int      `yaml:"weight"`
	Explanation string   `yaml:"explanation"`
	Keywords    []string `yaml:"keywords"`
	// EntityLabel, when set, records each matched keyword as an entity.
	EntityLabel string `yaml:"entity_label,omitempty"`
}

// Rules is the full scorer configuration.
type Rules struct {
	Keywords         []KeywordRule `yaml:"keywords"`
	PhoneWeight      int           `yaml:"phone_weight"`
	PhoneExplanation string        `yaml:"phone_explanation"`
	LinkWeight       int           `yaml:"link_weight"`
	LinkExplanation  string        `yaml:"link_explanation"`
	Shorteners       []string      `yaml:"shorteners"`
	MediumThreshold  int           `yaml:"medium_threshold"`
	HighThreshold    int           `yaml:"high_threshold"`
	MaxExplanations  int           `yaml:"max_explanations"`
	CleanExplanation string        `yaml:"clean_explanation"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		Keywords: []KeywordRule{
			{
				Name:        SignalCredential,
				Weight:      30,
				Explanation: "The message asks for a code or other sensitive credentials.",
				Keywords: []string{
					"code", "otp", "pin", "cvv", "mot de passe", "password", "passcode",
					"confirmer", "confirmez", "confirm", "verification code", "code secret",
				},
			},
			{
				Name:        SignalUrgency,
				Weight:      20,
				Explanation: "The message uses urgent or pressuring language.",
				Keywords: []string{
					"urgent", "urgence", "immédiat", "immédiatement", "immediat", "immediately",
					"dernier rappel", "last warning", "act now", "dans les 24h", "within 24 hours",
				},
			},
			{
				Name:        SignalGain,
				Weight:      20,
				Explanation: "The content promises an unexpected gain or reward.",
				Keywords: []string{
					"félicitations", "felicitations", "gagné", "gagne", "gagnant", "congratulations",
					"you won", "prize", "bonus", "cadeau", "récompense", "reward", "lottery", "loterie",
				},
			},
			{
				Name:        SignalImpersonation,
				Weight:      20,
				Explanation: "The content appears to impersonate an operator or official service.",
				Keywords: []string{
					"mtn", "moov", "celtiis", "orange money", "wave", "mobile money", "momo",
					"service client", "customer service", "officiel", "official support",
				},
				EntityLabel: "ORG",
			},
			{
				Name:        SignalThreat,
				Weight:      20,
				Explanation: "The content threatens a loss, suspension or blocked account.",
				Keywords: []string{
					"bloqué", "bloque", "blocked", "suspendu", "suspended", "suspension",
					"désactivé", "desactive", "deactivated", "perdre", "lose your", "pénalité", "penalty",
				},
			},
		},
		PhoneWeight:      10,
		PhoneExplanation: "The content embeds a phone number to call or message.",
		LinkWeight:       20,
		LinkExplanation:  "The content links through a URL shortener or plain HTTP.",
		Shorteners:       []string{"bit.ly", "tinyurl.com", "t.me", "wa.me", "goo.gl", "is.gd", "cutt.ly", "ow.ly"},
		MediumThreshold:  35,
		HighThreshold:    65,
		MaxExplanations:  3,
		CleanExplanation: "No critical indicator detected.",
	}
}

// LoadRules reads a YAML rule file. Fields left out of the file keep their
// built-in defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parse rules %s: %w", path, err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, fmt.Errorf("validate rules %s: %w", path, err)
	}
	return rules, nil
}

// Validate checks weights and thresholds.
func (r Rules) Validate() error {
	var errs []error
	for i, kw := range r.Keywords {
		if kw.Name == "" {
			errs = append(errs, fmt.Errorf("keywords[%d].name is required", i))
		}
		if kw.Weight < 0 {
			errs = append(errs, fmt.Errorf("keywords[%d].weight must be >= 0", i))
		}
		if len(kw.Keywords) == 0 {
			errs = append(errs, fmt.Errorf("keywords[%d].keywords must not be empty", i))
		}
	}
	if r.PhoneWeight < 0 || r.LinkWeight < 0 {
		errs = append(errs, errors.New("phone_weight and link_weight must be >= 0"))
	}
	if r.MediumThreshold <= 0 || r.HighThreshold <= r.MediumThreshold {
		errs = append(errs, errors.New("thresholds must satisfy 0 < medium_threshold < high_threshold"))
	}
	if r.MaxExplanations <= 0 {
		errs = append(errs, errors.New("max_explanations must be > 0"))
	}
	return errors.Join(errs...)
}
