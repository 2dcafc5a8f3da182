package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/alert"
	"github.com/spf13/viper"
)

// Rules is the content of the alert rules file. Sensor kinds are matched
// case-insensitively: viper lowercases the sensors keys on load.
type Rules struct {
	Sensors map[string]SensorLimits `mapstructure:"sensors"`
	Rules   []RuleConfig            `mapstructure:"rules"`
}

// SensorLimits holds the static band and rate threshold of a sensor kind
type SensorLimits struct {
	Min           *float64 `mapstructure:"min"`
	Max           *float64 `mapstructure:"max"`
	RateThreshold *float64 `mapstructure:"rate_threshold"`
}

// RuleConfig is one alert rule as written in the rules file
type RuleConfig struct {
	Name       string `mapstructure:"name"`
	SensorType string `mapstructure:"sensor_type"`
	Condition  string `mapstructure:"condition"`
	Severity   string `mapstructure:"severity"`
	Message    string `mapstructure:"message"`
	// Cooldown is a Go duration ("60s") or a number of seconds
	Cooldown string `mapstructure:"cooldown"`
}

// CooldownDuration returns the parsed cooldown, zero when unset
func (r RuleConfig) CooldownDuration() (time.Duration, error) {
	if strings.TrimSpace(r.Cooldown) == "" {
		return 0, nil
	}
	return ParseDuration(r.Cooldown)
}

// LoadRules reads the rules file (YAML or JSON, by extension) and validates it
func LoadRules(path string) (*Rules, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}

	var rules Rules
	if err := v.Unmarshal(&rules); err != nil {
		return nil, fmt.Errorf("unable to decode rules file %s: %w", path, err)
	}

	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}

	return &rules, nil
}

// Specs converts the rule entries to alert rule specs, keeping file order
func (r *Rules) Specs() ([]alert.RuleSpec, error) {
	specs := make([]alert.RuleSpec, 0, len(r.Rules))
	for _, rule := range r.Rules {
		cooldown, err := rule.CooldownDuration()
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid cooldown %q: %w", rule.Name, rule.Cooldown, err)
		}
		specs = append(specs, alert.RuleSpec{
			Name:       rule.Name,
			SensorType: rule.SensorType,
			Condition:  rule.Condition,
			Severity:   rule.Severity,
			Message:    rule.Message,
			Cooldown:   cooldown,
		})
	}
	return specs, nil
}

// Validate compiles the rules and checks the sensor bands
func (r *Rules) Validate() error {
	specs, err := r.Specs()
	if err != nil {
		return err
	}
	if _, err := alert.CompileRules(specs); err != nil {
		return err
	}

	for sensor, limits := range r.Sensors {
		if limits.Min != nil && limits.Max != nil && *limits.Min > *limits.Max {
			return fmt.Errorf("sensor %q: min %.2f is greater than max %.2f", sensor, *limits.Min, *limits.Max)
		}
		if limits.RateThreshold != nil && *limits.RateThreshold < 0 {
			return fmt.Errorf("sensor %q: rate_threshold must not be negative", sensor)
		}
	}

	return nil
}
