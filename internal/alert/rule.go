package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/db"
)

// defaultMessage is used when a rule has no message template
const defaultMessage = "{rule_name} triggered for {device_id}"

// RuleSpec is the uncompiled form of a rule as loaded from configuration
type RuleSpec struct {
	Name       string
	SensorType string
	Condition  string
	Severity   string
	Message    string
	Cooldown   time.Duration
}

// Rule is a compiled alert rule
type Rule struct {
	Name       string
	SensorType string
	Condition  *Expr
	Severity   db.Severity
	Message    string
	Cooldown   time.Duration
}

// Applies reports whether the rule's sensor filter accepts the sensor kind,
// ignoring case
func (r *Rule) Applies(sensorType string) bool {
	return r.SensorType == "" || strings.EqualFold(r.SensorType, sensorType)
}

// CompileRules validates and compiles rules, keeping their order
func CompileRules(specs []RuleSpec) ([]Rule, error) {
	seen := make(map[string]struct{}, len(specs))
	rules := make([]Rule, 0, len(specs))

	for i, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("rule #%d has no name", i+1)
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q", spec.Name)
		}
		seen[spec.Name] = struct{}{}

		if spec.Cooldown < 0 {
			return nil, fmt.Errorf("rule %q: cooldown must not be negative", spec.Name)
		}
		severity := db.Severity(strings.ToLower(spec.Severity))
		if !severity.Valid() {
			return nil, fmt.Errorf("rule %q: unknown severity %q", spec.Name, spec.Severity)
		}
		if strings.TrimSpace(spec.Condition) == "" {
			return nil, fmt.Errorf("rule %q: empty condition", spec.Name)
		}
		cond, err := Compile(spec.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", spec.Name, err)
		}

		rules = append(rules, Rule{
			Name:       spec.Name,
			SensorType: spec.SensorType,
			Condition:  cond,
			Severity:   severity,
			Message:    spec.Message,
			Cooldown:   spec.Cooldown,
		})
	}

	return rules, nil
}

// RenderMessage fills the placeholders of a message template
func RenderMessage(template, ruleName string, reading *db.Reading, changeRate *float64) string {
	if template == "" {
		template = defaultMessage
	}
	rate := "0"
	if changeRate != nil {
		rate = strconv.FormatFloat(*changeRate, 'f', 2, 64)
	}
	r := strings.NewReplacer(
		"{value}", strconv.FormatFloat(reading.Value, 'f', -1, 64),
		"{change_rate}", rate,
		"{device_id}", reading.DeviceID,
		"{sensor_type}", reading.SensorType,
		"{unit}", reading.Unit,
		"{rule_name}", ruleName,
	)
	return r.Replace(template)
}
