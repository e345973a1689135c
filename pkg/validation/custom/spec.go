package custom

import (
	"fmt"
	"strings"
)

// Severity ranks validation errors. Higher values are more severe.
type Severity int

const (
	SeverityInfo Severity = iota + 1
	SeverityWarning
	SeverityFailure
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARN"
	case SeverityFailure:
		return "FAILURE"
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity parses a severity name, case insensitive
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO":
		return SeverityInfo, nil
	case "WARN", "WARNING":
		return SeverityWarning, nil
	case "FAILURE", "ERROR":
		return SeverityFailure, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Spec configures the custom validation of User Messages for a P-Mode leg
type Spec struct {
	ID         string            `yaml:"id"`
	Validators []ValidatorConfig `yaml:"validators"`
	// MustExecuteInOrder runs the validators sequentially in configured order
	MustExecuteInOrder bool `yaml:"mustExecuteInOrder"`
	// StopSeverity stops execution once an error of at least this severity is found
	StopSeverity Severity `yaml:"stopSeverity"`
	// RejectSeverity rejects the message when an error of at least this severity is found
	RejectSeverity Severity `yaml:"rejectSeverity"`
}

// ValidatorConfig configures one validator of a Spec
type ValidatorConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	// Severity is used to record unexpected failures of the validator itself
	Severity Severity          `yaml:"severity"`
	Settings map[string]string `yaml:"settings"`
}
