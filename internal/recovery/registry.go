package recovery

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatterns []byte

// ErrInvalidRegistry means a pattern definition is malformed.
var ErrInvalidRegistry = errors.New("invalid pattern registry")

// Severity grades an issue type.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// StrategySpec names a strategy and how often it may be attempted.
type StrategySpec struct {
	Name        string `yaml:"name"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// Pattern classifies failure messages into an issue type.
type Pattern struct {
	IssueType  string
	Match      *regexp.Regexp
	Severity   Severity
	Strategies []StrategySpec
}

// Registry is an ordered, immutable list of patterns. The first pattern
// whose expression matches a failure message classifies it.
type Registry struct {
	patterns []Pattern
}

type patternFile struct {
	Patterns []struct {
		IssueType  string         `yaml:"issue_type"`
		Pattern    string         `yaml:"pattern"`
		Severity   Severity       `yaml:"severity"`
		Strategies []StrategySpec `yaml:"strategies"`
	} `yaml:"patterns"`
}

// NewRegistry validates patterns and builds a registry.
func NewRegistry(patterns ...Pattern) (*Registry, error) {
	seen := make(map[string]bool, len(patterns))
	out := make([]Pattern, 0, len(patterns))
	for i, p := range patterns {
		if p.IssueType == "" {
			return nil, fmt.Errorf("%w: pattern %d has no issue type", ErrInvalidRegistry, i)
		}
		if seen[p.IssueType] {
			return nil, fmt.Errorf("%w: duplicate issue type %q", ErrInvalidRegistry, p.IssueType)
		}
		seen[p.IssueType] = true
		if p.Match == nil {
			return nil, fmt.Errorf("%w: %s has no expression", ErrInvalidRegistry, p.IssueType)
		}
		switch p.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		case "":
			p.Severity = SeverityMedium
		default:
			return nil, fmt.Errorf("%w: %s has unknown severity %q", ErrInvalidRegistry, p.IssueType, p.Severity)
		}
		for _, s := range p.Strategies {
			if s.Name == "" || s.MaxAttempts < 1 {
				return nil, fmt.Errorf("%w: %s strategy %q needs a name and max_attempts >= 1",
					ErrInvalidRegistry, p.IssueType, s.Name)
			}
		}
		p.Strategies = append([]StrategySpec(nil), p.Strategies...)
		out = append(out, p)
	}
	return &Registry{patterns: out}, nil
}

// ParseRegistry builds a registry from YAML.
func ParseRegistry(data []byte) (*Registry, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}

	patterns := make([]Pattern, 0, len(f.Patterns))
	for _, p := range f.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRegistry, p.IssueType, err)
		}
		patterns = append(patterns, Pattern{
			IssueType:  p.IssueType,
			Match:      re,
			Severity:   p.Severity,
			Strategies: p.Strategies,
		})
	}
	return NewRegistry(patterns...)
}

// LoadRegistry reads a YAML registry file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern registry: %w", err)
	}
	return ParseRegistry(data)
}

// DefaultRegistry returns the built-in patterns.
func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultPatterns)
	if err != nil {
		panic(fmt.Sprintf("built-in pattern registry: %v", err))
	}
	return r
}

// Classify returns the first pattern matching message.
func (r *Registry) Classify(message string) (Pattern, bool) {
	for _, p := range r.patterns {
		if p.Match.MatchString(message) {
			p.Strategies = append([]StrategySpec(nil), p.Strategies...)
			return p, true
		}
	}
	return Pattern{}, false
}

// Patterns returns the patterns in match order.
func (r *Registry) Patterns() []Pattern {
	out := make([]Pattern, len(r.patterns))
	for i, p := range r.patterns {
		p.Strategies = append([]StrategySpec(nil), p.Strategies...)
		out[i] = p
	}
	return out
}
