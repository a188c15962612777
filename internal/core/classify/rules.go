package classify

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Rules are the portal markers the classifier matches against.
type Rules struct {
	RegisteredPaths    []string `yaml:"registered_paths"`
	ContinuePaths      []string `yaml:"continue_paths"`
	FormPaths          []string `yaml:"form_paths"`
	RegisteredPhrases  []string `yaml:"registered_phrases"`
	AvailablePhrases   []string `yaml:"available_phrases"`
	ChallengeSelectors []string `yaml:"challenge_selectors"`
	EvidenceRadius     int      `yaml:"evidence_radius"`
}

func DefaultRules() Rules {
	r, err := parseRules(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded classifier rules: %v", err))
	}
	return r
}

// LoadRules reads rules from path, or returns the embedded defaults when
// path is empty. Lists missing from the file keep their default values.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read classifier rules: %w", err)
	}
	override, err := parseRules(b)
	if err != nil {
		return Rules{}, fmt.Errorf("%s: %w", path, err)
	}
	return merge(DefaultRules(), override), nil
}

func parseRules(b []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	return r, nil
}

func merge(base, over Rules) Rules {
	if len(over.RegisteredPaths) > 0 {
		base.RegisteredPaths = over.RegisteredPaths
	}
	if len(over.ContinuePaths) > 0 {
		base.ContinuePaths = over.ContinuePaths
	}
	if len(over.FormPaths) > 0 {
		base.FormPaths = over.FormPaths
	}
	if len(over.RegisteredPhrases) > 0 {
		base.RegisteredPhrases = over.RegisteredPhrases
	}
	if len(over.AvailablePhrases) > 0 {
		base.AvailablePhrases = over.AvailablePhrases
	}
	if len(over.ChallengeSelectors) > 0 {
		base.ChallengeSelectors = over.ChallengeSelectors
	}
	if over.EvidenceRadius > 0 {
		base.EvidenceRadius = over.EvidenceRadius
	}
	return base
}
