// Package profile holds the candidate data the fit narrative is written for.
package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"
)

type Experience struct {
	Company      string   `yaml:"company"`
	Title        string   `yaml:"title"`
	Period       string   `yaml:"period"`
	Highlights   []string `yaml:"highlights"`
	Technologies []string `yaml:"technologies"`
}

// Profile is read-only once loaded.
type Profile struct {
	Name        string       `yaml:"name"`
	Headline    string       `yaml:"headline"`
	Summary     string       `yaml:"summary"`
	Location    string       `yaml:"location"`
	Skills      []string     `yaml:"skills"`
	Experience  []Experience `yaml:"experience"`
	Education   []string     `yaml:"education"`
	Preferences []string     `yaml:"preferences"`
}

// Load reads a YAML profile file.
func Load(path string) (*Profile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("profile file is not configured")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %q: %w", path, err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	if strings.TrimSpace(p.Name) == "" {
		return nil, errors.New("profile name is required")
	}
	if len(p.Skills) == 0 && len(p.Experience) == 0 {
		return nil, errors.New("profile needs skills or experience")
	}

	return &p, nil
}

// AllSkills returns declared skills plus technologies from experience, deduplicated
// case-insensitively in first-seen order.
func (p *Profile) AllSkills() []string {
	if p == nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	add := func(skill string) {
		skill = strings.TrimSpace(skill)
		key := strings.ToLower(skill)
		if skill == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, skill)
	}

	for _, s := range p.Skills {
		add(s)
	}
	for _, e := range p.Experience {
		for _, s := range e.Technologies {
			add(s)
		}
	}

	return out
}

// Render formats the profile as plain text for prompts.
func (p *Profile) Render() string {
	if p == nil {
		return "(no profile)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", p.Name)
	if p.Headline != "" {
		fmt.Fprintf(&b, "Headline: %s\n", p.Headline)
	}
	if p.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", p.Location)
	}
	if p.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", strings.TrimSpace(p.Summary))
	}
	if skills := p.AllSkills(); len(skills) > 0 {
		fmt.Fprintf(&b, "Skills: %s\n", strings.Join(skills, ", "))
	}

	if len(p.Experience) > 0 {
		b.WriteString("Experience:\n")
		for _, e := range p.Experience {
			fmt.Fprintf(&b, "- %s at %s", e.Title, e.Company)
			if e.Period != "" {
				fmt.Fprintf(&b, " (%s)", e.Period)
			}
			b.WriteString("\n")
			for _, h := range e.Highlights {
				fmt.Fprintf(&b, "  - %s\n", h)
			}
		}
	}

	if len(p.Education) > 0 {
		fmt.Fprintf(&b, "Education: %s\n", strings.Join(p.Education, "; "))
	}
	if len(p.Preferences) > 0 {
		fmt.Fprintf(&b, "Preferences: %s\n", strings.Join(p.Preferences, "; "))
	}

	return strings.TrimSpace(b.String())
}
