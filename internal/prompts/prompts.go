// Package prompts loads the instruction templates sent to the model by each phase.
package prompts

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Template names.
const (
	ClassifyQuery       = "classify_query"
	ScoreDocument       = "score_document"
	QualityGate         = "quality_gate"
	SkepticalComparison = "skeptical_comparison"
	SkillsMatching      = "skills_matching"
	ConfidenceGate      = "confidence_gate"
	GenerateResults     = "generate_results"
)

const (
	DefaultVariant = "default"
	manifestFile   = "manifest.yaml"
)

//go:embed templates
var embedded embed.FS

// Provider returns the raw template text for a phase and variant.
type Provider interface {
	Load(name, variant string) (string, error)
}

type variantSpec struct {
	Description string `yaml:"description"`
	Fallback    string `yaml:"fallback"`
}

type manifest struct {
	Default  string                 `yaml:"default"`
	Variants map[string]variantSpec `yaml:"variants"`
}

// Library serves templates from a directory tree laid out as <variant>/<name>.md
// next to a manifest.yaml.
type Library struct {
	fsys     fs.FS
	manifest manifest
}

var _ Provider = (*Library)(nil)

// Embedded returns the templates compiled into the binary.
func Embedded() (*Library, error) {
	sub, err := fs.Sub(embedded, "templates")
	if err != nil {
		return nil, err
	}
	return NewLibrary(sub)
}

// FromDir loads templates from disk, e.g. to iterate on wording without rebuilding.
func FromDir(dir string) (*Library, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("prompts dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("prompts dir %q is not a directory", dir)
	}
	return NewLibrary(os.DirFS(dir))
}

func NewLibrary(fsys fs.FS) (*Library, error) {
	lib := &Library{fsys: fsys}

	data, err := fs.ReadFile(fsys, manifestFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		lib.manifest = manifest{Default: DefaultVariant}
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", manifestFile, err)
	default:
		if err := yaml.Unmarshal(data, &lib.manifest); err != nil {
			return nil, fmt.Errorf("parse %s: %w", manifestFile, err)
		}
	}

	if strings.TrimSpace(lib.manifest.Default) == "" {
		lib.manifest.Default = DefaultVariant
	}

	return lib, nil
}

// Variants lists the variants declared in the manifest.
func (l *Library) Variants() []string {
	names := make([]string, 0, len(l.manifest.Variants))
	for name := range l.manifest.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load resolves name for variant, walking the variant's fallback chain and
// finally the default variant.
func (l *Library) Load(name, variant string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("template name is required")
	}

	variant = strings.TrimSpace(variant)
	if variant == "" {
		variant = l.manifest.Default
	}

	seen := make(map[string]bool)
	for current := variant; current != "" && !seen[current]; current = l.next(current) {
		seen[current] = true

		data, err := fs.ReadFile(l.fsys, path.Join(current, name+".md"))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read template %s/%s: %w", current, name, err)
		}

		text := strings.TrimSpace(string(data))
		if text == "" {
			return "", fmt.Errorf("template %s/%s is empty", current, name)
		}
		return text, nil
	}

	return "", fmt.Errorf("template %q not found for variant %q", name, variant)
}

func (l *Library) next(variant string) string {
	if spec, ok := l.manifest.Variants[variant]; ok && spec.Fallback != "" {
		return spec.Fallback
	}
	if variant != l.manifest.Default {
		return l.manifest.Default
	}
	return ""
}

// Render substitutes {{KEY}} placeholders.
func Render(template string, values map[string]string) string {
	if len(values) == 0 {
		return template
	}

	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, "{{"+key+"}}", value)
	}

	return strings.NewReplacer(pairs...).Replace(template)
}
