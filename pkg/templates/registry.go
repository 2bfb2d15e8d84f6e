// Package templates holds the prompt template registry: named, versioned
// prompts with declared placeholders, loaded once at startup and immutable
// afterwards. Template selection is always validated against the registry's
// fixed name set — free-form, user-controlled template names are rejected at
// the API boundary as prompt-injection hardening.
package templates

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SafetyLevel controls how much context a template is given. High-safety
// templates receive a user history summary in addition to the message.
type SafetyLevel string

// Safety levels.
const (
	SafetyLow    SafetyLevel = "low"
	SafetyMedium SafetyLevel = "medium"
	SafetyHigh   SafetyLevel = "high"
)

// OutputFormat is the response format a template instructs the model to use.
type OutputFormat string

// Output formats.
const (
	OutputJSON OutputFormat = "json"
	OutputText OutputFormat = "text"
)

// MaxVariableSize caps a single substituted variable during render.
const MaxVariableSize = 8 * 1024

// ErrTemplateUnknown is returned when a template name is not registered.
var ErrTemplateUnknown = errors.New("template unknown")

// VariableMissingError reports a declared variable absent at render time.
type VariableMissingError struct {
	Template string
	Variable string
}

func (e *VariableMissingError) Error() string {
	return fmt.Sprintf("template %s: missing variable %q", e.Template, e.Variable)
}

// Template is a named, versioned prompt. Immutable after registration; a new
// version is a new entry.
type Template struct {
	Name           string       `yaml:"name"`
	Version        string       `yaml:"version"`
	SafetyLevel    SafetyLevel  `yaml:"safety_level"`
	ExpectedOutput OutputFormat `yaml:"expected_output"`
	Variables      []string     `yaml:"variables"`
	Body           string       `yaml:"body"`
}

// placeholderRe matches {{var}} placeholders, with optional inner spacing.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// templateFile is the on-disk YAML structure.
type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// Registry maps template names to their registered templates. Immutable
// after Load, so lookups need no locking.
type Registry struct {
	templates map[string]*Template
}

// Load reads, validates, and registers all templates from the YAML file at
// path. Registration fails hard on any invalid template: templates are a
// startup-time bug class, not a runtime condition.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	var tf templateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse template file %s: %w", path, err)
	}
	return NewRegistry(tf.Templates)
}

// NewRegistry validates and registers the given templates.
func NewRegistry(tmpls []Template) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template, len(tmpls))}
	for i := range tmpls {
		t := tmpls[i]
		if err := validateTemplate(&t); err != nil {
			return nil, err
		}
		if _, exists := r.templates[t.Name]; exists {
			return nil, fmt.Errorf("duplicate template name %q", t.Name)
		}
		r.templates[t.Name] = &t
	}
	return r, nil
}

// validateTemplate checks the registration invariants: every placeholder is
// declared, and the body carries an output-format instruction matching
// ExpectedOutput.
func validateTemplate(t *Template) error {
	if t.Name == "" {
		return errors.New("template with empty name")
	}
	if t.Version == "" {
		return fmt.Errorf("template %s: version is required", t.Name)
	}
	switch t.SafetyLevel {
	case SafetyLow, SafetyMedium, SafetyHigh:
	default:
		return fmt.Errorf("template %s: invalid safety_level %q", t.Name, t.SafetyLevel)
	}
	switch t.ExpectedOutput {
	case OutputJSON, OutputText:
	default:
		return fmt.Errorf("template %s: invalid expected_output %q", t.Name, t.ExpectedOutput)
	}

	declared := make(map[string]bool, len(t.Variables))
	for _, v := range t.Variables {
		declared[v] = true
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(t.Body, -1) {
		if !declared[m[1]] {
			return fmt.Errorf("template %s: placeholder {{%s}} not declared", t.Name, m[1])
		}
	}

	// A JSON template must instruct the model to answer in JSON; without the
	// instruction the tolerant parser downstream is fighting free prose.
	if t.ExpectedOutput == OutputJSON && !strings.Contains(strings.ToLower(t.Body), "json") {
		return fmt.Errorf("template %s: expected_output is json but body carries no JSON instruction", t.Name)
	}
	return nil
}

// Get returns a registered template by name.
func (r *Registry) Get(name string) (*Template, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateUnknown, name)
	}
	return t, nil
}

// Has reports whether name is in the registry's allowlist.
func (r *Registry) Has(name string) bool {
	_, ok := r.templates[name]
	return ok
}

// Names returns the sorted allowlist of template names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered templates.
func (r *Registry) Len() int {
	return len(r.templates)
}

// Render substitutes variables into the template body. Every declared
// variable must be present; substituted values are stripped of null bytes
// and capped at MaxVariableSize each.
func (r *Registry) Render(t *Template, vars map[string]string) (string, error) {
	for _, name := range t.Variables {
		if _, ok := vars[name]; !ok {
			return "", &VariableMissingError{Template: t.Name, Variable: name}
		}
	}

	var renderErr error
	out := placeholderRe.ReplaceAllStringFunc(t.Body, func(ph string) string {
		name := placeholderRe.FindStringSubmatch(ph)[1]
		val, ok := vars[name]
		if !ok {
			renderErr = &VariableMissingError{Template: t.Name, Variable: name}
			return ""
		}
		val = strings.ReplaceAll(val, "\x00", "")
		if len(val) > MaxVariableSize {
			val = val[:MaxVariableSize]
		}
		return val
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}
