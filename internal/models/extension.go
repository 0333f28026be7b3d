package models

import (
	"fmt"
	"sort"
	"strings"
)

// InterpreterPlaceholder is substituted with the provisioned interpreter path
// in action scripts before they are handed to the shell.
const InterpreterPlaceholder = "$python"

// Environment variable names injected into every action process.
const (
	EnvURL = "aqueduct_url"
	EnvKey = "aqueduct_key"
)

// Extension is a named bundle of actions loaded from one manifest. It is
// read-only after loading.
type Extension struct {
	Name        string
	DisplayName string
	Description string
	Authors     []string
	Actions     []*Action
	Constants   map[string]string

	// URL and Key are injected by the loader, never read from the manifest.
	URL string
	Key string

	folder string
}

// WithFolder returns a copy of the extension bound to the folder it was
// loaded from.
func (e *Extension) WithFolder(folder string) *Extension {
	cp := *e
	cp.folder = folder
	return &cp
}

// Folder returns the absolute folder the extension was loaded from.
func (e *Extension) Folder() (string, error) {
	if e.folder == "" {
		return "", fmt.Errorf("extension %q: %w", e.Name, ErrFolderUnset)
	}
	return e.folder, nil
}

// Label returns the display name, falling back to the extension name.
func (e *Extension) Label() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.Name
}

// Action returns the action with the given name.
func (e *Extension) Action(name string) (*Action, error) {
	for _, a := range e.Actions {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, &NotFoundError{Kind: "action", Name: e.Name + "/" + name}
}

// Validate checks the structural invariants of the extension and every
// action and parameter it contains.
func (e *Extension) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("extension name is required")
	}
	seen := make(map[string]bool, len(e.Actions))
	for i, a := range e.Actions {
		if a == nil {
			return fmt.Errorf("actions[%d]: empty action", i)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("actions[%d]: %w", i, err)
		}
		if seen[a.Name] {
			return fmt.Errorf("actions[%d]: duplicate action name %q", i, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// Action is one invocable unit of an Extension.
type Action struct {
	Name        string
	DisplayName string
	Description string
	Script      string
	Parameters  []*Parameter
}

// Label returns the display name, falling back to the action name.
func (a *Action) Label() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.Name
}

// Validate checks the action declaration and each of its parameters.
func (a *Action) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("action name is required")
	}
	if strings.TrimSpace(a.Script) == "" {
		return fmt.Errorf("action %q: script is required", a.Name)
	}
	seen := make(map[string]bool, len(a.Parameters))
	for i, p := range a.Parameters {
		if p == nil {
			return fmt.Errorf("action %q: parameters[%d]: empty parameter", a.Name, i)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("action %q: parameters[%d]: %w", a.Name, i, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("action %q: duplicate parameter %q", a.Name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// ExperimentParameter returns the first parameter typed as an experiment
// reference, or nil when the action declares none.
func (a *Action) ExperimentParameter() *Parameter {
	for _, p := range a.Parameters {
		if p.DataType == TypeExperiment {
			return p
		}
	}
	return nil
}

// ValidateParams checks that params carries exactly the declared parameter
// names and normalizes every value in place.
func (a *Action) ValidateParams(params map[string]string) error {
	declared := make(map[string]bool, len(a.Parameters))
	var missing []string
	for _, p := range a.Parameters {
		declared[p.Name] = true
		if _, ok := params[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	var unexpected []string
	for k := range params {
		if !declared[k] {
			unexpected = append(unexpected, k)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return NewParameterSetError(missing, unexpected)
	}

	normalized := make(map[string]string, len(params))
	for _, p := range a.Parameters {
		v, err := p.Normalize(params[p.Name])
		if err != nil {
			return err
		}
		normalized[p.Name] = v
	}
	for k, v := range normalized {
		params[k] = v
	}
	return nil
}

// SortExtensions orders extensions by name.
func SortExtensions(exts []*Extension) {
	sort.SliceStable(exts, func(i, j int) bool {
		return exts[i].Name < exts[j].Name
	})
}
