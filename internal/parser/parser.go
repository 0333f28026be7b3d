package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/harrison/aqueduct/internal/models"
)

// ManifestFile is the default manifest file name inside an extension folder.
const ManifestFile = "extension.yaml"

// ParseManifest reads one extension manifest. The document is decoded into a
// yaml.Node tree and mapped field by field: unknown keys, missing required
// fields and wrongly-typed values are all errors. The returned extension has
// not been structurally validated and carries no folder.
func ParseManifest(r io.Reader) (*models.Extension, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest is empty")
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, errors.New("manifest is empty")
		}
		root = root.Content[0]
	}

	return parseExtension(root)
}

// ParseManifestFile parses and validates the manifest at path and binds the
// resulting extension to the directory containing it. Every failure is a
// *models.ConfigError naming the file.
func ParseManifestFile(path string) (*models.Extension, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, &models.ConfigError{Path: absPath, Err: err}
	}
	defer f.Close()

	ext, err := ParseManifest(f)
	if err != nil {
		return nil, &models.ConfigError{Path: absPath, Err: err}
	}
	if err := ext.Validate(); err != nil {
		return nil, &models.ConfigError{Path: absPath, Err: err}
	}
	return ext.WithFolder(filepath.Dir(absPath)), nil
}

func parseExtension(node *yaml.Node) (*models.Extension, error) {
	m, err := newMapping(node, "")
	if err != nil {
		return nil, err
	}
	ext := &models.Extension{}
	err = m.each(func(key string, value *yaml.Node, path string) error {
		var err error
		switch key {
		case "name":
			ext.Name, err = scalarString(value, path)
		case "display_name":
			ext.DisplayName, err = scalarString(value, path)
		case "description":
			ext.Description, err = scalarString(value, path)
		case "authors":
			ext.Authors, err = authorList(value, path)
		case "constants":
			ext.Constants, err = stringMap(value, path)
		case "actions":
			ext.Actions, err = parseActions(value, path)
		default:
			return unknownField(value, path)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := m.require("name", "description", "actions"); err != nil {
		return nil, err
	}
	return ext, nil
}

func parseActions(node *yaml.Node, path string) ([]*models.Action, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fieldError(node, path, "expected a list of actions")
	}
	actions := make([]*models.Action, 0, len(node.Content))
	for i, item := range node.Content {
		a, err := parseAction(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func parseAction(node *yaml.Node, path string) (*models.Action, error) {
	m, err := newMapping(node, path)
	if err != nil {
		return nil, err
	}
	a := &models.Action{}
	err = m.each(func(key string, value *yaml.Node, fieldPath string) error {
		var err error
		switch key {
		case "name":
			a.Name, err = scalarString(value, fieldPath)
		case "display_name":
			a.DisplayName, err = scalarString(value, fieldPath)
		case "description":
			a.Description, err = scalarString(value, fieldPath)
		case "script":
			a.Script, err = scalarString(value, fieldPath)
		case "parameters":
			a.Parameters, err = parseParameters(value, fieldPath)
		default:
			return unknownField(value, fieldPath)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := m.require("name", "script"); err != nil {
		return nil, err
	}
	return a, nil
}

func parseParameters(node *yaml.Node, path string) ([]*models.Parameter, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, fieldError(node, path, "expected a list of parameters")
	}
	params := make([]*models.Parameter, 0, len(node.Content))
	for i, item := range node.Content {
		p, err := parseParameter(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

func parseParameter(node *yaml.Node, path string) (*models.Parameter, error) {
	m, err := newMapping(node, path)
	if err != nil {
		return nil, err
	}
	p := &models.Parameter{}
	err = m.each(func(key string, value *yaml.Node, fieldPath string) error {
		switch key {
		case "name":
			s, err := scalarString(value, fieldPath)
			p.Name = s
			return err
		case "display_name":
			s, err := scalarString(value, fieldPath)
			p.DisplayName = s
			return err
		case "description":
			s, err := scalarString(value, fieldPath)
			p.Description = s
			return err
		case "data_type":
			s, err := scalarString(value, fieldPath)
			if err != nil {
				return err
			}
			dt, err := models.ParseDataType(s)
			if err != nil {
				return fieldError(value, fieldPath, err.Error())
			}
			p.DataType = dt
			return nil
		case "default_value":
			if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
				return nil
			}
			s, err := scalarString(value, fieldPath)
			if err != nil {
				return err
			}
			p.DefaultValue = &s
			return nil
		case "options":
			opts, err := stringList(value, fieldPath)
			p.Options = opts
			return err
		default:
			return unknownField(value, fieldPath)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := m.require("name", "description", "data_type"); err != nil {
		return nil, err
	}
	return p, nil
}

// mapping walks the key/value pairs of a YAML mapping node and remembers
// which keys were seen.
type mapping struct {
	node *yaml.Node
	path string
	seen map[string]bool
}

func newMapping(node *yaml.Node, path string) (*mapping, error) {
	if node.Kind != yaml.MappingNode {
		where := path
		if where == "" {
			where = "manifest"
		}
		return nil, fieldError(node, where, "expected a mapping")
	}
	return &mapping{node: node, path: path, seen: make(map[string]bool)}, nil
}

func (m *mapping) each(fn func(key string, value *yaml.Node, path string) error) error {
	for i := 0; i+1 < len(m.node.Content); i += 2 {
		keyNode, value := m.node.Content[i], m.node.Content[i+1]
		key := keyNode.Value
		path := m.join(key)
		if m.seen[key] {
			return fieldError(keyNode, path, "duplicate key")
		}
		m.seen[key] = true
		if err := fn(key, value, path); err != nil {
			return err
		}
	}
	return nil
}

func (m *mapping) require(keys ...string) error {
	for _, k := range keys {
		if !m.seen[k] {
			return fieldError(m.node, m.join(k), "required field is missing")
		}
	}
	return nil
}

func (m *mapping) join(key string) string {
	if m.path == "" {
		return key
	}
	return m.path + "." + key
}

func scalarString(node *yaml.Node, path string) (string, error) {
	if node.Kind != yaml.ScalarNode || node.Tag == "!!null" {
		return "", fieldError(node, path, "expected a scalar value")
	}
	return node.Value, nil
}

func stringList(node *yaml.Node, path string) ([]string, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fieldError(node, path, "expected a list")
	}
	out := make([]string, 0, len(node.Content))
	for i, item := range node.Content {
		s, err := scalarString(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// authorList accepts either a single author string or a list of them.
func authorList(node *yaml.Node, path string) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		s, err := scalarString(node, path)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	case yaml.SequenceNode:
		return stringList(node, path)
	}
	return nil, fieldError(node, path, "expected a string or a list of strings")
}

func stringMap(node *yaml.Node, path string) (map[string]string, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fieldError(node, path, "expected a mapping of names to values")
	}
	out := make(map[string]string, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		fieldPath := path + "." + key
		if _, dup := out[key]; dup {
			return nil, fieldError(node.Content[i], fieldPath, "duplicate key")
		}
		s, err := scalarString(node.Content[i+1], fieldPath)
		if err != nil {
			return nil, err
		}
		out[key] = s
	}
	return out, nil
}

func unknownField(node *yaml.Node, path string) error {
	return fieldError(node, path, "unknown field")
}

func fieldError(node *yaml.Node, path, msg string) error {
	if node != nil && node.Line > 0 {
		return fmt.Errorf("line %d: %s: %s", node.Line, path, msg)
	}
	return fmt.Errorf("%s: %s", path, msg)
}
