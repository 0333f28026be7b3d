package models

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// DataType is the declared type of an action parameter.
type DataType string

// Supported parameter data types. The string values are the spellings used in
// extension manifests.
const (
	TypeInt        DataType = "int"
	TypeFloat      DataType = "float"
	TypeBool       DataType = "bool"
	TypeString     DataType = "str"
	TypeTextarea   DataType = "textarea"
	TypeSelect     DataType = "select"
	TypeFile       DataType = "file"
	TypeExperiment DataType = "experiment"
)

// DataTypes lists every supported data type in manifest order.
var DataTypes = []DataType{
	TypeInt, TypeFloat, TypeBool, TypeString, TypeTextarea, TypeSelect, TypeFile, TypeExperiment,
}

// ParseDataType converts a manifest spelling into a DataType.
func ParseDataType(s string) (DataType, error) {
	for _, dt := range DataTypes {
		if string(dt) == s {
			return dt, nil
		}
	}
	names := make([]string, len(DataTypes))
	for i, dt := range DataTypes {
		names[i] = string(dt)
	}
	return "", fmt.Errorf("unknown data type %q (expected one of: %s)", s, strings.Join(names, ", "))
}

// experimentRefPattern matches "<digits>-<alphanumerics>", e.g. 20240229-5689864ffd94.
var experimentRefPattern = regexp.MustCompile(`^[0-9]+-[A-Za-z0-9]+$`)

// IsExperimentRef reports whether s is a well-formed experiment identifier.
func IsExperimentRef(s string) bool {
	return experimentRefPattern.MatchString(s)
}

// Parameter describes one named input of an Action.
type Parameter struct {
	Name         string
	DisplayName  string
	Description  string
	DataType     DataType
	DefaultValue *string
	Options      []string // only meaningful for TypeSelect
}

// Label returns the display name, falling back to the parameter name.
func (p *Parameter) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// Validate checks the structural invariants of the declaration itself:
// non-empty name and description, options for select parameters, and a
// default value that passes the parameter's own rule.
func (p *Parameter) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("parameter name is required")
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("parameter %q: description is required", p.Name)
	}
	if _, err := ParseDataType(string(p.DataType)); err != nil {
		return fmt.Errorf("parameter %q: %w", p.Name, err)
	}
	if p.DataType == TypeSelect && len(p.Options) == 0 {
		return fmt.Errorf("parameter %q: select parameters require options", p.Name)
	}
	if p.DefaultValue != nil {
		if _, err := p.Normalize(*p.DefaultValue); err != nil {
			return fmt.Errorf("parameter %q: invalid default value: %w", p.Name, err)
		}
	}
	return nil
}

// Normalize validates a raw transport value against the parameter's data type
// and returns its normalized string form. Normalization is idempotent:
// normalizing an already-normalized value returns it unchanged.
func (p *Parameter) Normalize(raw string) (string, error) {
	switch p.DataType {
	case TypeInt:
		// Integers are unbounded; the script receives the decimal text.
		n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok {
			return "", p.fail(fmt.Sprintf("%q is not an integer", raw))
		}
		return n.String(), nil

	case TypeFloat:
		if _, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err != nil {
			return "", p.fail(fmt.Sprintf("%q is not a number", raw))
		}
		return raw, nil

	case TypeBool:
		switch strings.ToLower(raw) {
		case "true", "1":
			return "1", nil
		case "false", "0":
			return "0", nil
		}
		return "", p.fail(fmt.Sprintf("%q is not a boolean (expected true, false, 1 or 0)", raw))

	case TypeExperiment:
		if !IsExperimentRef(raw) {
			return "", p.fail(fmt.Sprintf("%q is not an experiment id of the form <digits>-<alphanumerics>", raw))
		}
		return raw, nil

	case TypeSelect:
		for _, opt := range p.Options {
			if raw == opt {
				return raw, nil
			}
		}
		return "", p.fail(fmt.Sprintf("%q is not one of the allowed options [%s]", raw, strings.Join(p.Options, ", ")))

	case TypeString, TypeTextarea, TypeFile:
		return raw, nil
	}

	return "", p.fail(fmt.Sprintf("unsupported data type %q", p.DataType))
}

func (p *Parameter) fail(reason string) error {
	return &ParameterError{Parameter: p.Name, Reason: reason}
}
