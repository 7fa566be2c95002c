// Package scripts loads script definitions from YAML files and turns
// parameter values into command lines.
package scripts

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"scriptserver/internal/core"
	"scriptserver/internal/execution"
)

// ParamType is the value type of a parameter.
type ParamType string

const (
	TypeText ParamType = "text"
	TypeInt  ParamType = "int"
	TypeBool ParamType = "bool"
	TypeList ParamType = "list"
)

// Parameter describes one input of a script. A parameter with Param set is
// passed as that flag followed by its value; otherwise its value is appended
// positionally. EnvVar additionally exposes the value in the environment.
type Parameter struct {
	Name     string    `yaml:"name" json:"name"`
	Type     ParamType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
	Default  any       `yaml:"default" json:"default,omitempty"`
	EnvVar   string    `yaml:"env_var" json:"env_var,omitempty"`
	Param    string    `yaml:"param" json:"param,omitempty"`
	Values   []string  `yaml:"values" json:"values,omitempty"`
}

// Definition is the on-disk form of a script.
type Definition struct {
	Name             string      `yaml:"name"`
	Description      string      `yaml:"description"`
	Command          string      `yaml:"command"`
	WorkingDirectory string      `yaml:"working_directory"`
	Parameters       []Parameter `yaml:"parameters"`
	AllowedUsers     []string    `yaml:"allowed_users"`
	Schedulable      bool        `yaml:"schedulable"`
	Connections      []string    `yaml:"connections"`
	OutputFiles      []string    `yaml:"output_files"`
	InputPrompt      string      `yaml:"input_prompt"`
}

// Script is a validated definition.
type Script struct {
	def  Definition
	argv []string
}

var _ execution.ScriptConfig = (*Script)(nil)

// NewScript validates def and splits its command line.
func NewScript(def Definition) (*Script, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, errors.New("script name is required")
	}
	argv, err := shellquote.Split(def.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "script %s: parse command", def.Name)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("script %s: command is empty", def.Name)
	}
	seen := make(map[string]bool, len(def.Parameters))
	for i, p := range def.Parameters {
		if p.Name == "" {
			return nil, errors.Newf("script %s: parameter %d has no name", def.Name, i)
		}
		if seen[p.Name] {
			return nil, errors.Newf("script %s: duplicate parameter %q", def.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "":
			def.Parameters[i].Type = TypeText
		case TypeText, TypeInt, TypeBool, TypeList:
		default:
			return nil, errors.Newf("script %s: parameter %q has unknown type %q", def.Name, p.Name, p.Type)
		}
	}
	return &Script{def: def, argv: argv}, nil
}

func (s *Script) Name() string             { return s.def.Name }
func (s *Script) Description() string      { return s.def.Description }
func (s *Script) WorkingDirectory() string { return s.def.WorkingDirectory }
func (s *Script) ConnectionIDs() []string  { return slices.Clone(s.def.Connections) }
func (s *Script) Schedulable() bool        { return s.def.Schedulable }
func (s *Script) InputPrompt() string      { return s.def.InputPrompt }
func (s *Script) Parameters() []Parameter  { return slices.Clone(s.def.Parameters) }

// allows reports whether user is listed in allowed_users. An empty list or
// "*" allows everybody.
func (s *Script) allows(user core.User) bool {
	if len(s.def.AllowedUsers) == 0 {
		return true
	}
	return slices.Contains(s.def.AllowedUsers, "*") || slices.Contains(s.def.AllowedUsers, user.ID)
}

// Materialize builds the argv and environment for values. Unknown names,
// missing required values and values of the wrong type are rejected.
func (s *Script) Materialize(values map[string]any) (execution.Invocation, error) {
	for name := range values {
		if !slices.ContainsFunc(s.def.Parameters, func(p Parameter) bool { return p.Name == name }) {
			return execution.Invocation{}, core.InvalidParameterf("script %s has no parameter %q", s.def.Name, name)
		}
	}

	argv := slices.Clone(s.argv)
	env := map[string]string{}
	for _, p := range s.def.Parameters {
		raw, ok := values[p.Name]
		if !ok || raw == nil {
			raw = p.Default
		}
		if raw == nil {
			if p.Required {
				return execution.Invocation{}, core.InvalidParameterf("parameter %q is required", p.Name)
			}
			continue
		}
		args, err := p.convert(raw)
		if err != nil {
			return execution.Invocation{}, err
		}
		argv = append(argv, p.arguments(args)...)
		if p.EnvVar != "" {
			env[p.EnvVar] = strings.Join(args, ",")
		}
	}
	return execution.Invocation{Command: argv, Env: env}, nil
}

// OutputFiles expands ${name} references to parameter values. A pattern is
// dropped when a substituted value is not a single local path element, so
// callers cannot point artifacts outside the script's own locations.
func (s *Script) OutputFiles(values map[string]any) []string {
	out := make([]string, 0, len(s.def.OutputFiles))
	for _, pattern := range s.def.OutputFiles {
		safe := true
		path := os.Expand(pattern, func(name string) string {
			v, ok := values[name]
			if !ok || v == nil {
				if i := slices.IndexFunc(s.def.Parameters, func(p Parameter) bool { return p.Name == name }); i >= 0 && s.def.Parameters[i].Default != nil {
					v = s.def.Parameters[i].Default
				} else {
					return ""
				}
			}
			text := fmt.Sprint(v)
			if !pathElement(text) {
				safe = false
			}
			return text
		})
		if safe {
			out = append(out, path)
		}
	}
	return out
}

func pathElement(v string) bool {
	return v == "" || (filepath.IsLocal(v) && !strings.ContainsAny(v, `/\`))
}

func (p Parameter) arguments(values []string) []string {
	if p.Type == TypeBool {
		if p.Param == "" {
			return values
		}
		if values[0] == "true" {
			return []string{p.Param}
		}
		return nil
	}
	if p.Param == "" {
		return values
	}
	return append([]string{p.Param}, values...)
}

// convert checks raw against the parameter type and returns its string
// form; lists yield one element per item.
func (p Parameter) convert(raw any) ([]string, error) {
	var out []string
	switch p.Type {
	case TypeInt:
		n, err := toInt(raw)
		if err != nil {
			return nil, core.InvalidParameterf("parameter %q must be an integer, got %v", p.Name, raw)
		}
		out = []string{strconv.FormatInt(n, 10)}
	case TypeBool:
		b, err := toBool(raw)
		if err != nil {
			return nil, core.InvalidParameterf("parameter %q must be a boolean, got %v", p.Name, raw)
		}
		out = []string{strconv.FormatBool(b)}
	case TypeList:
		items, ok := toList(raw)
		if !ok {
			return nil, core.InvalidParameterf("parameter %q must be a list, got %v", p.Name, raw)
		}
		out = items
	default:
		switch v := raw.(type) {
		case string:
			out = []string{v}
		case json.Number, int, int64, float64, bool:
			out = []string{fmt.Sprint(v)}
		default:
			return nil, core.InvalidParameterf("parameter %q must be text, got %T", p.Name, raw)
		}
	}

	if len(p.Values) > 0 {
		for _, v := range out {
			if !slices.Contains(p.Values, v) {
				return nil, core.InvalidParameterf("parameter %q does not allow %q", p.Name, v)
			}
		}
	}
	return out, nil
}

func toInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.New("not integral")
		}
		if v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, errors.New("out of range")
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, errors.Newf("unsupported %T", raw)
}

func toBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	}
	return false, errors.Newf("unsupported %T", raw)
}

func toList(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return slices.Clone(v), true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out, true
	case string:
		return []string{v}, true
	}
	return nil, false
}
