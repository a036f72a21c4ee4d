// Package scenario loads declarative scenario definitions and compiles them
// into immutable call graphs for the simulator.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfgangB33r/otel-demo-service/internal/identity"
)

// Extensions lists the file extensions recognised as scenario definitions.
var Extensions = []string{".yaml", ".yml"}

// Definition is the YAML form of a scenario.
type Definition struct {
	// Name is the file stem; it is not read from the file.
	Name        string             `yaml:"-"`
	Description string             `yaml:"description"`
	Root        string             `yaml:"root"`
	Placement   identity.Placement `yaml:"placement"`
	Patterns    []PatternDef       `yaml:"patterns"`
	Nodes       []NodeDef          `yaml:"nodes"`
	Edges       []EdgeDef          `yaml:"edges"`
}

type NodeDef struct {
	Name       string            `yaml:"name"`
	Service    string            `yaml:"service"`
	Version    string            `yaml:"version"`
	Operation  string            `yaml:"operation"`
	Kind       string            `yaml:"kind"`
	Latency    Range             `yaml:"latency"`
	Attributes map[string]string `yaml:"attributes"`
	Faults     []string          `yaml:"faults"`
}

type EdgeDef struct {
	From        string            `yaml:"from"`
	To          string            `yaml:"to"`
	Operation   string            `yaml:"operation"`
	Probability *float64          `yaml:"probability"`
	When        string            `yaml:"when"`
	Attributes  map[string]string `yaml:"attributes"`
	Faults      []string          `yaml:"faults"`
}

type PatternDef struct {
	Name            string            `yaml:"name"`
	Description     string            `yaml:"description"`
	Effect          string            `yaml:"effect"`
	Latency         Range             `yaml:"latency"`
	Probability     *float64          `yaml:"probability"`
	Delay           Range             `yaml:"delay"`
	Message         string            `yaml:"message"`
	StatusAttribute string            `yaml:"status_attribute"`
	StatusCode      *int64            `yaml:"status_code"`
	Step            time.Duration     `yaml:"step"`
	Attribute       string            `yaml:"attribute"`
	Attributes      map[string]string `yaml:"attributes"`
}

// Range is a closed duration interval. In YAML it is either a pair
// `[10ms, 80ms]` or a single duration for a fixed value.
type Range struct {
	Min time.Duration
	Max time.Duration
}

func (r Range) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

func (r Range) String() string {
	if r.Min == r.Max {
		return r.Min.String()
	}
	return fmt.Sprintf("[%s, %s]", r.Min, r.Max)
}

func (r *Range) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		d, err := parseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		r.Min, r.Max = d, d
		return nil
	case yaml.SequenceNode:
		if len(value.Content) != 2 {
			return fmt.Errorf("line %d: a range needs exactly two durations", value.Line)
		}
		lo, err := parseDuration(value.Content[0].Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		hi, err := parseDuration(value.Content[1].Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		if hi < lo {
			return fmt.Errorf("line %d: range %s..%s is inverted", value.Line, lo, hi)
		}
		r.Min, r.Max = lo, hi
		return nil
	default:
		return fmt.Errorf("line %d: a range is a duration or a [min, max] pair", value.Line)
	}
}

// parseDuration accepts Go durations and bare numbers of seconds.
func parseDuration(s string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Parse decodes a definition. Unknown keys are rejected so that typos do not
// silently disable a pattern.
func Parse(name string, data []byte) (*Definition, error) {
	def := &Definition{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(def); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", name, err)
	}
	def.Name = name
	return def, nil
}

// Load reads and parses the definition at path; its name is the file stem.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return Parse(NameFromPath(path), data)
}

// LoadGraph reads and compiles the definition at path.
func LoadGraph(path string) (*Graph, error) {
	def, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Compile(def)
}

// NameFromPath returns the file stem of a definition path.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsDefinitionFile reports whether a directory entry name looks like a
// scenario definition. Names starting with `_` or `.` are ignored.
func IsDefinitionFile(name string) bool {
	if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

var errEmpty = errors.New("scenario has no nodes")
