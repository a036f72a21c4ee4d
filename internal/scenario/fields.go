package scenario

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfgangB33r/otel-demo-service/internal/rng"
)

// Generator produces one attribute value per call.
type Generator func(r *rng.Rng) any

// Field is a named span attribute with its value generator.
type Field struct {
	Name string
	Gen  Generator
}

// Attribute draws a value and converts it to an OpenTelemetry attribute.
func (f Field) Attribute(r *rng.Rng) attribute.KeyValue {
	return toAttribute(f.Name, f.Gen(r))
}

// Draw returns a fresh value together with its attribute form.
func (f Field) Draw(r *rng.Rng) (any, attribute.KeyValue) {
	v := f.Gen(r)
	return v, toAttribute(f.Name, v)
}

func toAttribute(key string, val any) attribute.KeyValue {
	switch v := val.(type) {
	case int64:
		return attribute.Int64(key, v)
	case uint64:
		return attribute.Int64(key, int64(v))
	case int:
		return attribute.Int(key, v)
	case float64:
		return attribute.Float64(key, v)
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		panic(fmt.Sprintf("unknown type %T for %s -- implementation error in fields.go", v, key))
	}
}

var genpat = regexp.MustCompile(`^/([ibfs][wxrg]?)([0-9.-]+)?(,[0-9.-]+)?$`)

// groups                          1            2          3

// parseFields turns a name -> spec map into Fields, sorted by name.
// A spec is either a constant (`GET`, `200`, `true`) or a generator:
//
//	/i100 /ir1,5 /ig50,10   integers: up to, range, gaussian
//	/f1.5 /fr10,500 /fg5,1  floats: same forms
//	/b60                    bool, true 60% of the time
//	/s8 /sx16 /sw12         string: letters, hex, one of 12 word pairs
//	/eEUR,GBP,JPY           one of the listed values
//
// A literal value that starts with a slash is written with two: `//items`.
func parseFields(specs map[string]string) ([]Field, error) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]Field, 0, len(specs))
	for _, name := range names {
		gen, err := parseGenerator(name, specs[name])
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Name: name, Gen: gen})
	}
	return fields, nil
}

func parseGenerator(name, spec string) (Generator, error) {
	if !strings.HasPrefix(spec, "/") || spec == "/" {
		return getConst(spec), nil
	}
	if strings.HasPrefix(spec, "//") {
		return getConst(spec[1:]), nil
	}
	if strings.HasPrefix(spec, "/e") {
		choices := strings.Split(spec[2:], ",")
		for _, c := range choices {
			if c == "" {
				return nil, fmt.Errorf("empty choice in enum field %s=%s", name, spec)
			}
		}
		return func(r *rng.Rng) any { return r.Choice(choices) }, nil
	}

	matches := genpat.FindStringSubmatch(spec)
	if matches == nil {
		return nil, fmt.Errorf("unparseable field %s=%s", name, spec)
	}
	gentype, p1, p2 := matches[1], matches[2], matches[3]
	switch gentype {
	case "i", "ir", "ig":
		gen, err := getIntGen(gentype, p1, p2)
		if err != nil {
			return nil, fmt.Errorf("invalid int in field %s=%s: %w", name, spec, err)
		}
		return gen, nil
	case "f", "fr", "fg":
		gen, err := getFloatGen(gentype, p1, p2)
		if err != nil {
			return nil, fmt.Errorf("invalid float in field %s=%s: %w", name, spec, err)
		}
		return gen, nil
	case "b":
		p := 50.0
		if p1 != "" {
			var err error
			p, err = strconv.ParseFloat(p1, 64)
			if err != nil || p < 0 || p > 100 {
				return nil, fmt.Errorf("invalid bool option in %s=%s", name, spec)
			}
		}
		return func(r *rng.Rng) any { return r.BoolWithProb(p) }, nil
	case "s", "sw", "sx":
		n := 16
		if p1 != "" {
			var err error
			n, err = strconv.Atoi(p1)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid string option in %s=%s", name, spec)
			}
		}
		switch gentype {
		case "sw":
			// the word list is fixed per field name so values repeat across runs
			wr := rng.New(name)
			words := make([]string, n)
			for i := 0; i < n; i++ {
				words[i] = wr.WordPair()
			}
			return func(r *rng.Rng) any { return r.Choice(words) }, nil
		case "sx":
			return func(r *rng.Rng) any { return r.HexString(n) }, nil
		default:
			return func(r *rng.Rng) any { return r.String(n) }, nil
		}
	default:
		return nil, fmt.Errorf("invalid generator type %s in field %s=%s", gentype, name, spec)
	}
}

func getConst(value string) Generator {
	switch value {
	case "true":
		return func(*rng.Rng) any { return true }
	case "false":
		return func(*rng.Rng) any { return false }
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return func(*rng.Rng) any { return i }
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return func(*rng.Rng) any { return f }
	}
	return func(*rng.Rng) any { return value }
}

func gaussianDefaults(v1, v2 float64) (float64, float64) {
	if v1 == 0 && v2 == 0 {
		v1 = 100
		v2 = 10
	} else if v2 == 0 {
		v2 = v1 / 10
	}
	return v1, v2
}

// parseBounds reads the optional `a` and `,b` groups. A single value is the
// upper bound with a lower bound of zero.
func parseBounds(p1, p2 string, parse func(string) (float64, error)) (float64, float64, error) {
	var v1, v2 float64
	var err error
	if p1 != "" {
		if v1, err = parse(p1); err != nil {
			return 0, 0, fmt.Errorf("%s is not a number", p1)
		}
	}
	if p2 == "" || p2 == "," {
		return 0, v1, nil
	}
	if v2, err = parse(p2[1:]); err != nil {
		return 0, 0, fmt.Errorf("%s is not a number", p2[1:])
	}
	return v1, v2, nil
}

func parseInt(s string) (float64, error) {
	i, err := strconv.Atoi(s)
	return float64(i), err
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func getIntGen(gentype, p1, p2 string) (Generator, error) {
	v1, v2, err := parseBounds(p1, p2, parseInt)
	if err != nil {
		return nil, err
	}
	if gentype == "ig" {
		g1, g2 := gaussianDefaults(v1, v2)
		return func(r *rng.Rng) any { return r.GaussianInt(g1, g2) }, nil
	}
	if v1 == 0 && v2 == 0 {
		v2 = 100
	}
	lo, hi := int(v1), int(v2)
	if gentype == "ir" {
		// ranges are inclusive so /ir1,5 can produce 5
		hi++
	}
	return func(r *rng.Rng) any { return r.Int(lo, hi) }, nil
}

func getFloatGen(gentype, p1, p2 string) (Generator, error) {
	v1, v2, err := parseBounds(p1, p2, parseFloat)
	if err != nil {
		return nil, err
	}
	if gentype == "fg" {
		g1, g2 := gaussianDefaults(v1, v2)
		return func(r *rng.Rng) any { return r.Gaussian(g1, g2) }, nil
	}
	if v1 == 0 && v2 == 0 {
		v2 = 100
	}
	return func(r *rng.Rng) any { return r.Float(v1, v2) }, nil
}
