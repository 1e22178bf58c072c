package populator

import (
	"fmt"
	"strings"
)

// Attribute is one level of a view's directory hierarchy.
type Attribute struct {
	Name string `yaml:"name" mapstructure:"name" json:"name"`
	// Type is informational ("string", "int", "date"); values are compared as
	// strings by the metadata engine.
	Type string `yaml:"type" mapstructure:"type" json:"type"`
}

// View maps an ordered list of metadata attributes to directory depth. The
// view root lists the values of the first attribute, each of those lists the
// values of the second, and so on; the last attribute names the files.
type View struct {
	Name       string      `yaml:"name" mapstructure:"name" json:"name"`
	Attributes []Attribute `yaml:"attributes" mapstructure:"attributes" json:"attributes"`
}

// Names returns the attribute names in depth order.
func (v View) Names() []string {
	out := make([]string, len(v.Attributes))
	for i, a := range v.Attributes {
		out[i] = a.Name
	}
	return out
}

// Depth returns the number of path segments below the view root at which
// files appear.
func (v View) Depth() int {
	return len(v.Attributes)
}

// ValidateViews checks that view names are unique, usable as a path segment
// and that each view has at least one attribute.
func ValidateViews(views []View) error {
	seen := make(map[string]struct{}, len(views))
	for _, v := range views {
		if v.Name == "" {
			return fmt.Errorf("view name cannot be empty")
		}
		if strings.Contains(v.Name, "/") || v.Name == "." || v.Name == ".." {
			return fmt.Errorf("view name %q is not a valid path segment", v.Name)
		}
		if _, ok := seen[v.Name]; ok {
			return fmt.Errorf("duplicate view name %q", v.Name)
		}
		seen[v.Name] = struct{}{}

		if len(v.Attributes) == 0 {
			return fmt.Errorf("view %q has no attributes", v.Name)
		}
		attrs := make(map[string]struct{}, len(v.Attributes))
		for _, a := range v.Attributes {
			if a.Name == "" {
				return fmt.Errorf("view %q has an attribute without a name", v.Name)
			}
			if _, ok := attrs[a.Name]; ok {
				return fmt.Errorf("view %q repeats attribute %q", v.Name, a.Name)
			}
			attrs[a.Name] = struct{}{}
		}
	}
	return nil
}

var (
	segmentEscaper   = strings.NewReplacer("%", "%25", "/", "%2F")
	segmentUnescaper = strings.NewReplacer("%2F", "/", "%25", "%")
)

// EscapeSegment turns an attribute value into a single path segment.
func EscapeSegment(v string) string {
	switch v {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return segmentEscaper.Replace(v)
}

// UnescapeSegment reverses EscapeSegment.
func UnescapeSegment(s string) string {
	switch s {
	case "%2E":
		return "."
	case "%2E%2E":
		return ".."
	}
	return segmentUnescaper.Replace(s)
}
