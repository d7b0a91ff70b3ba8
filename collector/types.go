package collector

import (
	"fmt"
)

// ReportType is a kind of report browsers may send.
type ReportType struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

// DefaultReportTypes returns the built-in report types.
func DefaultReportTypes() []ReportType {
	return []ReportType{
		{Name: "csp", Title: "Content Security Policy"},
		{Name: "crash", Title: "Crash"},
		{Name: "deprecation", Title: "Deprecation"},
		{Name: "feature-policy-violation", Title: "Feature Policy Violation"},
		{Name: "hpkp", Title: "HTTP Public Key Pinning"},
		{Name: "intervention", Title: "Intervention"},
		{Name: "network-error", Title: "Network Error"},
	}
}

// ReportTypes is the set of report types the collector accepts.  It is
// built once at startup and read-only afterwards.
type ReportTypes struct {
	types  []ReportType
	byName map[string]ReportType
}

// NewReportTypes builds a registry from the built-in types.  With no
// names every built-in type is enabled; otherwise only the named ones
// are, in the given order.
func NewReportTypes(names ...string) (*ReportTypes, error) {
	defaults := DefaultReportTypes()
	if len(names) == 0 {
		return newReportTypes(defaults), nil
	}

	known := make(map[string]ReportType, len(defaults))
	for _, t := range defaults {
		known[t.Name] = t
	}
	var types []ReportType
	for _, name := range names {
		t, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown report type %q", name)
		}
		types = append(types, t)
	}
	return newReportTypes(types), nil
}

func newReportTypes(types []ReportType) *ReportTypes {
	rt := &ReportTypes{
		types:  types,
		byName: make(map[string]ReportType, len(types)),
	}
	for _, t := range types {
		rt.byName[t.Name] = t
	}
	return rt
}

// Get returns the report type with the given name.
func (rt *ReportTypes) Get(name string) (ReportType, bool) {
	t, ok := rt.byName[name]
	return t, ok
}

// All returns the enabled report types.
func (rt *ReportTypes) All() []ReportType {
	return append([]ReportType(nil), rt.types...)
}

// Names returns the names of the enabled report types.
func (rt *ReportTypes) Names() []string {
	names := make([]string, len(rt.types))
	for i, t := range rt.types {
		names[i] = t.Name
	}
	return names
}
