// Package alerts implements the alert-threshold configuration feature
// from original_source/src/libpgexporter/alert_configuration.c: a set of
// named thresholds evaluated against either a metric value or the
// connection state, exposed as a gauge so Prometheus' own alerting rules
// can fire on them.
package alerts

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Operator is a threshold comparison, mirroring alert_operator in
// original_source/include/alert_configuration.h.
type Operator int

const (
	OperatorGT Operator = iota
	OperatorLT
	OperatorGE
	OperatorLE
	OperatorEQ
	OperatorNE
)

func parseOperator(s string) (Operator, error) {
	switch s {
	case ">":
		return OperatorGT, nil
	case "<":
		return OperatorLT, nil
	case ">=":
		return OperatorGE, nil
	case "<=":
		return OperatorLE, nil
	case "==":
		return OperatorEQ, nil
	case "!=":
		return OperatorNE, nil
	}
	return OperatorGT, fmt.Errorf("alerts: unknown operator %q", s)
}

// Evaluate applies the operator to (value, threshold).
func (op Operator) Evaluate(value, threshold float64) bool {
	switch op {
	case OperatorGT:
		return value > threshold
	case OperatorLT:
		return value < threshold
	case OperatorGE:
		return value >= threshold
	case OperatorLE:
		return value <= threshold
	case OperatorEQ:
		return value == threshold
	case OperatorNE:
		return value != threshold
	}
	return false
}

// Type distinguishes a threshold evaluated against a scraped metric value
// from one evaluated against per-server connection state, mirroring
// alert_type in the original source.
type Type int

const (
	TypeQuery Type = iota
	TypeConnection
)

func parseType(s string) (Type, error) {
	switch s {
	case "query":
		return TypeQuery, nil
	case "connection":
		return TypeConnection, nil
	}
	return TypeQuery, fmt.Errorf("alerts: unknown alert type %q", s)
}

// Definition is one alert threshold, per original_source's
// struct alert_definition.
type Definition struct {
	Name        string
	Description string
	Query       string // metric tag to evaluate, when Kind == TypeQuery
	Kind        Type
	Op          Operator
	Threshold   float64
	ServersAll  bool
	Servers     []string
}

// AppliesToServer reports whether this definition targets the named
// server, per original_source's servers_all / servers[] fields.
func (d *Definition) AppliesToServer(name string) bool {
	if d.ServersAll || len(d.Servers) == 0 {
		return true
	}
	for _, s := range d.Servers {
		if s == name {
			return true
		}
	}
	return false
}

type rawDoc struct {
	Alerts []rawAlert `yaml:"alerts"`
}

type rawAlert struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Query       string   `yaml:"query"`
	Type        string   `yaml:"type"`
	Operator    string   `yaml:"operator"`
	Threshold   float64  `yaml:"threshold"`
	Servers     []string `yaml:"servers"`
}

// Set is an ordered collection of alert definitions, keyed by name for
// the merge-by-name override behavior original_source's
// pgexporter_read_alerts_configuration implements.
type Set struct {
	order []string
	byName map[string]*Definition
}

// NewSet returns an empty alert set.
func NewSet() *Set {
	return &Set{byName: map[string]*Definition{}}
}

// LoadYAML parses a document of the shape original_source's alerts YAML
// uses ("alerts: [{name, description, query, type, operator, threshold,
// servers}]") and appends any new names to s, in document order.
func (s *Set) LoadYAML(data []byte) error {
	var doc rawDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("alerts: parsing YAML: %w", err)
	}
	for _, ra := range doc.Alerts {
		if ra.Name == "" {
			continue
		}
		def, err := toDefinition(ra)
		if err != nil {
			return err
		}
		if _, exists := s.byName[ra.Name]; !exists {
			s.order = append(s.order, ra.Name)
		}
		s.byName[ra.Name] = def
	}
	return nil
}

// Merge applies a second YAML document's alerts as overrides onto an
// already-loaded set, mirroring original_source's "merge: find existing
// alert by name and overwrite" behavior. Fields present in the override
// replace the existing definition's corresponding field; an unknown name
// is appended as a new alert.
func (s *Set) Merge(data []byte) error {
	var doc rawDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("alerts: parsing override YAML: %w", err)
	}
	for _, ra := range doc.Alerts {
		if ra.Name == "" {
			continue
		}
		existing, ok := s.byName[ra.Name]
		if !ok {
			def, err := toDefinition(ra)
			if err != nil {
				return err
			}
			s.order = append(s.order, ra.Name)
			s.byName[ra.Name] = def
			continue
		}
		if ra.Description != "" {
			existing.Description = ra.Description
		}
		if ra.Query != "" {
			existing.Query = ra.Query
		}
		if ra.Type != "" {
			t, err := parseType(ra.Type)
			if err != nil {
				return err
			}
			existing.Kind = t
		}
		if ra.Operator != "" {
			op, err := parseOperator(ra.Operator)
			if err != nil {
				return err
			}
			existing.Op = op
		}
		if ra.Threshold != 0 {
			existing.Threshold = ra.Threshold
		}
		if len(ra.Servers) > 0 {
			existing.ServersAll = len(ra.Servers) == 1 && ra.Servers[0] == "all"
			if existing.ServersAll {
				existing.Servers = nil
			} else {
				existing.Servers = ra.Servers
			}
		}
	}
	return nil
}

func toDefinition(ra rawAlert) (*Definition, error) {
	kind, err := parseType(valueOr(ra.Type, "query"))
	if err != nil {
		return nil, err
	}
	op, err := parseOperator(valueOr(ra.Operator, ">"))
	if err != nil {
		return nil, err
	}
	serversAll := len(ra.Servers) == 0
	if len(ra.Servers) == 1 && ra.Servers[0] == "all" {
		serversAll = true
	}
	def := &Definition{
		Name:        ra.Name,
		Description: ra.Description,
		Query:       ra.Query,
		Kind:        kind,
		Op:          op,
		Threshold:   ra.Threshold,
		ServersAll:  serversAll,
	}
	if !serversAll {
		def.Servers = ra.Servers
	}
	return def, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// Definitions returns the alert set in load order.
func (s *Set) Definitions() []*Definition {
	out := make([]*Definition, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}
