package bridge

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Render walks metric-name order, emitting HELP and TYPE once per metric,
// then one exposition line per definition using the most recent sample,
// per spec.md §4.6.
func Render(agg *Aggregate) string {
	var b strings.Builder
	for _, name := range agg.MetricNames() {
		rec := agg.Record(name)
		if rec.Help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, rec.Help)
		}
		if rec.Type != "" {
			fmt.Fprintf(&b, "# TYPE %s %s\n", name, rec.Type)
		}

		defs := make([]*Definition, len(rec.Definitions))
		copy(defs, rec.Definitions)
		sort.Slice(defs, func(i, j int) bool {
			return labelsKey(defs[i].Labels) < labelsKey(defs[j].Labels)
		})

		for _, def := range defs {
			sample, ok := def.Latest()
			if !ok {
				continue
			}
			b.WriteString(name)
			b.WriteString(renderLabels(def.Labels))
			b.WriteByte(' ')
			b.WriteString(formatValue(sample.Value))
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// FormatValue renders a float the way Prometheus exposition text expects,
// using NaN for an undefined value rather than the literal "NULL" (spec.md
// §9's open question, resolved in SPEC_FULL.md: emit NaN, never "NULL").
// Exported so internal/collector's direct-scrape renderer uses the same
// formatting as the bridge.
func FormatValue(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatValue(v float64) string { return FormatValue(v) }

func renderLabels(labels []Label) string {
	if len(labels) == 0 {
		return ""
	}
	sorted := sortedLabels(labels)
	var b strings.Builder
	b.WriteByte('{')
	for i, l := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Name)
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(l.Value))
		b.WriteString(`"`)
	}
	b.WriteByte('}')
	return b.String()
}

// EscapeLabelValue restores the \n \t \r \\ \" escapes, per spec.md §8's
// "label values ... survive a parse/render cycle byte-exact" property.
// Exported for reuse by internal/collector.
func EscapeLabelValue(v string) string {
	return escapeLabelValue(v)
}

func escapeLabelValue(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch r {
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// jsonDefinition and jsonMetric give the bridge-JSON port (spec.md §6) a
// compact document shape: metric name -> {help, type, series:[{labels,value}]}.
type jsonDefinition struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

type jsonMetric struct {
	Help   string           `json:"help,omitempty"`
	Type   string           `json:"type,omitempty"`
	Series []jsonDefinition `json:"series"`
}

// RenderJSON renders the aggregate as the compact JSON document described
// in spec.md §6 ("the aggregate rendered as a compact JSON document").
func RenderJSON(agg *Aggregate) ([]byte, error) {
	out := make(map[string]jsonMetric, len(agg.MetricNames()))
	for _, name := range agg.MetricNames() {
		rec := agg.Record(name)
		jm := jsonMetric{Help: rec.Help, Type: rec.Type}
		for _, def := range rec.Definitions {
			sample, ok := def.Latest()
			if !ok {
				continue
			}
			labels := make(map[string]string, len(def.Labels))
			for _, l := range def.Labels {
				labels[l.Name] = l.Value
			}
			jm.Series = append(jm.Series, jsonDefinition{Labels: labels, Value: sample.Value})
		}
		out[name] = jm
	}
	return json.Marshal(out)
}
