// Package bridge implements the Prometheus exposition parser/merger
// described in spec.md §4.6: it pulls text from upstream exporter
// endpoints, parses HELP/TYPE/samples, and merges them by metric name
// into a unified aggregate keyed by label set.
package bridge

import (
	"sort"
	"strings"
	"time"
)

const sampleRingCapacity = 100

// Sample is one (timestamp, value) observation.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Label is one key/value pair.
type Label struct {
	Name  string
	Value string
}

// Definition is one unique label set under a metric name, holding a
// bounded ring of recent samples, per spec.md §3's "Prometheus
// aggregate".
type Definition struct {
	Labels  []Label
	samples []Sample // ring buffer, oldest evicted when full
}

// Latest returns the most recently appended sample and whether one exists.
func (d *Definition) Latest() (Sample, bool) {
	if len(d.samples) == 0 {
		return Sample{}, false
	}
	return d.samples[len(d.samples)-1], true
}

// appendSample adds a sample, evicting the oldest once the ring reaches
// capacity, per spec.md §4.6.
func (d *Definition) appendSample(s Sample) {
	d.samples = append(d.samples, s)
	if len(d.samples) > sampleRingCapacity {
		d.samples = d.samples[len(d.samples)-sampleRingCapacity:]
	}
}

// sameLabelSet reports whether two label sets are equal regardless of
// order, the identity rule spec.md §3 defines for a Definition.
func sameLabelSet(a, b []Label) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[string]string, len(a))
	for _, l := range a {
		am[l.Name] = l.Value
	}
	for _, l := range b {
		v, ok := am[l.Name]
		if !ok || v != l.Value {
			return false
		}
	}
	return true
}

// MetricRecord holds one metric name's HELP/TYPE and its definitions.
type MetricRecord struct {
	Name        string
	Help        string
	Type        string
	Definitions []*Definition
}

// findDefinition returns the definition with the same label set, or nil.
func (m *MetricRecord) findDefinition(labels []Label) *Definition {
	for _, d := range m.Definitions {
		if sameLabelSet(d.Labels, labels) {
			return d
		}
	}
	return nil
}

// Aggregate is the bridge-side model: metric name -> MetricRecord, per
// spec.md §3.
type Aggregate struct {
	order   []string
	records map[string]*MetricRecord
}

// NewAggregate returns an empty aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{records: make(map[string]*MetricRecord)}
}

func (a *Aggregate) getOrCreate(name string) *MetricRecord {
	if r, ok := a.records[name]; ok {
		return r
	}
	r := &MetricRecord{Name: name}
	a.records[name] = r
	a.order = append(a.order, name)
	return r
}

// SetHelp sets or overwrites the HELP text for a metric, creating the
// record if needed, per spec.md §4.6.
func (a *Aggregate) SetHelp(name, help string) {
	a.getOrCreate(name).Help = help
}

// SetType sets or overwrites the TYPE for a metric, creating the record if
// needed.
func (a *Aggregate) SetType(name, typ string) {
	a.getOrCreate(name).Type = typ
}

// AddSample merges a new sample into the aggregate, attaching it to an
// existing definition with the same label set or creating a new one, per
// spec.md §4.6. Merge is idempotent under repeated scrapes because
// insertion is keyed by (metric-name, label-set).
func (a *Aggregate) AddSample(name string, labels []Label, value float64, ts time.Time) {
	rec := a.getOrCreate(name)
	def := rec.findDefinition(labels)
	if def == nil {
		def = &Definition{Labels: labels}
		rec.Definitions = append(rec.Definitions, def)
	}
	def.appendSample(Sample{Timestamp: ts, Value: value})
}

// MetricNames returns metric names in first-seen order, for stable
// rendering (spec.md §4.6's "walks metric-name order").
func (a *Aggregate) MetricNames() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Record returns the record for a metric name, or nil.
func (a *Aggregate) Record(name string) *MetricRecord {
	return a.records[name]
}

// Merge folds other into a as a structural union; it adds no labels of its
// own (Parse already attaches the endpoint label, per spec.md §4.6, so
// Merge only combines multiple already-parsed aggregates).
func (a *Aggregate) Merge(other *Aggregate) {
	for _, name := range other.MetricNames() {
		rec := other.Record(name)
		dst := a.getOrCreate(name)
		if dst.Help == "" {
			dst.Help = rec.Help
		}
		if dst.Type == "" {
			dst.Type = rec.Type
		}
		for _, def := range rec.Definitions {
			existing := dst.findDefinition(def.Labels)
			if existing == nil {
				dst.Definitions = append(dst.Definitions, def)
				continue
			}
			for _, s := range def.samples {
				existing.appendSample(s)
			}
		}
	}
}

// sortedLabels returns labels sorted by name, used for deterministic
// rendering and for the "by-name" merge sort mode (spec.md §4.4).
func sortedLabels(labels []Label) []Label {
	out := make([]Label, len(labels))
	copy(out, labels)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// labelsKey renders a label set into a canonical string, used to sort
// definitions lexicographically for "by-name" merge (spec.md §4.4).
func labelsKey(labels []Label) string {
	sorted := sortedLabels(labels)
	var b strings.Builder
	for _, l := range sorted {
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteString(l.Value)
		b.WriteByte(';')
	}
	return b.String()
}
