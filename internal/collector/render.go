package collector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus-community/pgexporter/internal/bridge"
	"github.com/prometheus-community/pgexporter/internal/catalog"
)

// renderMetric implements spec.md §4.4 step 4: emit HELP/TYPE once, then
// one line per sample (or a bucket/sum/count family for histograms),
// ordered per the metric's declared sort mode.
func renderMetric(b *strings.Builder, m *catalog.Metric, rows []sampleRow) {
	typeName := metricType(m)
	if m.Help != "" {
		fmt.Fprintf(b, "# HELP %s %s\n", m.Tag, m.Help)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", m.Tag, typeName)

	sortRows(m.Sort, rows)

	for _, row := range rows {
		if row.IsHistogram {
			renderHistogramRow(b, m.Tag, row)
			continue
		}
		b.WriteString(m.Tag)
		b.WriteString(renderRowLabels(row.Labels))
		b.WriteByte(' ')
		b.WriteString(bridge.FormatValue(row.Value))
		b.WriteByte('\n')
	}
}

func metricType(m *catalog.Metric) string {
	for _, alt := range m.AllAlternatives() {
		for _, c := range alt.Columns {
			switch c.Kind {
			case catalog.ColumnHistogram:
				return "histogram"
			case catalog.ColumnCounter:
				return "counter"
			}
		}
	}
	return "gauge"
}

// sortRows implements spec.md §4.4's two cross-server merge orders: by
// label-set name (lexicographic) or by the first data column's value.
func sortRows(mode catalog.SortMode, rows []sampleRow) {
	switch mode {
	case catalog.SortByFirstDataColumn:
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].sortValue() < rows[j].sortValue()
		})
	default:
		sort.SliceStable(rows, func(i, j int) bool {
			return rowLabelsKey(rows[i].Labels) < rowLabelsKey(rows[j].Labels)
		})
	}
}

func (r sampleRow) sortValue() float64 {
	if r.IsHistogram {
		return r.Count
	}
	return r.Value
}

func rowLabelsKey(labels []Label) string {
	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	var b strings.Builder
	for _, l := range sorted {
		b.WriteString(l.Name)
		b.WriteByte('=')
		b.WriteString(l.Value)
		b.WriteByte(',')
	}
	return b.String()
}

func renderRowLabels(labels []Label) string {
	if len(labels) == 0 {
		return ""
	}
	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	var b strings.Builder
	b.WriteByte('{')
	for i, l := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Name)
		b.WriteString(`="`)
		b.WriteString(bridge.EscapeLabelValue(l.Value))
		b.WriteString(`"`)
	}
	b.WriteByte('}')
	return b.String()
}

// renderHistogramRow emits the `_bucket{le="..."}`, `_sum`, and `_count`
// family for one histogram sample, per spec.md §4.4.
func renderHistogramRow(b *strings.Builder, tag string, row sampleRow) {
	base := renderRowLabels(row.Labels)
	for _, bucket := range row.Buckets {
		bl := append(append([]Label{}, row.Labels...), Label{Name: "le", Value: bucket.LE})
		fmt.Fprintf(b, "%s_bucket%s %s\n", tag, renderRowLabels(bl), bridge.FormatValue(bucket.Count))
	}
	fmt.Fprintf(b, "%s_sum%s %s\n", tag, base, bridge.FormatValue(row.Sum))
	fmt.Fprintf(b, "%s_count%s %s\n", tag, base, bridge.FormatValue(row.Count))
}
