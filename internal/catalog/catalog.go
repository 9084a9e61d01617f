package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Catalog is the full set of configured metrics, keyed by tag. It is
// loaded from a YAML metrics-definition document, generalizing
// pgbouncer_exporter's config.go loader to the metric-catalog shape §3
// describes.
type Catalog struct {
	Metrics map[string]*Metric
}

// rawDoc mirrors the on-disk YAML shape: a list of metrics, each with a
// list of alternatives tagged by minimum core version or by extension
// name + version.
type rawDoc struct {
	Metrics []rawMetric `yaml:"metrics"`
}

type rawMetric struct {
	Tag          string            `yaml:"tag"`
	Collector    string            `yaml:"collector"`
	Help         string            `yaml:"help"`
	Sort         string            `yaml:"sort"`         // "name" | "data"
	Filter       string            `yaml:"server_filter"` // "both" | "primary" | "replica"
	ExecOnAllDBs bool              `yaml:"exec_on_all_databases"`
	Core         []rawAlternative  `yaml:"core"`
	Extension    map[string][]rawAlternative `yaml:"extensions"`
}

type rawAlternative struct {
	MinVersion string     `yaml:"min_version"` // integer for core, semver for extension
	SQL        string     `yaml:"sql"`
	Columns    []rawColumn `yaml:"columns"`
}

type rawColumn struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // label|counter|gauge|histogram
}

// LoadYAML parses a metrics-catalog document and builds the AVL trees for
// each metric's core and extension alternatives.
func LoadYAML(data []byte) (*Catalog, error) {
	var doc rawDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parsing metrics document: %w", err)
	}

	cat := &Catalog{Metrics: make(map[string]*Metric, len(doc.Metrics))}
	seen := make(map[string]bool, len(doc.Metrics))

	for _, rm := range doc.Metrics {
		if rm.Tag == "" {
			return nil, fmt.Errorf("catalog: metric with empty tag")
		}
		if seen[rm.Tag] {
			return nil, fmt.Errorf("catalog: duplicate metric tag %q (tags must be unique, spec invariant)", rm.Tag)
		}
		seen[rm.Tag] = true

		m := &Metric{
			Tag:          rm.Tag,
			Collector:    rm.Collector,
			Help:         rm.Help,
			ExecOnAllDBs: rm.ExecOnAllDBs,
			Extensions:   map[string]*ExtNode{},
		}
		switch rm.Sort {
		case "data":
			m.Sort = SortByFirstDataColumn
		default:
			m.Sort = SortByName
		}
		switch rm.Filter {
		case "primary":
			m.Filter = FilterPrimaryOnly
		case "replica":
			m.Filter = FilterReplicaOnly
		default:
			m.Filter = FilterBoth
		}

		for _, ra := range rm.Core {
			var majorVersion int
			if _, err := fmt.Sscanf(ra.MinVersion, "%d", &majorVersion); err != nil {
				return nil, fmt.Errorf("catalog: metric %q: invalid core min_version %q: %w", rm.Tag, ra.MinVersion, err)
			}
			m.Core = Insert(m.Core, &Node{Version: majorVersion, Alt: toAlternative(ra)})
		}

		for extName, alts := range rm.Extension {
			for _, ra := range alts {
				v, err := ParseVersion(ra.MinVersion)
				if err != nil {
					return nil, fmt.Errorf("catalog: metric %q extension %q: invalid version %q: %w", rm.Tag, extName, ra.MinVersion, err)
				}
				m.Extensions[extName] = InsertExt(m.Extensions[extName], &ExtNode{Version: v, Alt: toAlternative(ra)})
			}
		}

		cat.Metrics[rm.Tag] = m
	}

	return cat, nil
}

func toAlternative(ra rawAlternative) *Alternative {
	cols := make([]Column, len(ra.Columns))
	for i, c := range ra.Columns {
		var kind ColumnKind
		switch c.Type {
		case "counter":
			kind = ColumnCounter
		case "gauge":
			kind = ColumnGauge
		case "histogram":
			kind = ColumnHistogram
		default:
			kind = ColumnLabel
		}
		cols[i] = Column{Name: c.Name, Kind: kind}
	}
	return &Alternative{SQL: ra.SQL, Columns: cols}
}

// Select applies spec.md §4.3's tie-break policy: prefer the extension
// alternative over the core alternative when an eligible extension
// alternative exists and the extension is enabled for the server;
// otherwise fall back to the core alternative. It returns nil if neither
// tree has an eligible alternative.
func (m *Metric) Select(coreVersion int, installedExtensions map[string]Version, enabledExtensions map[string]bool) *Alternative {
	var extAlt *Alternative
	for extName, tree := range m.Extensions {
		if !enabledExtensions[extName] {
			continue
		}
		extVersion, ok := installedExtensions[extName]
		if !ok {
			continue
		}
		if n := LookupExt(tree, extVersion); n != nil {
			extAlt = n.Alt
			break
		}
	}
	if extAlt != nil {
		return extAlt
	}

	if n := Lookup(m.Core, coreVersion); n != nil {
		return n.Alt
	}
	return nil
}
