// Package catalog implements the version-indexed query catalog described
// in spec.md §3/§4.3: a search tree of query alternatives per metric,
// selected by server (or extension) version.
package catalog

import "github.com/blang/semver/v4"

// ColumnKind classifies a declared output column of a query alternative,
// per spec.md §3 ("name, type ∈ {label, counter, gauge, histogram}").
type ColumnKind int

const (
	ColumnLabel ColumnKind = iota
	ColumnCounter
	ColumnGauge
	ColumnHistogram
)

// Column is one declared output column of a query alternative.
type Column struct {
	Name string
	Kind ColumnKind
}

// Alternative is a single SQL text plus its declared output columns, per
// spec.md §3. Core alternatives are keyed by a single integer major
// version; extension alternatives additionally carry the extension name
// and a semver triple, held by the owning ExtNode.
type Alternative struct {
	SQL     string
	Columns []Column
}

// ServerFilter restricts which servers a metric applies to, per spec.md
// §3's Metric "server-filter (both/primary/replica only)".
type ServerFilter int

const (
	FilterBoth ServerFilter = iota
	FilterPrimaryOnly
	FilterReplicaOnly
)

// SortMode controls how tuples from multiple servers are merged when
// rendered, per spec.md §4.4.
type SortMode int

const (
	SortByName SortMode = iota
	SortByFirstDataColumn
)

// Metric is the top-level catalog entry for one exported name ("tag"),
// per spec.md §3.
type Metric struct {
	Tag           string
	Collector     string
	Sort          SortMode
	Filter        ServerFilter
	ExecOnAllDBs  bool
	Help          string
	Core          *Node          // core-PostgreSQL AVL tree, keyed by major version
	Extensions    map[string]*ExtNode // extension name -> extension AVL tree
}

// AllAlternatives walks the metric's core and extension trees, returning
// every distinct alternative. Used to classify a metric's Prometheus TYPE
// from its declared columns without exposing the trees' internal shape.
func (m *Metric) AllAlternatives() []*Alternative {
	var out []*Alternative
	var walkCore func(n *Node)
	walkCore = func(n *Node) {
		if n == nil {
			return
		}
		if n.Alt != nil {
			out = append(out, n.Alt)
		}
		walkCore(n.left)
		walkCore(n.right)
	}
	walkCore(m.Core)

	var walkExt func(n *ExtNode)
	walkExt = func(n *ExtNode) {
		if n == nil {
			return
		}
		if n.Alt != nil {
			out = append(out, n.Alt)
		}
		walkExt(n.left)
		walkExt(n.right)
	}
	for _, root := range m.Extensions {
		walkExt(root)
	}

	return out
}

// Version is a semantic version triple, reused verbatim from spec.md §3's
// "parsed into major.minor.patch" requirement for extensions.
type Version = semver.Version

// ParseVersion parses a "major.minor.patch"-shaped string, defaulting
// missing components to zero, matching the lenient parsing the original
// extension-version detection in spec.md §4.4 performs.
func ParseVersion(s string) (Version, error) {
	v, err := semver.ParseTolerant(s)
	if err != nil {
		return Version{}, err
	}
	return v, nil
}
