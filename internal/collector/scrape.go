package collector

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus-community/pgexporter/internal/catalog"
	"github.com/prometheus-community/pgexporter/internal/pgwire"
)

// Label is a name/value pair attached to a rendered sample.
type Label struct {
	Name  string
	Value string
}

// sampleRow is one rendered data point produced by running a metric's
// chosen alternative against one server/database, the in-memory
// equivalent of spec.md §3's Tuple ("originating server index, array of
// nullable strings"), already projected into labels + numeric value(s).
type sampleRow struct {
	ServerIndex int
	Labels      []Label
	Value       float64 // used for counter/gauge columns
	IsHistogram bool
	Buckets     []histogramBucket
	Sum         float64
	Count       float64
}

type histogramBucket struct {
	LE    string
	Count float64
}

// Scrape runs spec.md §4.4's full cycle: reconcile connections, emit
// fabric labels, run the catalog, and render the result as Prometheus
// exposition text.
func (e *Engine) Scrape() string {
	e.Reconcile()

	var b strings.Builder

	e.renderFabricLabels(&b)

	for _, name := range sortedMetricNames(e.Catalog) {
		metric := e.Catalog.Metrics[name]
		rows := e.runMetric(metric)
		if len(rows) == 0 {
			continue
		}
		renderMetric(&b, metric, rows)
	}

	return b.String()
}

func sortedMetricNames(cat *catalog.Catalog) []string {
	names := make([]string, 0, len(cat.Metrics))
	for name := range cat.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// renderFabricLabels implements spec.md §4.4 step 2: a stable
// pgexporter_state sample per server plus pgexporter_postgresql_version.
func (e *Engine) renderFabricLabels(b *strings.Builder) {
	b.WriteString("# HELP pgexporter_state Whether the exporter currently has a working connection to the server\n")
	b.WriteString("# TYPE pgexporter_state gauge\n")
	for _, srv := range e.Servers {
		connected := 0
		if srv.State == StateConnected {
			connected = 1
		}
		fmt.Fprintf(b, "pgexporter_state{server=%q} %d\n", srv.Config.Name, connected)
	}

	b.WriteString("# HELP pgexporter_postgresql_version The major version of the connected PostgreSQL server\n")
	b.WriteString("# TYPE pgexporter_postgresql_version gauge\n")
	for _, srv := range e.Servers {
		if srv.State != StateConnected {
			continue
		}
		fmt.Fprintf(b, "pgexporter_postgresql_version{server=%q,version=\"%d\"} 1\n", srv.Config.Name, srv.Major)
	}
}

// applicableServers implements spec.md §4.4 step 3's server-filter
// decision. The returned index pairs each server with its position in
// e.Servers, since sampleRow.ServerIndex threads back to that slice for
// by-data merge ordering.
func (e *Engine) applicableServers(m *catalog.Metric) []int {
	var out []int
	for i, srv := range e.Servers {
		if srv.State != StateConnected {
			continue
		}
		switch m.Filter {
		case catalog.FilterPrimaryOnly:
			if !srv.IsPrimary {
				continue
			}
		case catalog.FilterReplicaOnly:
			if srv.IsPrimary {
				continue
			}
		}
		out = append(out, i)
	}
	return out
}

// runMetric executes one metric's chosen alternative against every
// applicable server (and every database, if exec_on_all_dbs is set), per
// spec.md §4.4 step 3.
func (e *Engine) runMetric(m *catalog.Metric) []sampleRow {
	var rows []sampleRow

	for _, idx := range e.applicableServers(m) {
		srv := e.Servers[idx]
		alt := m.Select(srv.Major, srv.InstalledExtensionVersions(), srv.EnabledExtensions)
		if alt == nil {
			continue
		}

		databases := []string{srv.Config.Database}
		if m.ExecOnAllDBs {
			databases = srv.Databases
		}

		for _, db := range databases {
			result, err := e.runAlternative(srv, db, alt)
			if err != nil {
				e.logError(srv, fmt.Errorf("metric %q: %w", m.Tag, err))
				continue
			}
			rows = append(rows, projectRows(idx, srv.Config.Name, alt, result)...)
		}
	}

	return rows
}

// runAlternative executes a single alternative's SQL, switching database
// by reopening the connection if needed, per spec.md §4.4's "switching
// database by reopening the connection between executions".
func (e *Engine) runAlternative(srv *Server, database string, alt *catalog.Alternative) (*pgwire.QueryResult, error) {
	conn := srv.Conn
	if database != "" && database != srv.Config.Database {
		username, password, err := e.Credentials.ResolvePassword(srv.Config.UserKey)
		if err != nil {
			return nil, err
		}
		opts := pgwire.Options{
			Host:            srv.Config.Host,
			Port:            srv.Config.Port,
			User:            username,
			Password:        password,
			Database:        database,
			ApplicationName: "pgexporter",
		}
		if srv.Config.TLSMode != "" && srv.Config.TLSMode != "disable" {
			opts.TLSConfig = &tls.Config{InsecureSkipVerify: srv.Config.TLSMode == "require"}
		}
		newConn, err := pgwire.Dial(opts)
		if err != nil {
			return nil, fmt.Errorf("reconnecting to database %q: %w", database, err)
		}
		defer newConn.Close()
		conn = newConn
	}

	colNames := make([]string, len(alt.Columns))
	for i, c := range alt.Columns {
		colNames[i] = c.Name
	}
	return conn.Query(alt.SQL, colNames...)
}

// projectRows converts raw query rows into sampleRows using the
// alternative's declared column kinds, per spec.md §4.4's "A tuple
// becomes a sample with labels taken from the label-typed columns and a
// value taken from the counter/gauge-typed column".
func projectRows(serverIdx int, serverName string, alt *catalog.Alternative, result *pgwire.QueryResult) []sampleRow {
	var out []sampleRow
	for _, raw := range result.Rows {
		labels := []Label{{Name: "server", Value: serverName}}
		var value float64
		haveValue := false
		isHistogram := false
		var buckets []histogramBucket
		var sum, count float64

		for i, col := range alt.Columns {
			if i >= len(raw) {
				continue
			}
			cell := raw[i]
			switch col.Kind {
			case catalog.ColumnLabel:
				v := ""
				if cell != nil {
					v = string(cell)
				}
				labels = append(labels, Label{Name: col.Name, Value: v})
			case catalog.ColumnCounter, catalog.ColumnGauge:
				value, haveValue = parseNullableFloat(cell)
			case catalog.ColumnHistogram:
				isHistogram = true
				buckets, sum, count = parseHistogramCell(cell)
			}
		}

		if isHistogram {
			out = append(out, sampleRow{ServerIndex: serverIdx, Labels: labels, IsHistogram: true, Buckets: buckets, Sum: sum, Count: count})
			continue
		}

		if !haveValue {
			value = nan()
		}
		out = append(out, sampleRow{ServerIndex: serverIdx, Labels: labels, Value: value})
	}
	return out
}

// parseNullableFloat implements spec.md §9's resolved open question:
// NULL numeric columns become NaN rather than the literal "NULL".
func parseNullableFloat(cell []byte) (float64, bool) {
	if cell == nil {
		return nan(), true
	}
	v, err := strconv.ParseFloat(string(cell), 64)
	if err != nil {
		return nan(), false
	}
	return v, true
}

// parseHistogramCell parses the column convention
// "le1:count1,le2:count2,...,+Inf:countN|sum:S|count:C" into buckets plus
// the _sum/_count values, per spec.md §4.4's histogram rendering.
func parseHistogramCell(cell []byte) (buckets []histogramBucket, sum, count float64) {
	sum, count = nan(), nan()
	if cell == nil {
		return nil, sum, count
	}
	parts := strings.Split(string(cell), "|")
	if len(parts) == 0 {
		return nil, sum, count
	}
	for _, b := range strings.Split(parts[0], ",") {
		kv := strings.SplitN(b, ":", 2)
		if len(kv) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			continue
		}
		buckets = append(buckets, histogramBucket{LE: kv[0], Count: v})
	}
	for _, extra := range parts[1:] {
		kv := strings.SplitN(extra, ":", 2)
		if len(kv) != 2 {
			continue
		}
		v, err := strconv.ParseFloat(kv[1], 64)
		if err != nil {
			continue
		}
		switch kv[0] {
		case "sum":
			sum = v
		case "count":
			count = v
		}
	}
	return buckets, sum, count
}

func nan() float64 {
	var z float64
	return z / z
}
