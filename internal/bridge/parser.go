package bridge

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Parse consumes an HTTP body in Prometheus exposition format (spec.md
// §4.6), attaching an `endpoint="<host>:<port>"` label to every sample so
// that the same metric from two upstreams produces distinct definitions.
func Parse(r io.Reader, endpoint string, now time.Time) (*Aggregate, error) {
	agg := NewAggregate()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentMetric string
	sawSampleForCurrent := false

	flush := func() {
		if currentMetric != "" && sawSampleForCurrent {
			// Nothing to do: samples are already attached directly to the
			// aggregate as they are parsed. Flush only resets state.
		}
		currentMetric = ""
		sawSampleForCurrent = false
	}

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		if strings.HasPrefix(line, "# HELP ") {
			rest := strings.TrimPrefix(line, "# HELP ")
			name, text, ok := splitNameRest(rest)
			if ok {
				agg.SetHelp(name, text)
				currentMetric = name
			}
			continue
		}

		if strings.HasPrefix(line, "# TYPE ") {
			rest := strings.TrimPrefix(line, "# TYPE ")
			name, text, ok := splitNameRest(rest)
			if ok {
				agg.SetType(name, strings.TrimSpace(text))
				currentMetric = name
			}
			continue
		}

		if strings.HasPrefix(line, "#") {
			continue // unrecognized comment
		}

		name, labels, value, err := parseSampleLine(line)
		if err != nil {
			return nil, fmt.Errorf("bridge: parsing sample line %q: %w", line, err)
		}
		labels = append(labels, Label{Name: "endpoint", Value: endpoint})
		agg.AddSample(name, labels, value, now)
		currentMetric = name
		sawSampleForCurrent = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bridge: reading exposition body: %w", err)
	}

	return agg, nil
}

func splitNameRest(s string) (name, rest string, ok bool) {
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, "", true
	}
	return s[:idx], s[idx+1:], true
}

// parseSampleLine walks a sample line respecting quoting and backslash
// escapes, per spec.md §4.6: metric name, optional `{key="value",...}`
// label block, then the numeric value up to whitespace.
func parseSampleLine(line string) (name string, labels []Label, value float64, err error) {
	i := 0
	n := len(line)

	start := i
	for i < n && line[i] != '{' && line[i] != ' ' && line[i] != '\t' {
		i++
	}
	name = line[start:i]
	if name == "" {
		return "", nil, 0, fmt.Errorf("empty metric name")
	}

	for i < n && (line[i] == ' ' || line[i] == '\t') {
		i++
	}

	if i < n && line[i] == '{' {
		i++
		for {
			for i < n && (line[i] == ' ' || line[i] == ',') {
				i++
			}
			if i < n && line[i] == '}' {
				i++
				break
			}
			if i >= n {
				return "", nil, 0, fmt.Errorf("unterminated label block")
			}
			keyStart := i
			for i < n && line[i] != '=' {
				i++
			}
			if i >= n {
				return "", nil, 0, fmt.Errorf("malformed label, missing '='")
			}
			key := line[keyStart:i]
			i++ // skip '='
			if i >= n || line[i] != '"' {
				return "", nil, 0, fmt.Errorf("label value for %q must be quoted", key)
			}
			i++ // skip opening quote
			var valBuilder strings.Builder
			for i < n {
				c := line[i]
				if c == '\\' && i+1 < n {
					switch line[i+1] {
					case 'n':
						valBuilder.WriteByte('\n')
					case 't':
						valBuilder.WriteByte('\t')
					case 'r':
						valBuilder.WriteByte('\r')
					case '\\':
						valBuilder.WriteByte('\\')
					case '"':
						valBuilder.WriteByte('"')
					default:
						valBuilder.WriteByte(line[i+1])
					}
					i += 2
					continue
				}
				if c == '"' {
					i++
					break
				}
				valBuilder.WriteByte(c)
				i++
			}
			labels = append(labels, Label{Name: key, Value: valBuilder.String()})

			for i < n && (line[i] == ' ') {
				i++
			}
			if i < n && line[i] == ',' {
				continue
			}
		}
	}

	for i < n && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	valStart := i
	for i < n && line[i] != ' ' && line[i] != '\t' {
		i++
	}
	valStr := line[valStart:i]
	value, perr := strconv.ParseFloat(valStr, 64)
	if perr != nil {
		return "", nil, 0, fmt.Errorf("parsing value %q: %w", valStr, perr)
	}

	return name, labels, value, nil
}
