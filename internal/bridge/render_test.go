package bridge

import (
	"strings"
	"testing"
	"time"
)

func TestFormatValueSpecialCases(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1.5, "1.5"},
		{0, "0"},
	}
	for _, c := range cases {
		if got := FormatValue(c.in); got != c.want {
			t.Errorf("FormatValue(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatValueNaNNeverRendersAsNull(t *testing.T) {
	got := FormatValue(nanValue())
	if got != "NaN" {
		t.Errorf("FormatValue(NaN) = %q, want NaN", got)
	}
	if strings.Contains(strings.ToUpper(got), "NULL") {
		t.Errorf("FormatValue(NaN) must never render as NULL, got %q", got)
	}
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func TestEscapeLabelValueRoundTrip(t *testing.T) {
	original := "line one\nline two\ttabbed\r\\backslash\"quote\""
	escaped := EscapeLabelValue(original)

	line := `metric{text="` + escaped + `"} 1`
	_, labels, _, err := parseSampleLine(line)
	if err != nil {
		t.Fatalf("parseSampleLine: %v", err)
	}
	if labels[0].Value != original {
		t.Errorf("round-trip mismatch: got %q, want %q", labels[0].Value, original)
	}
}

func TestRenderEmitsHelpTypeAndSortedDefinitions(t *testing.T) {
	agg := NewAggregate()
	agg.SetHelp("pg_up", "Whether the scrape succeeded.")
	agg.SetType("pg_up", "gauge")
	agg.AddSample("pg_up", []Label{{Name: "server", Value: "b"}}, 1, time.Unix(0, 0))
	agg.AddSample("pg_up", []Label{{Name: "server", Value: "a"}}, 0, time.Unix(0, 0))

	out := Render(agg)

	if !strings.Contains(out, "# HELP pg_up Whether the scrape succeeded.\n") {
		t.Errorf("missing HELP line: %q", out)
	}
	if !strings.Contains(out, "# TYPE pg_up gauge\n") {
		t.Errorf("missing TYPE line: %q", out)
	}
	idxA := strings.Index(out, `server="a"`)
	idxB := strings.Index(out, `server="b"`)
	if idxA == -1 || idxB == -1 || idxA > idxB {
		t.Errorf("definitions not sorted by label key: %q", out)
	}
}

func TestRenderJSONProducesSeriesPerDefinition(t *testing.T) {
	agg := NewAggregate()
	agg.SetType("pg_up", "gauge")
	agg.AddSample("pg_up", []Label{{Name: "server", Value: "a"}}, 1, time.Unix(0, 0))

	data, err := RenderJSON(agg)
	if err != nil {
		t.Fatalf("RenderJSON: %v", err)
	}
	if !strings.Contains(string(data), `"server":"a"`) {
		t.Errorf("JSON output missing expected label: %s", data)
	}
}
