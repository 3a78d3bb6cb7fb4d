package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func plain(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(NewPrettyHandler(buf, &PrettyOptions{Level: level, NoColor: true}))
}

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("threshold search", "node", "conv1")
	if buf.Len() > 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}

	log.With("component", "qparams").WithGroup("search").Warn("not converged", "bits", 4)
	out := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"component":"qparams"`, `"search":{"bits":4}`, "not converged"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
}

func TestPrettyLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	plain(&buf, slog.LevelDebug).Debug("allocation solved", "node", "fc2", "optimal", true)

	out := buf.String()
	if !strings.HasSuffix(out, " DBG allocation solved node=fc2 optimal=true\n") {
		t.Fatalf("unexpected line %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Fatalf("NoColor output contains escapes: %q", out)
	}
}

func TestPrettyLevels(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &PrettyOptions{Level: slog.LevelWarn})

	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, false},
		{slog.LevelWarn, true},
		{slog.LevelError, true},
	}
	for _, tc := range tests {
		if got := h.Enabled(context.Background(), tc.level); got != tc.want {
			t.Errorf("Enabled(%v) = %v, want %v", tc.level, got, tc.want)
		}
	}
	if !NewPrettyHandler(&bytes.Buffer{}, nil).Enabled(context.Background(), slog.LevelInfo) {
		t.Error("nil options should log info")
	}

	for level, tag := range map[slog.Level]string{
		slog.LevelDebug: "DBG",
		slog.LevelInfo:  "INF",
		slog.LevelWarn:  "WRN",
		slog.LevelError: "ERR",
	} {
		if got := levelTag(level); got != tag {
			t.Errorf("levelTag(%v) = %s, want %s", level, got, tag)
		}
	}
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := plain(&buf, slog.LevelInfo).
		With("run", "r1").
		WithGroup("search").
		With("node", "fc1").
		WithGroup("channel")
	log.Info("clamped", "index", 3, slog.Group("range", "lo", -1, "hi", 2))

	out := buf.String()
	want := " run=r1 search.node=fc1 search.channel.index=3 search.channel.range.lo=-1 search.channel.range.hi=2\n"
	if !strings.HasSuffix(out, want) {
		t.Fatalf("got %q, want suffix %q", out, want)
	}

	h := NewPrettyHandler(&buf, nil)
	if h.WithGroup("") != h {
		t.Error("empty group should return the same handler")
	}
}

func TestPrettyValues(t *testing.T) {
	t.Parallel()

	channels := []float64{0.5, 1, 2, 4, 8, 16, 32, 64}
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"float", 0.0123456789, "v=0.0123457"},
		{"duration", 1234567 * time.Nanosecond, "v=1.235ms"},
		{"spaces", "hello world", `v="hello world"`},
		{"simple", "simple", "v=simple"},
		{"empty", "", `v=""`},
		{"error", errors.New("budget too small"), `v="budget too small"`},
		{"short slice", []int{8, 4}, "v=[8 4]"},
		{"long slice", channels, "v=[0.5 1 2 4 8 16 ... n=8]"},
		{"names", []string{"fc1", "fc2"}, "v=[fc1 fc2]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			plain(&buf, slog.LevelInfo).Info("m", "v", tc.value)
			if got := buf.String(); !strings.HasSuffix(got, " "+tc.want+"\n") {
				t.Errorf("got %q, want suffix %q", got, tc.want)
			}
		})
	}
}

func TestPrettyColors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, nil)).Error("failed", "err", errors.New("x"))

	out := buf.String()
	if !strings.Contains(out, ansiRed+ansiBold+"ERR"+ansiReset) {
		t.Errorf("level not colored: %q", out)
	}
	if !strings.Contains(out, ansiRed+"err="+ansiReset+"x") {
		t.Errorf("error key not highlighted: %q", out)
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"simple", false},
		{"no-special-chars", false},
		{"has space", true},
		{"has\ttab", true},
		{"has\nnewline", true},
		{`has"quote`, true},
		{"k=v", true},
		{"", true},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.want {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestContext(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("context logger not used: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{" Warn ", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestSetup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{"", "node=fc1"},
		{"pretty", "node=fc1"},
		{"JSON", `"node":"fc1"`},
		{"text", "node=fc1"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log, err := Setup(&buf, tc.format, "warn")
		if err != nil {
			t.Fatalf("Setup(%q): %v", tc.format, err)
		}
		log.Info("hidden", "node", "fc1")
		if buf.Len() > 0 {
			t.Fatalf("Setup(%q) logged below its level: %s", tc.format, buf.String())
		}
		log.Warn("channels clamped", "node", "fc1")
		if !strings.Contains(buf.String(), tc.want) {
			t.Errorf("Setup(%q) output %q missing %q", tc.format, buf.String(), tc.want)
		}
	}

	if _, err := Setup(&bytes.Buffer{}, "xml", "info"); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	Discard().With("node", "a").WithGroup("g").Error("dropped")
}
