package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiGray   = "\033[90m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

// maxSliceItems bounds how many elements of a per-channel slice (thresholds,
// scales, bit-widths) are printed before the rest is summarized.
const maxSliceItems = 6

// PrettyOptions configures a PrettyHandler.
type PrettyOptions struct {
	Level   slog.Leveler
	NoColor bool
}

// PrettyHandler is a slog.Handler for terminals. A record is one line:
//
//	15:04:05.000 WRN channels clamped node=fc1 count=3
//
// Attributes added through WithAttrs are qualified with the group that was
// open when they were added, as slog requires.
type PrettyHandler struct {
	opts   PrettyOptions
	w      io.Writer
	mu     *sync.Mutex
	prefix string
	pre    []byte
}

// NewPrettyHandler returns a handler writing to w. A nil opts logs at info
// with colors.
func NewPrettyHandler(w io.Writer, opts *PrettyOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = h.paint(buf, ansiGray, r.Time.AppendFormat(nil, "15:04:05.000"))
	buf = append(buf, ' ')
	buf = h.paint(buf, levelColor(r.Level)+ansiBold, []byte(levelTag(r.Level)))
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	buf = append(buf, h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := h.clone()
	for _, a := range attrs {
		c.pre = c.appendAttr(c.pre, c.prefix, a)
	}
	return c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.prefix = h.prefix + name + "."
	return c
}

func (h *PrettyHandler) clone() *PrettyHandler {
	c := *h
	c.pre = append([]byte(nil), h.pre...)
	return &c
}

func (h *PrettyHandler) paint(buf []byte, color string, s []byte) []byte {
	if h.opts.NoColor {
		return append(buf, s...)
	}
	buf = append(buf, color...)
	buf = append(buf, s...)
	return append(buf, ansiReset...)
}

// appendAttr writes " key=value". Group values are flattened into
// dot-separated keys.
func (h *PrettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, g := range group {
			buf = h.appendAttr(buf, prefix, g)
		}
		return buf
	}

	color := ansiCyan
	if _, ok := a.Value.Any().(error); ok {
		color = ansiRed
	}
	buf = append(buf, ' ')
	buf = h.paint(buf, color, []byte(prefix+a.Key+"="))
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', 6, 64)
	case slog.KindDuration:
		return append(buf, v.Duration().Round(time.Microsecond).String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	}
	switch x := v.Any().(type) {
	case error:
		return appendString(buf, x.Error())
	case []float64:
		return appendSlice(buf, x, func(b []byte, f float64) []byte {
			return strconv.AppendFloat(b, f, 'g', 4, 64)
		})
	case []int:
		return appendSlice(buf, x, func(b []byte, n int) []byte {
			return strconv.AppendInt(b, int64(n), 10)
		})
	case []string:
		return appendSlice(buf, x, func(b []byte, s string) []byte {
			return append(b, s...)
		})
	}
	return appendString(buf, fmt.Sprint(v.Any()))
}

// appendSlice prints at most maxSliceItems elements and the total length
// of anything longer.
func appendSlice[T any](buf []byte, xs []T, elem func([]byte, T) []byte) []byte {
	buf = append(buf, '[')
	for i, x := range xs {
		if i == maxSliceItems {
			buf = fmt.Appendf(buf, " ... n=%d", len(xs))
			break
		}
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = elem(buf, x)
	}
	return append(buf, ']')
}

func appendString(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERR"
	case level >= slog.LevelWarn:
		return "WRN"
	case level >= slog.LevelInfo:
		return "INF"
	default:
		return "DBG"
	}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiBlue
	default:
		return ansiGray
	}
}

func needsQuoting(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\n\"=")
}
