package harness

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/counting-bot/Aura/ipc"
)

// ipcHandler is a slog.Handler that forwards records to the
// orchestrator as log frames instead of writing them locally. Workers
// own no terminal; the orchestrator renders the fleet's output in one
// place, attributed by worker identity.
type ipcHandler struct {
	channel *ipc.Channel
	level   slog.Level

	attrs  []slog.Attr
	groups []string
}

// NewLogger builds a logger whose records travel over the channel.
// Verbosity names the minimum forwarded level; unknown values mean
// info.
func NewLogger(channel *ipc.Channel, verbosity string) *slog.Logger {
	return slog.New(&ipcHandler{
		channel: channel,
		level:   parseLevel(verbosity),
	})
}

func parseLevel(verbosity string) slog.Level {
	switch strings.ToLower(verbosity) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (h *ipcHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ipcHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make(map[string]any, record.NumAttrs()+len(h.attrs))
	// Bound attrs were qualified when they were added; only the
	// record's own attrs take the current group prefix.
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Resolve().Any()
	}
	record.Attrs(func(a slog.Attr) bool {
		fields[h.qualify(a.Key)] = a.Value.Resolve().Any()
		return true
	})

	var attrs json.RawMessage
	if len(fields) > 0 {
		raw, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		attrs = raw
	}

	return h.channel.Notify(opForLevel(record.Level), ipc.LogData{
		Message: record.Message,
		Attrs:   attrs,
	})
}

func (h *ipcHandler) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}

func opForLevel(level slog.Level) ipc.Op {
	switch {
	case level >= slog.LevelError:
		return ipc.OpError
	case level >= slog.LevelWarn:
		return ipc.OpWarn
	case level >= slog.LevelInfo:
		return ipc.OpInfo
	default:
		return ipc.OpDebug
	}
}

func (h *ipcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		a.Key = h.qualify(a.Key)
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *ipcHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}
