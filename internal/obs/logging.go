// Package obs provides structured logging, typed errors, and process
// metrics shared across swarmcore's components.
package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string
	// Format specifies output format: "json" or "text".
	Format string
	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer
	// AddSource includes file and line number in log records.
	AddSource bool
}

// DefaultRedactPatterns contains regexes for common secret shapes that must
// never reach a log line verbatim.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
}

var redactRegexps = compileRedactPatterns(DefaultRedactPatterns)

func compileRedactPatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// Redact strips secret-shaped substrings from s, replacing the captured
// value with "***".
func Redact(s string) string {
	for _, re := range redactRegexps {
		s = re.ReplaceAllString(s, "$1=***")
	}
	return s
}

type redactingHandler struct {
	slog.Handler
}

func (h redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = Redact(r.Message)
	return h.Handler.Handle(ctx, r)
}

// NewLogger builds a *slog.Logger configured per cfg, with secret
// redaction applied to every log message.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(redactingHandler{handler})
}

func parseLevel(level string) slog.Level {
	switch level {
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

type correlationKey string

const (
	workspaceIDKey correlationKey = "workspace_id"
	agentIDKey     correlationKey = "agent_id"
	groupIDKey     correlationKey = "group_id"
	runIDKey       correlationKey = "task_run_id"
)

// WithWorkspace attaches a workspace id to ctx for log/metric correlation.
func WithWorkspace(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workspaceIDKey, id)
}

// WithAgent attaches an agent id to ctx for log/metric correlation.
func WithAgent(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// WithGroup attaches a group id to ctx for log/metric correlation.
func WithGroup(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, groupIDKey, id)
}

// WithTaskRun attaches a task run id to ctx for log/metric correlation.
func WithTaskRun(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// FieldsFromContext returns slog key/value pairs for whatever correlation
// ids are present on ctx.
func FieldsFromContext(ctx context.Context) []any {
	var fields []any
	if v, ok := ctx.Value(workspaceIDKey).(string); ok && v != "" {
		fields = append(fields, "workspace_id", v)
	}
	if v, ok := ctx.Value(agentIDKey).(string); ok && v != "" {
		fields = append(fields, "agent_id", v)
	}
	if v, ok := ctx.Value(groupIDKey).(string); ok && v != "" {
		fields = append(fields, "group_id", v)
	}
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		fields = append(fields, "task_run_id", v)
	}
	return fields
}
