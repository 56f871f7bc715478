package feishu

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
)

// larkSlogLogger bridges the lark SDK logger to slog.
type larkSlogLogger struct {
	logger *slog.Logger
}

var _ larkcore.Logger = (*larkSlogLogger)(nil)

func newLarkSlogLogger(log *slog.Logger) larkcore.Logger {
	if log == nil {
		log = slog.Default()
	}
	return &larkSlogLogger{logger: log.With(slog.String("sdk", "lark"))}
}

func (l *larkSlogLogger) Debug(ctx context.Context, args ...interface{}) {
	l.logger.DebugContext(ctx, joinArgs(args))
}

func (l *larkSlogLogger) Info(ctx context.Context, args ...interface{}) {
	l.logger.InfoContext(ctx, joinArgs(args))
}

func (l *larkSlogLogger) Warn(ctx context.Context, args ...interface{}) {
	l.logger.WarnContext(ctx, joinArgs(args))
}

func (l *larkSlogLogger) Error(ctx context.Context, args ...interface{}) {
	l.logger.ErrorContext(ctx, joinArgs(args))
}

func joinArgs(args []interface{}) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, fmt.Sprint(arg))
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
