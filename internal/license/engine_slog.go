package license

import (
	"context"
	"log/slog"
)

// Logging helpers keep the engine's call sites short and make every record
// carry the component and action attributes.

func (e *Engine) logInfo(ctx context.Context, action, msg string, attrs ...any) {
	e.logger.InfoContext(ctx, msg, append([]any{slog.String("action", action)}, attrs...)...)
}

func (e *Engine) logWarn(ctx context.Context, action, msg string, attrs ...any) {
	e.logger.WarnContext(ctx, msg, append([]any{slog.String("action", action)}, attrs...)...)
}

func (e *Engine) logError(ctx context.Context, action, msg string, attrs ...any) {
	e.logger.ErrorContext(ctx, msg, append([]any{slog.String("action", action)}, attrs...)...)
}
