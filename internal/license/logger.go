package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"orderpad/internal/infrastructure"
)

// logAction logs a licensing action with structured data and trace
// correlation.
func logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	logger := infrastructure.LoggerFromContext(ctx)

	allAttrs := []slog.Attr{
		slog.String("component", "license_agent"),
		slog.String("action", action),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(ctx, level, result, allAttrs...)
}

func logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	logAction(ctx, slog.LevelError, action, result, attrs...)
}

// maskEmail masks an email address while preserving the domain for log
// analytics.
func maskEmail(email string) string {
	if email == "" {
		return ""
	}

	atIndex := strings.Index(email, "@")
	if atIndex == -1 {
		return "****"
	}

	username := email[:atIndex]
	domain := email[atIndex:]

	if len(username) <= 2 {
		return "**" + domain
	}

	return username[:1] + "****" + username[len(username)-1:] + domain
}

// hashToken creates a short stable digest of an unlock token for audit
// correlation. Tokens are never logged in the clear.
func hashToken(token string) string {
	if token == "" {
		return ""
	}
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", h)[:16]
}
