package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/0xCarbon/libtss/pkg/dkls23"
)

const redactedPlaceholder = "[redacted]"

// Attribute keys shared by every component that logs about a run.
const (
	KeySession  = "session_id"
	KeyParty    = "party"
	KeyProtocol = "protocol"
	KeyPhase    = "phase"
	KeyPeers    = "peers"
	KeyKind     = "kind"
)

// Logger is the subset of slog used by the dkls23 packages. Applications can
// supply their own implementation for testing or redaction policies.
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	With(args ...any) Logger
}

// New returns a Logger backed by the provided slog.Logger. Passing nil binds to
// slog.Default().
func New(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLogger{logger: logger}
}

// Discard returns a Logger that drops everything.
func Discard() Logger {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, args...)
}

func (l *slogLogger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, args...)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, args...)
}

func (l *slogLogger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, args...)
}

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...)}
}

// ForSession binds the identifying attributes of one party's run. Only an
// abbreviation of the session id is logged.
func ForSession(l Logger, sess dkls23.Session, proto dkls23.Protocol) Logger {
	return l.With(
		KeySession, sess.SessionID.Short(),
		KeyParty, int(sess.PartyIndex),
		KeyProtocol, proto.String(),
	)
}

// ErrorAttrs returns the kind and culprit peers of err as log arguments.
func ErrorAttrs(err error) []any {
	args := []any{KeyKind, dkls23.KindOf(err).String(), "error", err.Error()}
	if peers := dkls23.PeersOf(err); len(peers) > 0 {
		ids := make([]int, len(peers))
		for i, p := range peers {
			ids[i] = int(p)
		}
		args = append(args, KeyPeers, ids)
	}
	return args
}

// Redacted marks attributes that contain sensitive information. Callers must
// avoid logging raw secrets; instead, include this attribute as a reminder that
// the value was intentionally removed.
func Redacted(key string) slog.Attr {
	return slog.String(key, redactedPlaceholder)
}

// Placeholder returns the canonical string that represents a redacted value.
func Placeholder() string {
	return redactedPlaceholder
}
