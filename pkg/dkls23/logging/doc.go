// Package logging provides the logging facade used across the dkls23
// packages.
//
// The Logger interface wraps the context-aware subset of log/slog:
//
//	logger := logging.New(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
//	logger = logging.ForSession(logger, sess, dkls23.ProtocolDKG)
//	logger.Info(ctx, "phase complete", logging.KeyPhase, "phase2")
//
// # Security Considerations
//
// Key shares, polynomial points, OT keys and protocol state are never logged.
// Session ids are logged in abbreviated form only. Use Redacted to record that
// a sensitive value was deliberately left out:
//
//	logger.Debug(ctx, "key share stored", logging.Redacted("key_share"))
package logging
