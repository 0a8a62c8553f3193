// Package logging wraps zap with the conventions iterd services share.
//
// Loggers are context-aware: every log method takes a context.Context and
// appends correlation fields extracted from it (trace/span ids, session id,
// iteration number). Output goes to stdout as console or JSON, optionally
// teed to an OpenTelemetry log bridge when a LoggerProvider is configured.
//
// Worker output can carry credentials the supervisor never interprets, so
// the stdout encoder redacts well-known sensitive field names and value
// patterns before anything reaches disk or a collector.
//
// Usage:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil { ... }
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, sess.ID)
//	logger.Info(ctx, "iteration finished", zap.Int("iteration", n))
package logging
