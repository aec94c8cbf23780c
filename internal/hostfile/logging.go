package hostfile

import "log/slog"

// withLogger gives a type an optional structured logger: nil by default,
// so callers who never attach one pay nothing beyond the nil check.
type withLogger struct {
	log *slog.Logger
}

// SetLogger attaches a logger; passing nil disables logging again.
func (w *withLogger) SetLogger(log *slog.Logger) { w.log = log }

func (w *withLogger) trace(msg string, args ...any) {
	if w.log != nil {
		w.log.Debug(msg, args...)
	}
}

func (w *withLogger) debug(msg string, args ...any) {
	if w.log != nil {
		w.log.Debug(msg, args...)
	}
}

func (w *withLogger) warn(msg string, args ...any) {
	if w.log != nil {
		w.log.Warn(msg, args...)
	}
}

func (w *withLogger) logerror(msg string, args ...any) {
	if w.log != nil {
		w.log.Error(msg, args...)
	}
}
