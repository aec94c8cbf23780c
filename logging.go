package save3ds

import "log/slog"

// withLogger gives a type an optional structured logger, mirroring the
// teacher's own fat.go FS.log field: nil by default, so a type that never
// gets a logger attached pays nothing beyond the nil check.
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
