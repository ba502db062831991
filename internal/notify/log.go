package notify

import (
	"log/slog"

	"github.com/MrWong99/hark/internal/session"
)

// LogObserver logs every state change at info level. Errors are already
// logged by the session.
type LogObserver struct {
	Log *slog.Logger
}

var _ session.Observer = LogObserver{}

func (o LogObserver) logger() *slog.Logger {
	if o.Log == nil {
		return slog.Default()
	}
	return o.Log
}

// OnStateChanged implements [session.Observer].
func (o LogObserver) OnStateChanged(s session.State) {
	o.logger().Info("session state", "state", s, "description", s.Description())
}
