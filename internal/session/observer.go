package session

// Observer is notified after every state transition. It is called from the
// control loop and must return quickly; it must not call back into the
// session synchronously.
type Observer interface {
	OnStateChanged(s State)
}

// ErrorObserver is implemented by observers that also want surfaced errors:
// fatal recognition errors, AI stream failures and engine failures. None of
// them stop the session.
type ErrorObserver interface {
	OnError(err error)
}

// ObserverFunc adapts a plain function to [Observer].
type ObserverFunc func(State)

// OnStateChanged calls f(s).
func (f ObserverFunc) OnStateChanged(s State) { f(s) }
