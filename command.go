package puma

// Command is a serialisable invocation travelling from parent to worker on
// the command channel. Args must be gob-encodable when the channel crosses a
// process boundary.
type Command struct {
	Method string
	Args   []any
}

// CommandFunc executes one command on the worker side of a runnable.
type CommandFunc func(args []any) error

// Built-in command methods. These are always handled by the servicing loop;
// user registrations may not shadow them. Exported so alternative runner
// shells can bridge the same controls.
const (
	// MethodStop asks the servicing loop to exit.
	MethodStop = "puma.stop"

	// MethodResumeTicks arms ticking.
	MethodResumeTicks = "puma.resume_ticks"

	// MethodPauseTicks disarms ticking.
	MethodPauseTicks = "puma.pause_ticks"

	// MethodSetTickInterval changes the tick interval; one float64 seconds
	// argument.
	MethodSetTickInterval = "puma.set_tick_interval"
)

// isBuiltinMethod reports whether the method name is reserved.
func isBuiltinMethod(method string) bool {
	switch method {
	case MethodStop, MethodResumeTicks, MethodPauseTicks, MethodSetTickInterval:
		return true
	}
	return false
}
