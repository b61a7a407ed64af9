package puma

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pumalib/puma/timestamp"
)

// Runnable is user-authored worker logic: input handlers, command handlers
// and an optional tick callback, serviced by a single loop on the worker.
// Concrete runnables embed RunnableCore, which satisfies this interface.
type Runnable interface {
	// Name returns the runnable's name, used for logging.
	Name() string

	// Core returns the embedded servicing core.
	Core() *RunnableCore
}

// Ticker is implemented by runnables that want the periodic tick callback.
// The timestamp is the host-wide monotonic time in seconds — the time "now",
// not the nominal time the tick was scheduled for.
type Ticker interface {
	OnTick(now float64) error
}

// RunnableCore holds the subscription registry, command table and tick
// scheduler behind every runnable, and implements the servicing loop.
// Construct with NewCore and embed by value.
type RunnableCore struct {
	name   string
	logger *slog.Logger

	mu            sync.Mutex
	executing     bool
	stopRequested bool
	aborted       bool
	inputs        []*inputBinding
	outputs       []outputBinding
	commands      map[string]CommandFunc

	tickMu       sync.Mutex
	tickInterval float64 // seconds; 0 = unset
	nextTick     float64 // monotonic deadline; 0 = not ticking
}

// CoreOption customises a RunnableCore.
type CoreOption func(*RunnableCore)

// WithCoreLogger sets the logger used by the servicing loop.
func WithCoreLogger(l *slog.Logger) CoreOption {
	return func(c *RunnableCore) { c.logger = l }
}

// WithTickInterval pre-sets the tick interval. Ticking still starts only
// after ResumeTicks.
func WithTickInterval(d time.Duration) CoreOption {
	return func(c *RunnableCore) { c.tickInterval = d.Seconds() }
}

// NewCore creates the servicing core for a runnable.
func NewCore(name string, opts ...CoreOption) RunnableCore {
	c := RunnableCore{
		name:     name,
		logger:   slog.Default(),
		commands: make(map[string]CommandFunc),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Name returns the runnable's name.
func (c *RunnableCore) Name() string { return c.name }

// Core returns the core itself, promoting the Runnable interface onto
// embedding types.
func (c *RunnableCore) Core() *RunnableCore { return c }

// RegisterCommand maps a method name to a worker-side handler. The parent
// invokes it through Runner.Invoke. Registration must happen before the
// runner starts.
func (c *RunnableCore) RegisterCommand(method string, fn CommandFunc) error {
	if method == "" || fn == nil {
		return fmt.Errorf("%s: command registration needs a method name and a handler", c.name)
	}
	if isBuiltinMethod(method) {
		return fmt.Errorf("%s: %q is a reserved method name", c.name, method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executing {
		return fmt.Errorf("%s: %w", c.name, ErrWhileExecuting)
	}
	if _, dup := c.commands[method]; dup {
		return fmt.Errorf("%s: command %q is already registered", c.name, method)
	}
	c.commands[method] = fn
	return nil
}

// RequestStop asks the servicing loop to exit after the current iteration.
// Worker-side equivalent of Runner.Stop.
func (c *RunnableCore) RequestStop() {
	c.mu.Lock()
	c.stopRequested = true
	c.mu.Unlock()
}

// forceAbort is the flag-polled abort used when a join timeout expires.
func (c *RunnableCore) forceAbort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
}

// SetTickInterval sets or changes the tick interval. If ticking is in
// progress the next deadline is recomputed from the last tick boundary.
// Worker-side; the parent goes through Runner.SetTickInterval.
func (c *RunnableCore) SetTickInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s: tick interval must be greater than zero", c.name)
	}
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	interval := d.Seconds()
	if c.nextTick != 0 {
		lastTick := c.nextTick - c.tickInterval
		c.nextTick = lastTick + interval
	}
	c.tickInterval = interval
	return nil
}

// ResumeTicks starts or resumes ticking. The first tick fires one full
// interval after this call. No effect if already ticking.
func (c *RunnableCore) ResumeTicks() error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	if c.tickInterval == 0 {
		return fmt.Errorf("%s: tick interval has not been set", c.name)
	}
	if c.nextTick != 0 {
		return nil
	}
	c.nextTick = timestamp.Now() + c.tickInterval
	return nil
}

// PauseTicks disarms ticking.
func (c *RunnableCore) PauseTicks() error {
	c.tickMu.Lock()
	c.nextTick = 0
	c.tickMu.Unlock()
	return nil
}

// shouldStop reports whether the loop must exit regardless of input state.
func (c *RunnableCore) shouldStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested || c.aborted
}

func (c *RunnableCore) setExecuting(v bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v && c.executing {
		return fmt.Errorf("%s: %w", c.name, ErrAlreadyStarted)
	}
	c.executing = v
	return nil
}

// inputBinding is one (buffer, handler) registration, erased to closures so
// the core can hold inputs of different element types.
type inputBinding struct {
	name      string
	subscribe func(w Wakeup) error
	drain     func() error
	completed func() bool
	release   func()
}

// HandleInput registers an input buffer with the handler that services it.
// Inputs are drained in registration order. Registration must happen before
// the runner starts.
func HandleInput[T any](c *RunnableCore, in *Buffer[T], h Handler[T]) error {
	if in == nil || h == nil {
		return fmt.Errorf("%s: input registration needs a buffer and a handler", c.name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executing {
		return fmt.Errorf("%s: %w", c.name, ErrWhileExecuting)
	}
	for _, existing := range c.inputs {
		if existing.name == in.Name() {
			return fmt.Errorf("%s: input %q is already registered", c.name, in.Name())
		}
	}
	var sub *Subscription[T]
	b := &inputBinding{
		name: in.Name(),
		subscribe: func(w Wakeup) error {
			s, err := in.Subscribe(w)
			if err != nil {
				return err
			}
			sub = s
			return nil
		},
		drain: func() error {
			var inbound error
			_, err := sub.CallEvents(HandlerFuncs[T]{
				Value: h.OnValue,
				Complete: func(cerr error) error {
					inbound = cerr
					return h.OnComplete(cerr)
				},
			})
			if err != nil {
				return err
			}
			// An error carried by an inbound completion is fatal for the
			// whole runnable, exactly as if this input's handler raised it.
			return inbound
		},
		completed: func() bool { return sub != nil && sub.Completed() },
		release: func() {
			if sub != nil {
				sub.Release()
			}
		},
	}
	c.inputs = append(c.inputs, b)
	return nil
}

// outputBinding is the type-erased view of an Outlet held by the core.
type outputBinding interface {
	bufferName() string
	attach() error
	completeIfNeeded(err error)
	release()
}

// Outlet is a runnable's handle on one of its output buffers. The real
// publisher is attached when the servicing loop starts and released when it
// ends, so discard sweeps see the worker's true attachment window.
type Outlet[T any] struct {
	core *RunnableCore
	buf  *Buffer[T]

	mu        sync.Mutex
	pub       *Publisher[T]
	completed bool
}

// AddOutput declares an output buffer on the runnable and returns the outlet
// its handlers publish through. Must be called before the runner starts.
func AddOutput[T any](c *RunnableCore, out *Buffer[T]) (*Outlet[T], error) {
	if out == nil {
		return nil, fmt.Errorf("%s: output registration needs a buffer", c.name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executing {
		return nil, fmt.Errorf("%s: %w", c.name, ErrWhileExecuting)
	}
	for _, existing := range c.outputs {
		if existing.bufferName() == out.Name() {
			return nil, fmt.Errorf("%s: output %q is already registered", c.name, out.Name())
		}
	}
	o := &Outlet[T]{core: c, buf: out}
	c.outputs = append(c.outputs, o)
	return o, nil
}

// BufferName returns the name of the underlying buffer.
func (o *Outlet[T]) BufferName() string { return o.buf.Name() }

func (o *Outlet[T]) bufferName() string { return o.buf.Name() }

func (o *Outlet[T]) attach() error {
	pub, err := o.buf.Publish()
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.pub = pub
	o.completed = false
	o.mu.Unlock()
	return nil
}

func (o *Outlet[T]) publisher() (*Publisher[T], error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pub == nil {
		return nil, fmt.Errorf("%s: outlet is only usable while the runnable executes: %w", o.buf.Name(), ErrNotRunning)
	}
	return o.pub, nil
}

// Publish appends a value downstream, blocking while the buffer is full.
func (o *Outlet[T]) Publish(v T) error {
	pub, err := o.publisher()
	if err != nil {
		return err
	}
	return pub.Publish(v)
}

// TryPublish appends a value downstream or fails with ErrBufferFull.
func (o *Outlet[T]) TryPublish(v T) error {
	pub, err := o.publisher()
	if err != nil {
		return err
	}
	return pub.TryPublish(v)
}

// PublishComplete terminates the output buffer.
func (o *Outlet[T]) PublishComplete(err error) error {
	pub, perr := o.publisher()
	if perr != nil {
		return perr
	}
	if cerr := pub.PublishComplete(err); cerr != nil {
		return cerr
	}
	o.mu.Lock()
	o.completed = true
	o.mu.Unlock()
	return nil
}

// completeIfNeeded forwards a terminal completion to the output unless one
// was already sent or the buffer is already complete. Best-effort.
func (o *Outlet[T]) completeIfNeeded(err error) {
	o.mu.Lock()
	pub, done := o.pub, o.completed
	o.mu.Unlock()
	if pub == nil || done {
		return
	}
	if cerr := pub.PublishComplete(err); cerr != nil {
		o.core.logger.Debug("skipping completion forward", "buffer", o.buf.Name(), "reason", cerr)
		return
	}
	o.mu.Lock()
	o.completed = true
	o.mu.Unlock()
}

func (o *Outlet[T]) release() {
	o.mu.Lock()
	pub := o.pub
	o.pub = nil
	o.mu.Unlock()
	if pub != nil {
		pub.Release()
	}
}

// RunServicingLoop runs the runnable's servicing loop to completion. It is
// the entry point runner implementations call on the worker side; most
// programs never touch it directly.
func RunServicingLoop(r Runnable, env Environment, cmdBuf *Buffer[Command]) error {
	return r.Core().execute(r, env, cmdBuf)
}

// execute runs the servicing loop: wait on the shared wakeup, drain the
// command channel, drain each input in registration order, tick if due.
// It returns the error that ended the loop, after forwarding it as a
// terminal completion on every owned output that has not already completed.
func (c *RunnableCore) execute(r Runnable, env Environment, cmdBuf *Buffer[Command]) error {
	if err := c.setExecuting(true); err != nil {
		return err
	}
	defer c.setExecuting(false)

	w := env.NewWakeup()
	ticker, _ := r.(Ticker)

	c.mu.Lock()
	inputs := make([]*inputBinding, len(c.inputs))
	copy(inputs, c.inputs)
	outputs := make([]outputBinding, len(c.outputs))
	copy(outputs, c.outputs)
	c.mu.Unlock()

	// Attach the worker's ends of its output buffers for the duration of
	// the loop.
	for _, out := range outputs {
		if err := out.attach(); err != nil {
			return fmt.Errorf("%s: attaching output %q: %w", c.name, out.bufferName(), err)
		}
		defer out.release()
	}
	for _, in := range inputs {
		if err := in.subscribe(w); err != nil {
			return fmt.Errorf("%s: subscribing input %q: %w", c.name, in.name, err)
		}
		defer in.release()
	}
	cmdSub, err := cmdBuf.Subscribe(w)
	if err != nil {
		return fmt.Errorf("%s: subscribing command channel: %w", c.name, err)
	}
	defer cmdSub.Release()

	c.logger.Debug("servicing loop starting", "runnable", c.name, "inputs", len(inputs))
	loopErr := c.serviceLoop(w, ticker, inputs, cmdSub)
	c.logger.Debug("servicing loop ended", "runnable", c.name, "err", loopErr)

	// Propagate the terminal state forward so downstream workers terminate.
	for _, out := range outputs {
		out.completeIfNeeded(loopErr)
	}
	return loopErr
}

func (c *RunnableCore) serviceLoop(w Wakeup, ticker Ticker, inputs []*inputBinding, cmdSub *Subscription[Command]) error {
	for {
		if c.shouldStop() {
			return nil
		}
		w.Wait(c.intervalToNextTick())

		if err := c.drainCommands(cmdSub); err != nil {
			return err
		}
		if c.shouldStop() {
			return nil
		}

		for _, in := range inputs {
			if err := in.drain(); err != nil {
				return err
			}
		}
		if len(inputs) > 0 && allCompleted(inputs) {
			return nil
		}

		if ticker != nil {
			if err := c.tickIfDue(ticker); err != nil {
				return fmt.Errorf("tick: %w", err)
			}
		}
	}
}

func allCompleted(inputs []*inputBinding) bool {
	for _, in := range inputs {
		if !in.completed() {
			return false
		}
	}
	return true
}

// drainCommands empties the command channel, dispatching each command. A
// completion on the command channel means the parent is gone and is treated
// as a stop request.
func (c *RunnableCore) drainCommands(cmdSub *Subscription[Command]) error {
	_, err := cmdSub.CallEvents(HandlerFuncs[Command]{
		Value: c.dispatchCommand,
		Complete: func(error) error {
			c.RequestStop()
			return nil
		},
	})
	return err
}

func (c *RunnableCore) dispatchCommand(cmd Command) error {
	c.logger.Debug("dispatching command", "runnable", c.name, "method", cmd.Method)
	switch cmd.Method {
	case MethodStop:
		c.RequestStop()
		return nil
	case MethodResumeTicks:
		return c.ResumeTicks()
	case MethodPauseTicks:
		return c.PauseTicks()
	case MethodSetTickInterval:
		seconds, ok := commandArgFloat(cmd.Args)
		if !ok {
			return fmt.Errorf("%s: %s needs a seconds argument", c.name, cmd.Method)
		}
		return c.SetTickInterval(time.Duration(seconds * float64(time.Second)))
	}
	c.mu.Lock()
	fn, ok := c.commands[cmd.Method]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w: %q", c.name, ErrUnknownCommand, cmd.Method)
	}
	if err := fn(cmd.Args); err != nil {
		return fmt.Errorf("command %q: %w", cmd.Method, err)
	}
	return nil
}

func commandArgFloat(args []any) (float64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	switch v := args[0].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// intervalToNextTick returns how long the loop may sleep before the next
// tick is due, or WaitForever when not ticking.
func (c *RunnableCore) intervalToNextTick() time.Duration {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	if c.nextTick == 0 {
		return WaitForever
	}
	remaining := c.nextTick - timestamp.Now()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining * float64(time.Second))
}

// tickIfDue invokes the tick callback if its deadline has passed and
// advances the deadline. Missed ticks are collapsed rather than replayed.
func (c *RunnableCore) tickIfDue(t Ticker) error {
	c.tickMu.Lock()
	if c.nextTick == 0 {
		c.tickMu.Unlock()
		return nil
	}
	now := timestamp.Now()
	if now < c.nextTick {
		c.tickMu.Unlock()
		return nil
	}
	c.nextTick += c.tickInterval
	if c.nextTick < now {
		c.nextTick = now + c.tickInterval
	}
	c.tickMu.Unlock()

	// Invoke outside the lock: the callback may adjust the interval.
	return t.OnTick(timestamp.Now())
}
