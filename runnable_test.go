package puma

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// collector drains a buffer from the test side until completion or timeout.
type collector[T any] struct {
	wakeup Wakeup
	sub    *Subscription[T]

	mu     sync.Mutex
	values []T
	done   bool
	err    error
}

func newCollector[T any](t *testing.T, b *Buffer[T]) *collector[T] {
	t.Helper()
	w := NewWakeup()
	sub, err := b.Subscribe(w)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	return &collector[T]{wakeup: w, sub: sub}
}

func (c *collector[T]) drainOnce(t *testing.T) {
	t.Helper()
	_, err := c.sub.CallEvents(HandlerFuncs[T]{
		Value: func(v T) error {
			c.mu.Lock()
			c.values = append(c.values, v)
			c.mu.Unlock()
			return nil
		},
		Complete: func(cerr error) error {
			c.mu.Lock()
			c.done = true
			c.err = cerr
			c.mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("CallEvents() error = %v", err)
	}
}

// waitDone drains until the completion marker arrives.
func (c *collector[T]) waitDone(t *testing.T, timeout time.Duration) ([]T, error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		c.drainOnce(t)
		c.mu.Lock()
		done, err, values := c.done, c.err, append([]T(nil), c.values...)
		c.mu.Unlock()
		if done {
			return values, err
		}
		if time.Now().After(deadline) {
			t.Fatalf("no completion within %v; observed %v", timeout, values)
		}
		c.wakeup.Wait(50 * time.Millisecond)
	}
}

// relay copies input values through a user function onto its output.
type relay struct {
	RunnableCore
	out *Outlet[int]
	fn  func(int) (int, error)
}

func newRelay(t *testing.T, env Environment, in, out *Buffer[int], fn func(int) (int, error)) *relay {
	t.Helper()
	r := &relay{RunnableCore: NewCore("relay"), fn: fn}
	outlet, err := AddOutput(r.Core(), out)
	if err != nil {
		t.Fatalf("AddOutput() error = %v", err)
	}
	r.out = outlet
	err = HandleInput(r.Core(), in, HandlerFuncs[int]{
		Value: func(v int) error {
			mapped, err := r.fn(v)
			if err != nil {
				return err
			}
			return r.out.Publish(mapped)
		},
	})
	if err != nil {
		t.Fatalf("HandleInput() error = %v", err)
	}
	return r
}

func TestRunnable_RelayPipe(t *testing.T) {
	env := NewThreadEnvironment()
	defer env.Close()

	in, _ := NewBuffer[int](env, "in", 8)
	out, _ := NewBuffer[int](env, "out", 8)
	col := newCollector(t, out)

	r := newRelay(t, env, in, out, func(v int) (int, error) { return v * 2, nil })
	runner, err := NewThreadRunner(env, r)
	if err != nil {
		t.Fatalf("NewThreadRunner() error = %v", err)
	}
	defer runner.Close()

	if err := runner.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pub, _ := in.Publish()
	for i := 1; i <= 5; i++ {
		pub.Publish(i)
	}
	pub.PublishComplete(nil)
	pub.Release()

	values, cerr := col.waitDone(t, 2*time.Second)
	want := []int{2, 4, 6, 8, 10}
	if len(values) != len(want) {
		t.Fatalf("observed %v, want %v", values, want)
	}
	for i, v := range want {
		if values[i] != v {
			t.Errorf("values[%d] = %d, want %d", i, values[i], v)
		}
	}
	if cerr != nil {
		t.Errorf("completion error = %v, want nil", cerr)
	}
	if err := runner.CheckForErrors(); err != nil {
		t.Errorf("CheckForErrors() = %v, want nil", err)
	}
}

// multiInput records which handler saw which value, in observation order.
type multiInput struct {
	RunnableCore

	mu   sync.Mutex
	seen []string
}

func (m *multiInput) record(tag string, v string) {
	m.mu.Lock()
	m.seen = append(m.seen, tag+":"+v)
	m.mu.Unlock()
}

func (m *multiInput) observed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seen...)
}

func TestRunnable_MultiInputSelection(t *testing.T) {
	// Two buffers, one worker, one shared wakeup. Inputs are drained in
	// registration order: the a-handler sees "x", the b-handler sees "y".
	env := NewThreadEnvironment()
	defer env.Close()

	a, _ := NewBuffer[string](env, "a", 4)
	b, _ := NewBuffer[string](env, "b", 4)

	m := &multiInput{RunnableCore: NewCore("multi")}
	HandleInput(m.Core(), a, HandlerFuncs[string]{
		Value: func(v string) error { m.record("a", v); return nil },
	})
	HandleInput(m.Core(), b, HandlerFuncs[string]{
		Value: func(v string) error { m.record("b", v); return nil },
	})

	runner, err := NewThreadRunner(env, m)
	if err != nil {
		t.Fatalf("NewThreadRunner() error = %v", err)
	}
	defer runner.Close()
	if err := runner.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pa, _ := a.Publish()
	pb, _ := b.Publish()
	pa.Publish("x")
	pb.Publish("y")
	pa.Release()
	pb.Release()

	deadline := time.Now().Add(2 * time.Second)
	for {
		seen := m.observed()
		if len(seen) == 2 {
			if seen[0] != "a:x" || seen[1] != "b:y" {
				t.Errorf("observed %v, want [a:x b:y]", seen)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("observed %v, want 2 observations", seen)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnable_CommandDispatch(t *testing.T) {
	env := NewThreadEnvironment()
	defer env.Close()

	m := &multiInput{RunnableCore: NewCore("commanded")}
	if err := m.RegisterCommand("note", func(args []any) error {
		for _, a := range args {
			m.record("cmd", fmt.Sprint(a))
		}
		return nil
	}); err != nil {
		t.Fatalf("RegisterCommand() error = %v", err)
	}

	runner, err := NewThreadRunner(env, m)
	if err != nil {
		t.Fatalf("NewThreadRunner() error = %v", err)
	}
	defer runner.Close()
	if err := runner.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := runner.Invoke("note", "hello"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if seen := m.observed(); len(seen) == 1 {
			if seen[0] != "cmd:hello" {
				t.Errorf("observed %v, want [cmd:hello]", seen)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("command was not dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnable_UnknownCommandFailsWorker(t *testing.T) {
	env := NewThreadEnvironment()
	defer env.Close()

	m := &multiInput{RunnableCore: NewCore("strict")}
	runner, _ := NewThreadRunner(env, m)
	defer runner.Close()
	runner.Start()

	runner.Invoke("no_such_method")

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := runner.CheckForErrors()
		if err != nil {
			if !errors.Is(err, ErrUnknownCommand) {
				t.Errorf("CheckForErrors() = %v, want %v", err, ErrUnknownCommand)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("unknown command did not surface as an error")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnable_RegisterCommandReserved(t *testing.T) {
	m := &multiInput{RunnableCore: NewCore("reserved")}

	if err := m.RegisterCommand(MethodStop, func([]any) error { return nil }); err == nil {
		t.Error("RegisterCommand(MethodStop) error = nil, want error")
	}
}

func TestRunnable_DuplicateInput(t *testing.T) {
	env := NewThreadEnvironment()
	defer env.Close()

	b, _ := NewBuffer[int](env, "dup", 0)
	m := &multiInput{RunnableCore: NewCore("dups")}

	h := HandlerFuncs[int]{}
	if err := HandleInput(m.Core(), b, h); err != nil {
		t.Fatalf("first HandleInput() error = %v", err)
	}
	if err := HandleInput(m.Core(), b, h); err == nil {
		t.Error("second HandleInput() with same buffer error = nil, want error")
	}
}

// ticker counts tick callbacks.
type tickCounter struct {
	RunnableCore

	mu    sync.Mutex
	ticks []float64
}

func (c *tickCounter) OnTick(now float64) error {
	c.mu.Lock()
	c.ticks = append(c.ticks, now)
	c.mu.Unlock()
	return nil
}

func (c *tickCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ticks)
}

func (c *tickCounter) stamps() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.ticks...)
}

func TestRunnable_StopAfterTicks(t *testing.T) {
	// Runnable with no inputs and a 10ms tick, stopped at ~25ms: the worker
	// exits after its next loop iteration having ticked about twice.
	env := NewThreadEnvironment()
	defer env.Close()

	c := &tickCounter{RunnableCore: NewCore("ticker", WithTickInterval(10*time.Millisecond))}
	runner, err := NewThreadRunner(env, c)
	if err != nil {
		t.Fatalf("NewThreadRunner() error = %v", err)
	}
	defer runner.Close()

	if err := runner.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := runner.State(); got != StateRunning {
		t.Errorf("State() after Start = %v, want %v", got, StateRunning)
	}
	if err := runner.ResumeTicks(); err != nil {
		t.Fatalf("ResumeTicks() error = %v", err)
	}

	time.Sleep(25 * time.Millisecond)
	if err := runner.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := runner.State(); got != StateStopping {
		t.Errorf("State() after Stop = %v, want %v", got, StateStopping)
	}
	if err := runner.Join(time.Second); err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if got := runner.State(); got != StateStopped {
		t.Errorf("State() after Join = %v, want %v", got, StateStopped)
	}

	// Scheduling jitter makes an exact count fragile; the worker must have
	// ticked at least once and not kept ticking after the stop.
	if n := c.count(); n < 1 || n > 4 {
		t.Errorf("tick count = %d, want about 2", n)
	}
	stamps := c.stamps()
	for i := 1; i < len(stamps); i++ {
		if stamps[i] < stamps[i-1] {
			t.Errorf("tick timestamps not monotonic: %v", stamps)
		}
	}
}

func TestRunnable_PauseTicks(t *testing.T) {
	env := NewThreadEnvironment()
	defer env.Close()

	c := &tickCounter{RunnableCore: NewCore("pausable", WithTickInterval(5*time.Millisecond))}
	runner, _ := NewThreadRunner(env, c)
	defer runner.Close()
	runner.Start()
	runner.ResumeTicks()

	time.Sleep(30 * time.Millisecond)
	if err := runner.PauseTicks(); err != nil {
		t.Fatalf("PauseTicks() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	paused := c.count()
	time.Sleep(30 * time.Millisecond)
	if after := c.count(); after != paused {
		t.Errorf("ticks advanced while paused: %d -> %d", paused, after)
	}

	runner.Stop()
	runner.Join(time.Second)
}

func TestRunnable_ResumeBeforeIntervalFails(t *testing.T) {
	c := &tickCounter{RunnableCore: NewCore("no-interval")}
	if err := c.ResumeTicks(); err == nil {
		t.Error("ResumeTicks() without interval error = nil, want error")
	}
}

func TestRunnable_HandlerErrorForwards(t *testing.T) {
	// An error raised in a handler terminates the worker, completes its
	// outputs with the error, and surfaces through CheckForErrors.
	env := NewThreadEnvironment()
	defer env.Close()

	in, _ := NewBuffer[int](env, "err-in", 4)
	out, _ := NewBuffer[int](env, "err-out", 4)
	col := newCollector(t, out)

	boom := errors.New("boom")
	r := newRelay(t, env, in, out, func(v int) (int, error) {
		if v == 3 {
			return 0, boom
		}
		return v, nil
	})
	runner, _ := NewThreadRunner(env, r)
	defer runner.Close()
	runner.Start()

	pub, _ := in.Publish()
	for i := 1; i <= 5; i++ {
		pub.Publish(i)
	}
	pub.Release()

	values, cerr := col.waitDone(t, 2*time.Second)
	if len(values) != 2 {
		t.Errorf("observed %v, want prefix [1 2]", values)
	}
	if !errors.Is(cerr, boom) {
		t.Errorf("downstream completion error = %v, want %v", cerr, boom)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := runner.CheckForErrors(); err != nil {
			if !errors.Is(err, boom) {
				t.Errorf("CheckForErrors() = %v, want %v", err, boom)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker error never surfaced on the status channel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := runner.State(); got != StateFailed {
		t.Errorf("State() = %v, want %v", got, StateFailed)
	}
}

func TestRunnable_InboundErrorIsFatal(t *testing.T) {
	// A Complete(err) arriving on an input ends the worker and forwards the
	// same error downstream.
	env := NewThreadEnvironment()
	defer env.Close()

	in, _ := NewBuffer[int](env, "fatal-in", 4)
	out, _ := NewBuffer[int](env, "fatal-out", 4)
	col := newCollector(t, out)

	r := newRelay(t, env, in, out, func(v int) (int, error) { return v, nil })
	runner, _ := NewThreadRunner(env, r)
	defer runner.Close()
	runner.Start()

	upstream := errors.New("upstream died")
	pub, _ := in.Publish()
	pub.Publish(1)
	pub.PublishComplete(upstream)
	pub.Release()

	values, cerr := col.waitDone(t, 2*time.Second)
	if len(values) != 1 || values[0] != 1 {
		t.Errorf("observed %v, want [1]", values)
	}
	if !errors.Is(cerr, upstream) {
		t.Errorf("forwarded completion error = %v, want %v", cerr, upstream)
	}
}

func TestRunnable_PipelineErrorForwarding(t *testing.T) {
	// P -> Q -> R; Q's handler raises. The sink after R observes a prefix
	// then the error; Q's and R's runners both report it.
	env := NewThreadEnvironment()
	defer env.Close()

	ab, _ := NewBuffer[int](env, "p-q", 8)
	bc, _ := NewBuffer[int](env, "q-r", 8)
	cd, _ := NewBuffer[int](env, "r-sink", 8)
	col := newCollector(t, cd)

	// P is modelled by the test's own publisher on ab below.
	boom := errors.New("q failed")
	q := newRelay(t, env, ab, bc, func(v int) (int, error) {
		if v == 2 {
			return 0, boom
		}
		return v * 10, nil
	})
	qr, _ := NewThreadRunner(env, q)
	defer qr.Close()

	r := newRelay(t, env, bc, cd, func(v int) (int, error) { return v, nil })
	rr, _ := NewThreadRunner(env, r)
	defer rr.Close()

	qr.Start()
	rr.Start()

	pub, _ := ab.Publish()
	pub.Publish(1)
	pub.Publish(2)
	pub.Publish(3)
	pub.Release()

	values, cerr := col.waitDone(t, 2*time.Second)
	if len(values) != 1 || values[0] != 10 {
		t.Errorf("sink observed %v, want [10]", values)
	}
	if !errors.Is(cerr, boom) {
		t.Errorf("sink completion error = %v, want %v", cerr, boom)
	}

	deadline := time.Now().Add(2 * time.Second)
	var qErr error
	for qErr == nil && time.Now().Before(deadline) {
		qErr = qr.CheckForErrors()
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(qErr, boom) {
		t.Errorf("Q CheckForErrors() = %v, want %v", qErr, boom)
	}

	deadline = time.Now().Add(2 * time.Second)
	var rErr error
	for rErr == nil && time.Now().Before(deadline) {
		rErr = rr.CheckForErrors()
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(rErr, boom) {
		t.Errorf("R CheckForErrors() = %v, want %v", rErr, boom)
	}
}
