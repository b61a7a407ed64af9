package procenv

import (
	"encoding/gob"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pumalib/puma"
)

// TestMain lets spawned workers and the log listener re-enter this test
// binary, exactly as a real program's main would.
func TestMain(m *testing.M) {
	if Init() {
		return
	}
	os.Exit(m.Run())
}

// pipeConfig is the spawn snapshot for the test workers.
type pipeConfig struct {
	In       puma.BufferHandle
	Out      puma.BufferHandle
	Stamp    puma.SharedHandle
	FailAt   int
	HasStamp bool
}

func init() {
	gob.Register(pipeConfig{})
	puma.RegisterRunnable("proctest.double", newDoubleWorker)
}

// doubleWorker doubles input values; optionally fails at a trigger value
// and stamps a shared value with the last input seen.
type doubleWorker struct {
	puma.RunnableCore
	out    *puma.Outlet[int]
	shared *puma.Shared[int]
	failAt int
}

func newDoubleWorker(env puma.Environment, cfg any) (puma.Runnable, error) {
	c, ok := cfg.(pipeConfig)
	if !ok {
		return nil, fmt.Errorf("proctest.double: unexpected config %T", cfg)
	}
	in, err := puma.ResolveBuffer[int](env, c.In)
	if err != nil {
		return nil, err
	}
	out, err := puma.ResolveBuffer[int](env, c.Out)
	if err != nil {
		return nil, err
	}
	w := &doubleWorker{RunnableCore: puma.NewCore("double"), failAt: c.FailAt}
	if c.HasStamp {
		shared, err := puma.ResolveShared[int](env, c.Stamp)
		if err != nil {
			return nil, err
		}
		w.shared = shared
	}
	outlet, err := puma.AddOutput(w.Core(), out)
	if err != nil {
		return nil, err
	}
	w.out = outlet
	err = puma.HandleInput(w.Core(), in, puma.HandlerFuncs[int]{
		Value: func(v int) error {
			if w.failAt != 0 && v == w.failAt {
				return fmt.Errorf("trigger value %d", v)
			}
			if w.shared != nil {
				if err := w.shared.Set(v); err != nil {
					return err
				}
			}
			return w.out.Publish(v * 2)
		},
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// runPipeline pushes values through a doubler worker in the given
// environment and returns what the terminal collector observed.
func runPipeline(t *testing.T, env puma.Environment, values []int) ([]int, error) {
	t.Helper()

	in, err := puma.NewBuffer[int](env, "pipe-in", len(values))
	if err != nil {
		t.Fatalf("NewBuffer(in) error = %v", err)
	}
	out, err := puma.NewBuffer[int](env, "pipe-out", len(values))
	if err != nil {
		t.Fatalf("NewBuffer(out) error = %v", err)
	}

	runner, err := env.NewRunner(puma.RunnableSpec{
		Kind:   "proctest.double",
		Config: pipeConfig{In: in.Handle(), Out: out.Handle()},
	}, puma.WithStartTimeout(time.Minute))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	defer runner.Close()

	w := env.NewWakeup()
	sub, err := out.Subscribe(w)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Release()

	if err := runner.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pub, err := in.Publish()
	if err != nil {
		t.Fatalf("Publish() attach error = %v", err)
	}
	for _, v := range values {
		if err := pub.Publish(v); err != nil {
			t.Fatalf("Publish(%d) error = %v", v, err)
		}
	}
	pub.PublishComplete(nil)
	pub.Release()

	var got []int
	deadline := time.Now().Add(time.Minute)
	for !sub.Completed() {
		if time.Now().After(deadline) {
			t.Fatalf("pipeline never completed; observed %v", got)
		}
		w.Wait(100 * time.Millisecond)
		if _, err := sub.CallEvents(puma.HandlerFuncs[int]{
			Value: func(v int) error { got = append(got, v); return nil },
		}); err != nil {
			t.Fatalf("CallEvents() error = %v", err)
		}
	}
	return got, runner.Close()
}

func TestProcessEnvironment_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	env, err := NewProcessEnvironment()
	if err != nil {
		t.Fatalf("NewProcessEnvironment() error = %v", err)
	}
	defer env.Close()

	got, err := runPipeline(t, env, []int{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("pipeline error = %v", err)
	}

	want := []int{2, 4, 6, 8}
	if len(got) != len(want) {
		t.Fatalf("observed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEnvironmentParity(t *testing.T) {
	// The same program through both substrates produces the same stream.
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	values := []int{3, 1, 4, 1, 5, 9}

	threadEnv := puma.NewThreadEnvironment()
	defer threadEnv.Close()
	threadGot, err := runPipeline(t, threadEnv, values)
	if err != nil {
		t.Fatalf("thread pipeline error = %v", err)
	}

	procEnv, err := NewProcessEnvironment()
	if err != nil {
		t.Fatalf("NewProcessEnvironment() error = %v", err)
	}
	defer procEnv.Close()
	procGot, err := runPipeline(t, procEnv, values)
	if err != nil {
		t.Fatalf("process pipeline error = %v", err)
	}

	if len(threadGot) != len(procGot) {
		t.Fatalf("thread observed %v, process observed %v", threadGot, procGot)
	}
	for i := range threadGot {
		if threadGot[i] != procGot[i] {
			t.Errorf("streams diverge at %d: %d vs %d", i, threadGot[i], procGot[i])
		}
	}
}

func TestProcessRunner_WorkerErrorCrossesBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	env, err := NewProcessEnvironment()
	if err != nil {
		t.Fatalf("NewProcessEnvironment() error = %v", err)
	}
	defer env.Close()

	in, _ := puma.NewBuffer[int](env, "err-in", 8)
	out, _ := puma.NewBuffer[int](env, "err-out", 8)

	runner, err := env.NewRunner(puma.RunnableSpec{
		Kind:   "proctest.double",
		Config: pipeConfig{In: in.Handle(), Out: out.Handle(), FailAt: 2},
	}, puma.WithStartTimeout(time.Minute))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	defer runner.Close()

	w := env.NewWakeup()
	sub, _ := out.Subscribe(w)
	defer sub.Release()

	if err := runner.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	pub, _ := in.Publish()
	pub.Publish(1)
	pub.Publish(2)
	pub.Release()

	// Downstream observes the error as a terminal completion.
	var downstream error
	deadline := time.Now().Add(time.Minute)
	for !sub.Completed() && time.Now().Before(deadline) {
		w.Wait(100 * time.Millisecond)
		sub.CallEvents(puma.HandlerFuncs[int]{
			Complete: func(cerr error) error { downstream = cerr; return nil },
		})
	}
	if downstream == nil {
		t.Fatal("downstream completion carried no error")
	}

	// The parent sees a Fault with the worker's message.
	var parentErr error
	deadline = time.Now().Add(time.Minute)
	for parentErr == nil && time.Now().Before(deadline) {
		parentErr = runner.CheckForErrors()
		time.Sleep(20 * time.Millisecond)
	}
	if parentErr == nil {
		t.Fatal("CheckForErrors() never surfaced the worker error")
	}
	if runner.State() != puma.StateFailed {
		t.Errorf("State() = %v, want %v", runner.State(), puma.StateFailed)
	}
}

func TestProcessEnvironment_SharedValue(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	env, err := NewProcessEnvironment()
	if err != nil {
		t.Fatalf("NewProcessEnvironment() error = %v", err)
	}
	defer env.Close()

	stamp, err := puma.NewShared(env, "stamp", 0)
	if err != nil {
		t.Fatalf("NewShared() error = %v", err)
	}

	in, _ := puma.NewBuffer[int](env, "shared-in", 4)
	out, _ := puma.NewBuffer[int](env, "shared-out", 4)
	runner, err := env.NewRunner(puma.RunnableSpec{
		Kind: "proctest.double",
		Config: pipeConfig{
			In: in.Handle(), Out: out.Handle(),
			Stamp: stamp.Handle(), HasStamp: true,
		},
	}, puma.WithStartTimeout(time.Minute))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	defer runner.Close()

	w := env.NewWakeup()
	sub, _ := out.Subscribe(w)
	defer sub.Release()

	runner.Start()
	pub, _ := in.Publish()
	pub.Publish(7)
	pub.PublishComplete(nil)
	pub.Release()

	deadline := time.Now().Add(time.Minute)
	for !sub.Completed() && time.Now().Before(deadline) {
		w.Wait(100 * time.Millisecond)
		sub.CallEvents(puma.HandlerFuncs[int]{})
	}

	// The worker stamped the hosted value from its process.
	if v, err := stamp.Get(); err != nil || v != 7 {
		t.Errorf("shared value = %d, %v; want 7, nil", v, err)
	}
}

func TestProcessEnvironment_UnknownKind(t *testing.T) {
	env, err := NewProcessEnvironment()
	if err != nil {
		t.Fatalf("NewProcessEnvironment() error = %v", err)
	}
	defer env.Close()

	if _, err := env.NewRunner(puma.RunnableSpec{Kind: "proctest.ghost"}); err == nil {
		t.Error("NewRunner() with unregistered kind error = nil, want error")
	}
}
