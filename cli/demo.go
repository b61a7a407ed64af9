package cli

import (
	"encoding/gob"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pumalib/puma"
	"github.com/pumalib/puma/procenv"
)

// doublerConfig is the spawn snapshot for the demo worker: handles to its
// input and output buffers.
type doublerConfig struct {
	In  puma.BufferHandle
	Out puma.BufferHandle
}

func init() {
	gob.Register(doublerConfig{})
	puma.RegisterRunnable("demo.doubler", newDoubler)
}

// doubler reads ints from its input and publishes each one doubled.
type doubler struct {
	puma.RunnableCore
	out *puma.Outlet[int]
}

func newDoubler(env puma.Environment, cfg any) (puma.Runnable, error) {
	c, ok := cfg.(doublerConfig)
	if !ok {
		return nil, fmt.Errorf("demo.doubler: unexpected config %T", cfg)
	}
	in, err := puma.ResolveBuffer[int](env, c.In)
	if err != nil {
		return nil, err
	}
	out, err := puma.ResolveBuffer[int](env, c.Out)
	if err != nil {
		return nil, err
	}
	d := &doubler{RunnableCore: puma.NewCore("doubler")}
	outlet, err := puma.AddOutput(d.Core(), out)
	if err != nil {
		return nil, err
	}
	d.out = outlet
	if err := puma.HandleInput(d.Core(), in, puma.HandlerFuncs[int]{
		Value: func(v int) error { return d.out.Publish(v * 2) },
	}); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDemoCmd creates the "demo" subcommand: a doubler pipeline run in
// either flavour, collecting the results in the parent.
func NewDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a doubler pipeline through the selected environment",
		RunE:  runDemo,
	}
	cmd.Flags().String("env", "thread", "Execution substrate: thread | process")
	cmd.Flags().Int("count", 10, "How many values to push through the pipeline")
	return cmd
}

func runDemo(cmd *cobra.Command, args []string) error {
	flavor, _ := cmd.Flags().GetString("env")
	count, _ := cmd.Flags().GetInt("count")
	out := cmd.OutOrStdout()

	var env puma.Environment
	switch flavor {
	case "thread":
		env = puma.NewThreadEnvironment()
	case "process":
		penv, err := procenv.NewProcessEnvironment()
		if err != nil {
			return exitError(exitRunFailed, "process environment: %v", err)
		}
		env = penv
	default:
		return exitError(exitInvalid, "unknown environment %q", flavor)
	}
	defer env.Close()

	in, err := puma.NewBuffer[int](env, "demo input", count)
	if err != nil {
		return err
	}
	result, err := puma.NewBuffer[int](env, "demo output", count)
	if err != nil {
		return err
	}

	runner, err := env.NewRunner(puma.RunnableSpec{
		Kind:   "demo.doubler",
		Config: doublerConfig{In: in.Handle(), Out: result.Handle()},
	})
	if err != nil {
		return err
	}
	defer runner.Close()

	w := env.NewWakeup()
	sub, err := result.Subscribe(w)
	if err != nil {
		return err
	}
	defer sub.Release()

	if err := runner.Start(); err != nil {
		return exitError(exitRunFailed, "starting worker: %v", err)
	}

	pub, err := in.Publish()
	if err != nil {
		return err
	}
	for i := 1; i <= count; i++ {
		if err := pub.Publish(i); err != nil {
			return exitError(exitRunFailed, "publishing: %v", err)
		}
	}
	if err := pub.PublishComplete(nil); err != nil {
		return err
	}
	pub.Release()

	for !sub.Completed() {
		w.Wait(100 * time.Millisecond)
		if _, err := sub.CallEvents(puma.HandlerFuncs[int]{
			Value: func(v int) error {
				fmt.Fprintln(out, v)
				return nil
			},
		}); err != nil {
			return exitError(exitRunFailed, "draining results: %v", err)
		}
		if err := runner.CheckForErrors(); err != nil {
			return exitError(exitRunFailed, "worker failed: %v", err)
		}
	}

	if err := runner.Close(); err != nil {
		return exitError(exitRunFailed, "teardown: %v", err)
	}
	fmt.Fprintf(out, "done: %d values through the %s environment\n", count, flavor)
	return nil
}
