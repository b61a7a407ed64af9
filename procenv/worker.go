package procenv

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"

	"github.com/pumalib/puma"
	"github.com/pumalib/puma/logfunnel"
)

// EnvWorkerSpec re-enters a spawned binary as a worker; its value is the
// path of the gob-encoded spawn spec.
const EnvWorkerSpec = "PUMA_WORKER_SPEC"

// workerSpec is everything a worker process needs to reconstruct and run
// its runnable: the registered kind, the configuration snapshot, and the
// descriptors of its command and status channels.
type workerSpec struct {
	Kind          string
	Name          string
	ConfigPayload []byte
	CmdHandle     puma.BufferHandle
	StatusHandle  puma.BufferHandle
	LogSocket     string
	LogConfigPath string
}

// configEnvelope wraps the snapshot so gob can carry any registered type.
type configEnvelope struct {
	V any
}

// Init re-enters the current binary as a worker or log listener when it was
// spawned by a process environment. Call it at the top of main, before flag
// parsing; it returns false in ordinary parent processes and never returns
// in spawned ones.
func Init() bool {
	if logfunnel.InitListener() {
		return true
	}
	specPath := os.Getenv(EnvWorkerSpec)
	if specPath == "" {
		return false
	}
	if err := runWorker(specPath); err != nil {
		os.Stderr.WriteString("puma worker: " + err.Error() + "\n")
		os.Exit(1)
	}
	os.Exit(0)
	return true
}

// runWorker reconstructs the runnable from its spawn spec and drives its
// servicing loop. The loop's terminal error travels back on the status
// channel; a non-nil return here means the harness itself broke.
func runWorker(specPath string) error {
	// #nosec G304 -- path comes from the spawning parent via environment.
	data, err := os.ReadFile(specPath)
	if err != nil {
		return fmt.Errorf("reading spawn spec: %w", err)
	}
	var spec workerSpec
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&spec); err != nil {
		return fmt.Errorf("decoding spawn spec: %w", err)
	}

	// Route this worker's records into the funnel, with the parent's
	// filtering replicated locally.
	if spec.LogSocket != "" {
		logCfg, err := logfunnel.Load(spec.LogConfigPath)
		if err != nil {
			return err
		}
		client, err := logfunnel.NewClientHandler(spec.LogSocket, logCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		slog.SetDefault(slog.New(client))
	}

	env, err := NewProcessEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	var cfg any
	if len(spec.ConfigPayload) > 0 {
		var envl configEnvelope
		if err := gob.NewDecoder(bytes.NewReader(spec.ConfigPayload)).Decode(&envl); err != nil {
			return fmt.Errorf("decoding config snapshot: %w", err)
		}
		cfg = envl.V
	}

	runnable, err := env.registry().Build(env, puma.RunnableSpec{
		Kind:   spec.Kind,
		Name:   spec.Name,
		Config: cfg,
	})
	if err != nil {
		return err
	}

	cmdBuf, err := puma.ResolveBuffer[puma.Command](env, spec.CmdHandle)
	if err != nil {
		return err
	}
	statusBuf, err := puma.ResolveBuffer[puma.StatusMessage](env, spec.StatusHandle)
	if err != nil {
		return err
	}
	statusPub, err := statusBuf.Publish()
	if err != nil {
		return err
	}
	defer statusPub.Release()

	if err := statusPub.TryPublish(puma.StatusMessage{Kind: puma.StatusStarted}); err != nil {
		return fmt.Errorf("reporting ready: %w", err)
	}

	execErr := runServicingLoopRecovering(runnable, env, cmdBuf)
	if execErr != nil {
		slog.Error("worker stopped because of error", "worker", spec.Name, "err", execErr)
	}
	// Convert to a Fault so the error survives the trip to the parent.
	return statusPub.PublishComplete(errOrNilFault(execErr))
}

func errOrNilFault(err error) error {
	if err == nil {
		return nil
	}
	return puma.AsFault("worker", err)
}

func runServicingLoopRecovering(r puma.Runnable, env puma.Environment, cmdBuf *puma.Buffer[puma.Command]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = puma.NewFault("panic", fmt.Sprint(rec))
		}
	}()
	return puma.RunServicingLoop(r, env, cmdBuf)
}
