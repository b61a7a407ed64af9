// Package puma is a concurrency framework for expressing a computation as a
// graph of independent workers ("runnables") exchanging typed values over
// unidirectional FIFO channels ("buffers"), with a single knob — the
// Environment — switching the execution substrate between in-process
// goroutines and out-of-process workers.
//
// The core pieces are:
//
//   - Wakeup: an edge-triggered, many-to-one event primitive that lets one
//     consumer multiplex any number of buffers without polling.
//   - Buffer: a typed, single-subscriber, multi-publisher FIFO with a
//     terminal completion marker and an autonomous discard sweep that
//     reclaims stranded data when both ends detach.
//   - Runnable and Runner: user worker logic with a servicing loop, command
//     dispatch and periodic ticks, wrapped in a lifecycle shell that spawns
//     the worker, polls for errors and guarantees orderly teardown.
//   - Environment: the factory that decides, once per program, whether every
//     buffer, runner and shared value is goroutine-flavoured or
//     process-flavoured.
//
// A program constructs one Environment, obtains buffers, runners and shared
// values only from it, wires subscriptions before starting runners, polls
// runners for errors, and tears everything down via Close. Swapping
// NewThreadEnvironment for procenv.NewProcessEnvironment is the only change
// needed to move the same program out of process.
package puma
