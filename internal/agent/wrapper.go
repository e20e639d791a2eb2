// Package agent wraps the interactive agent process running inside a
// sandbox. The Wrapper serializes prompts to the process one at a time,
// queues prompts that arrive while a turn is in flight, streams output
// chunks back to the caller, and detects turn completion by scanning
// the output stream for a sentinel marker.
package agent

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harvest-engineering/harvest-executor/internal/logging"
)

// State is the wrapper's position in the prompt-processing machine.
type State int

const (
	// StateIdle means no prompt is in flight and the queue is empty.
	StateIdle State = iota

	// StateSending means the head-of-queue prompt is being written to
	// the process.
	StateSending

	// StateStreaming means output for the in-flight prompt is being
	// forwarded until the completion marker (or fallback timeout).
	StateStreaming

	// StateAwaitingNext means a turn just finished and the queue is
	// being consulted for the next prompt.
	StateAwaitingNext
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateAwaitingNext:
		return "awaiting-next"
	default:
		return "unknown"
	}
}

// Process is the duplex channel to the agent process. Implemented by
// the provider package's process types.
type Process interface {
	Send(text string) error
	Output() io.Reader
	Interrupt() error
	Close() error
}

// Prompt is one queued user prompt.
type Prompt struct {
	Seq        int
	Text       string
	EnqueuedAt time.Time
}

// Options configures a Wrapper.
type Options struct {
	// Marker is the sentinel string the process emits to end a turn.
	Marker string

	// CompletionTimeout is the coarse fallback used when no marker is
	// seen; on expiry the turn is treated as complete, not failed.
	CompletionTimeout time.Duration

	// CancelGrace bounds how long Cancel waits for acknowledgment.
	CancelGrace time.Duration

	// OnChunk receives forwarded output for the in-flight prompt.
	OnChunk func(seq int, chunk []byte)

	// OnComplete is invoked when a turn finishes. degraded is true when
	// the fallback timeout fired instead of the marker arriving.
	OnComplete func(seq int, degraded bool)

	// OnActivity is invoked on every forwarded chunk.
	OnActivity func()

	// OnIdle is invoked when the queue drains and the wrapper returns
	// to Idle.
	OnIdle func()
}

// Wrapper owns the bidirectional channel to one agent process. Exactly
// one prompt is in flight at a time; a single consumer goroutine is the
// only mutator of the queue head.
type Wrapper struct {
	proc Process
	opts Options

	mu         sync.Mutex
	state      State
	queue      []Prompt
	nextSeq    int
	closed     bool
	cancelDone chan struct{}

	wake     chan struct{}
	cancelCh chan struct{}
	chunks   chan []byte
	done     chan struct{}
	finished chan struct{}
}

// New creates a Wrapper and starts its consumer goroutine.
func New(proc Process, opts Options) *Wrapper {
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = 30 * time.Minute
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 10 * time.Second
	}

	w := &Wrapper{
		proc:     proc,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		cancelCh: make(chan struct{}, 1),
		chunks:   make(chan []byte, 16),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	go w.pump()
	go w.run()

	return w
}

// State returns the current wrapper state.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// QueueDepth returns the number of prompts queued or in flight.
func (w *Wrapper) QueueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Enqueue appends a prompt to the queue and returns its sequence
// number. Safe to call concurrently with streaming.
func (w *Wrapper) Enqueue(text string) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, fmt.Errorf("wrapper closed")
	}
	w.nextSeq++
	seq := w.nextSeq
	w.queue = append(w.queue, Prompt{Seq: seq, Text: text, EnqueuedAt: time.Now()})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return seq, nil
}

// Cancel clears the queue, interrupts the in-flight turn, and waits for
// the consumer to return to Idle, bounded by the grace period. Valid
// from any state.
func (w *Wrapper) Cancel() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.queue = nil
	if w.state == StateIdle {
		w.mu.Unlock()
		return
	}
	done := make(chan struct{})
	w.cancelDone = done
	select {
	case w.cancelCh <- struct{}{}:
	default:
	}
	w.mu.Unlock()

	if err := w.proc.Interrupt(); err != nil {
		logging.Warn("interrupt delivery failed", "error", err)
	}

	select {
	case <-done:
	case <-time.After(w.opts.CancelGrace):
		logging.Warn("cancel grace period elapsed without acknowledgment")
	}
}

// Close shuts the wrapper down and releases the process. Queued prompts
// are dropped. Idempotent.
func (w *Wrapper) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.queue = nil
	w.finishCancelLocked()
	w.mu.Unlock()

	close(w.done)
	_ = w.proc.Close()
	<-w.finished
}

// finishCancelLocked acknowledges a pending Cancel. Caller holds mu.
func (w *Wrapper) finishCancelLocked() {
	if w.cancelDone != nil {
		close(w.cancelDone)
		w.cancelDone = nil
	}
}

// pump copies the process output stream into the chunk channel.
func (w *Wrapper) pump() {
	reader := w.proc.Output()
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case w.chunks <- chunk:
			case <-w.done:
				return
			}
		}
		if err != nil {
			close(w.chunks)
			return
		}
	}
}

// run is the single consumer: it drives Idle -> Sending -> Streaming ->
// AwaitingNext and is the only goroutine that pops the queue head.
func (w *Wrapper) run() {
	defer close(w.finished)

	chunks := w.chunks

	for {
		w.mu.Lock()
		// A cancel that landed between turns is complete as soon as we
		// observe it here: the queue it cleared has nothing in flight.
		w.finishCancelLocked()
		select {
		case <-w.cancelCh:
		default:
		}

		if len(w.queue) == 0 {
			wasBusy := w.state != StateIdle
			w.state = StateIdle
			w.mu.Unlock()

			if wasBusy && w.opts.OnIdle != nil {
				w.opts.OnIdle()
			}

			select {
			case <-w.wake:
				continue
			case _, ok := <-chunks:
				// Output between turns carries no prompt; drop it.
				if !ok {
					chunks = nil
				}
				continue
			case <-w.done:
				return
			}
		}

		head := w.queue[0]
		w.state = StateSending
		w.mu.Unlock()

		sendErr := w.proc.Send(head.Text)

		w.mu.Lock()
		w.state = StateStreaming
		w.mu.Unlock()

		var degraded, canceled bool
		scanner := newMarkerScanner(w.opts.Marker)

		if sendErr != nil {
			logging.Warn("prompt delivery failed", "seq", head.Seq, "error", sendErr)
			degraded = true
		} else {
			degraded, canceled = w.stream(head.Seq, scanner, chunks)
		}

		if rest := scanner.Flush(); (degraded || canceled) && len(rest) > 0 {
			w.forward(head.Seq, rest)
		}

		if canceled {
			w.mu.Lock()
			w.queue = nil
			w.state = StateIdle
			w.finishCancelLocked()
			w.mu.Unlock()

			if w.opts.OnIdle != nil {
				w.opts.OnIdle()
			}
			continue
		}

		w.mu.Lock()
		if len(w.queue) > 0 && w.queue[0].Seq == head.Seq {
			w.queue = w.queue[1:]
		}
		w.state = StateAwaitingNext
		w.mu.Unlock()

		if degraded {
			logging.Warn("no completion marker before fallback timeout; assuming turn complete",
				"seq", head.Seq, "timeout", w.opts.CompletionTimeout)
		}
		if w.opts.OnComplete != nil {
			w.opts.OnComplete(head.Seq, degraded)
		}
	}
}

// stream forwards output for one turn until the marker, the fallback
// timeout, a cancel, or stream end.
func (w *Wrapper) stream(seq int, scanner *markerScanner, chunks chan []byte) (degraded, canceled bool) {
	timer := time.NewTimer(w.opts.CompletionTimeout)
	defer timer.Stop()

	for {
		select {
		case <-w.done:
			return false, true
		case <-timer.C:
			return true, false
		case <-w.cancelCh:
			return false, true
		case chunk, ok := <-chunks:
			if !ok {
				return true, false
			}
			out, found := scanner.Scan(chunk)
			w.forward(seq, out)
			if found {
				return false, false
			}
		}
	}
}

func (w *Wrapper) forward(seq int, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if w.opts.OnChunk != nil {
		w.opts.OnChunk(seq, chunk)
	}
	if w.opts.OnActivity != nil {
		w.opts.OnActivity()
	}
}
