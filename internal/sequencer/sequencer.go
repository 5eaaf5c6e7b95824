// Package sequencer implements the append pipeline: an ordered queue of MP4
// fragments driven one at a time into a buffered media sink, with a watchdog
// per append, skip-and-continue error recovery and a running table of
// buffered-time boundaries used to attribute playback time to fragment labels.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fragstream/internal/logger"
	"fragstream/internal/sink"
)

// State identifies where the pipeline is in its lifecycle.
type State int

const (
	// StateIdle means no sink has been opened yet.
	StateIdle State = iota
	// StateOpen means the sink is attached and the queue is empty.
	StateOpen
	// StatePumping means an append is in flight.
	StatePumping
	// StateDraining means the queue drained and end-of-stream was signaled.
	StateDraining
	// StateClosed is terminal, reached through Destroy.
	StateClosed
)

var (
	// ErrSinkUnsupported means no sink capability is available at all.
	ErrSinkUnsupported = errors.New("sequencer: sink unsupported")
	// ErrSinkOpenFailed means the sink reported an error before ready.
	ErrSinkOpenFailed = errors.New("sequencer: sink open failed")
)

const (
	// DefaultWatchdog bounds a single in-flight append.
	DefaultWatchdog = 4500 * time.Millisecond
	// boundaryDelta is the minimum buffered-end advance (seconds) for an
	// append to count as a boundary; smaller deltas are no-op appends.
	boundaryDelta = 0.005
	// labelEpsilon absorbs floating point jitter in boundary comparisons.
	labelEpsilon = 0.001
)

type cmdKind int

const (
	cmdEnqueue cmdKind = iota
	cmdDestroy
)

type command struct {
	kind   cmdKind
	queue  []queuedFragment
	labels []string
}

type queuedFragment struct {
	data   []byte
	isInit bool
}

// AppendSequencer owns the append queue, the label table and the boundary
// table. All queue mutation happens on a single run goroutine fed by a
// command mailbox, so there is never more than one append in flight and
// never a race between a completion, a watchdog and an external command.
type AppendSequencer struct {
	log      logger.Logger
	sink     sink.Sink
	watchdog time.Duration

	cmds   chan command
	doneCh chan struct{}

	// lastEnd is the sink's buffered end observed after the previous
	// append. Touched only before run starts and on the run goroutine.
	lastEnd float64

	mu         sync.RWMutex
	state      State
	running    bool
	boundaries []float64
	labels     []string

	warnings chan string
	infos    chan string
}

// New creates a sequencer around the given sink. A nil sink is allowed and
// surfaces as ErrSinkUnsupported from Open.
func New(log logger.Logger, snk sink.Sink, watchdog time.Duration) *AppendSequencer {
	if watchdog <= 0 {
		watchdog = DefaultWatchdog
	}
	return &AppendSequencer{
		log:      log,
		sink:     snk,
		watchdog: watchdog,
		cmds:     make(chan command, 16),
		doneCh:   make(chan struct{}),
		warnings: make(chan string, 32),
		infos:    make(chan string, 32),
	}
}

// Open attaches to the sink and blocks until it is ready. On success the
// sink is configured for sequence (append-order) playback and an unbounded
// duration, both best-effort, and the pump goroutine starts. Opening an
// already-open sequencer tears the previous attachment down first, which
// closes the sink; that only succeeds with sinks whose Open works again
// after Close. Connection-backed sinks are single-shot, so callers attach
// a fresh sequencer and sink per playback instead of reopening.
func (s *AppendSequencer) Open(ctx context.Context, mimeCodec string) error {
	if s.sink == nil {
		return ErrSinkUnsupported
	}

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state != StateIdle {
		s.Destroy()
	}

	if err := s.sink.Open(ctx, mimeCodec); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkOpenFailed, err)
	}
	if err := s.sink.SetAppendMode(sink.Sequence); err != nil {
		s.log.Warnf("Sink rejected sequence append mode: %v", err)
	}
	if err := s.sink.SetUnboundedDuration(); err != nil {
		s.log.Warnf("Sink rejected unbounded duration: %v", err)
	}

	s.lastEnd = s.sink.BufferedEnd()

	s.mu.Lock()
	s.cmds = make(chan command, 16)
	s.doneCh = make(chan struct{})
	s.state = StateOpen
	s.running = true
	cmds, doneCh := s.cmds, s.doneCh
	s.mu.Unlock()

	go s.run(cmds, doneCh)
	s.infof("sink opened with %s", mimeCodec)
	return nil
}

// Enqueue atomically replaces the append queue with [init?, media...],
// resets the label and boundary tables and restarts pumping. Calling it
// while a previous queue is mid-flight abandons that queue; no
// partial-completion guarantee is made across the reset.
//
// labels carries one label per non-init fragment in the order supplied.
func (s *AppendSequencer) Enqueue(init []byte, media [][]byte, labels []string) {
	queue := make([]queuedFragment, 0, len(media)+1)
	if init != nil {
		queue = append(queue, queuedFragment{data: init, isInit: true})
	}
	for _, m := range media {
		queue = append(queue, queuedFragment{data: m})
	}

	labelsCopy := make([]string, len(labels))
	copy(labelsCopy, labels)

	s.mu.RLock()
	running, cmds, doneCh := s.running, s.cmds, s.doneCh
	s.mu.RUnlock()
	if !running {
		s.warnf("enqueue ignored: pipeline is not open")
		return
	}

	select {
	case cmds <- command{kind: cmdEnqueue, queue: queue, labels: labelsCopy}:
	case <-doneCh:
		s.warnf("enqueue ignored: pipeline is destroyed")
	}
}

// Destroy aborts any in-flight append, best-effort signals end-of-stream,
// releases the sink and clears all tables. Safe to call repeatedly and
// before Open.
func (s *AppendSequencer) Destroy() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	running, cmds, doneCh := s.running, s.cmds, s.doneCh
	s.mu.Unlock()

	if !running {
		s.teardown()
		return
	}

	select {
	case cmds <- command{kind: cmdDestroy}:
	case <-doneCh:
		return
	}
	<-doneCh
}

// LabelForTime answers "what label is playing at time t". The first recorded
// boundary at or past t (within a 1ms epsilon) selects the label; past the
// last boundary the last known label wins; with no boundaries or labels the
// empty label is returned. Skips can leave fewer boundaries than labels, so
// the index is clamped rather than trusted.
func (s *AppendSequencer) LabelForTime(t float64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.boundaries) == 0 || len(s.labels) == 0 {
		return ""
	}

	idx := len(s.boundaries) - 1
	for i, b := range s.boundaries {
		if b >= t-labelEpsilon {
			idx = i
			break
		}
	}
	if idx >= len(s.labels) {
		idx = len(s.labels) - 1
	}
	return s.labels[idx]
}

// Boundaries returns a copy of the recorded buffered-end boundaries.
func (s *AppendSequencer) Boundaries() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.boundaries))
	copy(out, s.boundaries)
	return out
}

// State reports the pipeline's current lifecycle state.
func (s *AppendSequencer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Warnings delivers advisory messages about recovered problems (a fragment
// was dropped). Carrying no control semantics, they may be freely discarded.
func (s *AppendSequencer) Warnings() <-chan string {
	return s.warnings
}

// Infos delivers advisory non-error status messages.
func (s *AppendSequencer) Infos() <-chan string {
	return s.infos
}

// run is the pump loop: the only goroutine that mutates the queue. Each
// iteration either starts an append, reacts to exactly one event (command,
// completion, watchdog, autonomous sink error), or requests end-of-stream.
// Every failure path discards exactly one fragment, so the queue length
// strictly decreases and the loop always reaches Draining or Closed.
func (s *AppendSequencer) run(cmds chan command, doneCh chan struct{}) {
	defer close(doneCh)

	var (
		queue    []queuedFragment
		current  queuedFragment
		inflight bool
		appendCh <-chan error
		wdTimer  *time.Timer
		wdC      <-chan time.Time
		drained  = true
	)

	clearInflight := func() {
		inflight = false
		appendCh = nil
		if wdTimer != nil {
			wdTimer.Stop()
			wdTimer = nil
		}
		wdC = nil
	}

	dropFront := func() {
		if len(queue) > 0 {
			queue = queue[1:]
		}
	}

	for {
		// Submit the front fragment when nothing is in flight. A
		// submission failure consumes the fragment and tries the next.
		for !inflight && len(queue) > 0 {
			current = queue[0]
			ch, err := s.sink.BeginAppend(current.data)
			if err != nil {
				s.warnf("append submission failed, dropping fragment: %v", err)
				dropFront()
				continue
			}
			appendCh = ch
			inflight = true
			wdTimer = time.NewTimer(s.watchdog)
			wdC = wdTimer.C
			s.setState(StatePumping)
		}

		if !inflight && len(queue) == 0 && !drained {
			// Some sink states legitimately reject end-of-stream, so
			// the error is logged and swallowed.
			if err := s.sink.EndOfStream(); err != nil {
				s.log.Debugf("End-of-stream rejected by sink: %v", err)
			}
			drained = true
			s.setState(StateDraining)
			s.infof("queue drained, end of stream requested")
		}

		select {
		case cmd := <-cmds:
			switch cmd.kind {
			case cmdEnqueue:
				if inflight {
					// The new queue is authoritative; the
					// in-flight append is abandoned.
					clearInflight()
					if err := s.sink.Abort(); err != nil {
						s.log.Debugf("Abort rejected by sink: %v", err)
					}
				}
				queue = cmd.queue
				s.resetTables(cmd.labels)
				s.lastEnd = s.sink.BufferedEnd()
				drained = false
				s.setState(StateOpen)
				s.infof("enqueued %d fragments", len(queue))

			case cmdDestroy:
				if inflight {
					clearInflight()
				}
				s.teardown()
				return
			}

		case err := <-appendCh:
			clearInflight()
			if err != nil {
				s.warnf("sink append error, dropping fragment: %v", err)
			} else {
				s.recordBoundary(current)
			}
			dropFront()

		case <-wdC:
			wdTimer = nil
			clearInflight()
			s.warnf("append stalled after %s, dropping fragment", s.watchdog)
			if err := s.sink.Abort(); err != nil {
				s.log.Debugf("Abort rejected by sink: %v", err)
			}
			dropFront()

		case err := <-s.sink.Errors():
			if inflight {
				clearInflight()
				s.warnf("sink append error, dropping fragment: %v", err)
				dropFront()
			} else {
				s.warnf("sink error: %v", err)
			}
		}
	}
}

// recordBoundary appends the sink's new buffered end to the boundary table
// when a media append measurably advanced it. Init appends and no-op appends
// (delta within boundaryDelta) record nothing.
func (s *AppendSequencer) recordBoundary(f queuedFragment) {
	end := s.sink.BufferedEnd()
	if !f.isInit && end-s.lastEnd > boundaryDelta {
		s.mu.Lock()
		s.boundaries = append(s.boundaries, end)
		s.mu.Unlock()
	}
	if end > s.lastEnd {
		s.lastEnd = end
	}
}

func (s *AppendSequencer) resetTables(labels []string) {
	s.mu.Lock()
	s.boundaries = nil
	s.labels = labels
	s.mu.Unlock()
}

// teardown releases the sink and zeroes all state. Every sink call here is
// best-effort: the sink may already be closed.
func (s *AppendSequencer) teardown() {
	if s.sink != nil {
		if err := s.sink.Abort(); err != nil {
			s.log.Debugf("Abort during teardown: %v", err)
		}
		if err := s.sink.EndOfStream(); err != nil {
			s.log.Debugf("End-of-stream during teardown: %v", err)
		}
		if err := s.sink.Close(); err != nil {
			s.log.Debugf("Close during teardown: %v", err)
		}
	}

	s.mu.Lock()
	s.boundaries = nil
	s.labels = nil
	s.state = StateClosed
	s.running = false
	s.mu.Unlock()
}

func (s *AppendSequencer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// warnf emits an advisory warning without ever blocking the pump.
func (s *AppendSequencer) warnf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	s.log.Warnf("%s", msg)
	select {
	case s.warnings <- msg:
	default:
	}
}

func (s *AppendSequencer) infof(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	s.log.Infof("%s", msg)
	select {
	case s.infos <- msg:
	default:
	}
}
