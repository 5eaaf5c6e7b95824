package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fragstream/internal/config"
	"fragstream/internal/demux"
	"fragstream/internal/logger"
	"fragstream/internal/models"
	"fragstream/internal/mp4box"
	"fragstream/internal/sequencer"
	"fragstream/internal/sink"
	"fragstream/internal/store"

	"github.com/google/uuid"
)

const maxNotes = 64

// PlaybackSession holds all context for one client's fragment set: the
// uploaded fragment metadata in its current order, the reversible auto-order
// toggle, and the append pipeline once a sink is attached. Raw bytes live in
// the shared fragment store.
type PlaybackSession struct {
	ID     string
	Logger logger.Logger

	cfg   *config.Config
	store *store.FragmentStore

	mutex       sync.RWMutex
	fragments   []*models.Fragment // current order
	manualOrder []string           // fragment IDs before auto-order was applied
	autoOrdered bool
	notes       []string // advisory warnings/infos, newest last
	seq         *sequencer.AppendSequencer
	relayStop   chan struct{}
	lastTouched time.Time
	destroyed   bool
}

func newSession(id string, log logger.Logger, cfg *config.Config, fragStore *store.FragmentStore) *PlaybackSession {
	return &PlaybackSession{
		ID:          id,
		Logger:      log,
		cfg:         cfg,
		store:       fragStore,
		lastTouched: time.Now(),
	}
}

// AddFragment classifies and probes one uploaded buffer, stores its bytes
// and appends its metadata to the session's order. Ambiguous classifications
// are surfaced as advisory notes, never as errors: an Unknown fragment is
// still accepted and will simply be skipped by the sink if it is garbage.
func (s *PlaybackSession) AddFragment(label string, data []byte) (*models.Fragment, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.destroyed {
		return nil, fmt.Errorf("session %s is destroyed", s.ID)
	}
	if len(s.fragments) >= s.cfg.MaxFragmentsPerSession {
		return nil, fmt.Errorf("session %s is full (%d fragments)", s.ID, s.cfg.MaxFragmentsPerSession)
	}
	if int64(len(data)) > s.cfg.MaxFragmentBytes {
		return nil, fmt.Errorf("fragment exceeds %d bytes", s.cfg.MaxFragmentBytes)
	}

	class := mp4box.Classify(data)
	key := mp4box.ProbeOrderKey(data)

	frag := &models.Fragment{
		ID:    uuid.NewString(),
		Label: label,
		Size:  len(data),
		Class: class.String(),
	}
	if key.HasSequence {
		seq := key.SequenceNumber
		frag.SequenceNumber = &seq
	}
	if key.HasDecodeTime {
		dts := key.DecodeTime
		frag.DecodeTime = &dts
	}

	switch class {
	case mp4box.Init:
		if s.countInitsLocked() > 0 {
			s.noteLocked(fmt.Sprintf("multiple init segments supplied; only the first will be used (extra: %q)", label))
		}
	case mp4box.Unknown:
		s.noteLocked(fmt.Sprintf("fragment %q is not recognizable as an MP4 init or media segment", label))
	}

	s.store.Put(frag.ID, data)
	s.fragments = append(s.fragments, frag)
	s.autoOrdered = false
	s.manualOrder = nil
	s.lastTouched = time.Now()

	s.Logger.Debugf("Session %s: added fragment %s (%s, %d bytes, class %s)", s.ID, frag.ID, label, len(data), frag.Class)
	return frag, nil
}

// Fragments returns a snapshot of the session's fragments in current order.
func (s *PlaybackSession) Fragments() []models.Fragment {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]models.Fragment, 0, len(s.fragments))
	for _, f := range s.fragments {
		out = append(out, *f)
	}
	return out
}

// SetOrder applies a manual ordering: ids must be a permutation of the
// session's fragment IDs. A manual order becomes the new baseline, so the
// auto-order toggle resets.
func (s *PlaybackSession) SetOrder(ids []string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(ids) != len(s.fragments) {
		return fmt.Errorf("order lists %d fragments, session has %d", len(ids), len(s.fragments))
	}

	byID := make(map[string]*models.Fragment, len(s.fragments))
	for _, f := range s.fragments {
		byID[f.ID] = f
	}

	reordered := make([]*models.Fragment, 0, len(ids))
	for _, id := range ids {
		f, ok := byID[id]
		if !ok {
			return fmt.Errorf("unknown or duplicate fragment ID %q in order", id)
		}
		delete(byID, id)
		reordered = append(reordered, f)
	}

	s.fragments = reordered
	s.autoOrdered = false
	s.manualOrder = nil
	s.lastTouched = time.Now()
	return nil
}

// SetAutoOrder toggles the suggested ordering derived from mfhd/tfdt hints.
// Enabling saves the current manual order; disabling restores it. The result
// reports whether auto-order is now active.
func (s *PlaybackSession) SetAutoOrder(enabled bool) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastTouched = time.Now()

	if enabled == s.autoOrdered {
		return s.autoOrdered
	}

	if !enabled {
		// Revert to the order saved when auto-order was switched on.
		if s.manualOrder != nil {
			byID := make(map[string]*models.Fragment, len(s.fragments))
			for _, f := range s.fragments {
				byID[f.ID] = f
			}
			restored := make([]*models.Fragment, 0, len(s.manualOrder))
			for _, id := range s.manualOrder {
				if f, ok := byID[id]; ok {
					restored = append(restored, f)
				}
			}
			s.fragments = restored
			s.manualOrder = nil
		}
		s.autoOrdered = false
		return false
	}

	s.manualOrder = make([]string, len(s.fragments))
	entries := make([]mp4box.OrderEntry, len(s.fragments))
	for i, f := range s.fragments {
		s.manualOrder[i] = f.ID
		entry := mp4box.OrderEntry{Index: i}
		switch f.Class {
		case mp4box.Init.String():
			entry.Class = mp4box.Init
		case mp4box.Media.String():
			entry.Class = mp4box.Media
		}
		if f.SequenceNumber != nil {
			entry.Key.SequenceNumber = *f.SequenceNumber
			entry.Key.HasSequence = true
		}
		if f.DecodeTime != nil {
			entry.Key.DecodeTime = *f.DecodeTime
			entry.Key.HasDecodeTime = true
		}
		entries[i] = entry
	}

	order := mp4box.SuggestOrder(entries)
	reordered := make([]*models.Fragment, 0, len(order))
	for _, idx := range order {
		reordered = append(reordered, s.fragments[idx])
	}
	s.fragments = reordered
	s.autoOrdered = true
	return true
}

// Attach opens the append pipeline on the given sink and enqueues the
// session's fragments in their current order. Any previously attached
// pipeline is torn down first: a session drives at most one sink at a time.
// The returned error is session-fatal (no playback is possible without an
// open sink); everything after a successful open is best-effort.
func (s *PlaybackSession) Attach(ctx context.Context, snk sink.Sink) error {
	s.mutex.Lock()
	if s.destroyed {
		s.mutex.Unlock()
		return fmt.Errorf("session %s is destroyed", s.ID)
	}
	prev := s.seq
	prevStop := s.relayStop
	s.seq = nil
	s.relayStop = nil
	s.mutex.Unlock()

	if prev != nil {
		prev.Destroy()
		close(prevStop)
	}

	initData, mediaData, labels, mime := s.buildEnqueueSet()

	seq := sequencer.New(s.Logger, snk, s.cfg.AppendWatchdog)
	if err := seq.Open(ctx, mime); err != nil {
		return fmt.Errorf("failed to open sink for session %s: %w", s.ID, err)
	}

	stop := make(chan struct{})
	go s.relayAdvisories(seq, stop)

	seq.Enqueue(initData, mediaData, labels)

	s.mutex.Lock()
	s.seq = seq
	s.relayStop = stop
	s.lastTouched = time.Now()
	s.mutex.Unlock()

	s.Logger.Infof("Session %s: pipeline attached, %d media fragments enqueued (mime %s)", s.ID, len(mediaData), mime)
	return nil
}

// buildEnqueueSet resolves the current order into raw buffers: the first
// init fragment's bytes, every non-init fragment's bytes, and the label
// table aligned with the non-init fragments. Extra init fragments are
// excluded from the queue with a note; fragments whose bytes were evicted
// are excluded likewise.
func (s *PlaybackSession) buildEnqueueSet() (init []byte, media [][]byte, labels []string, mime string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, f := range s.fragments {
		data, found := s.store.Get(f.ID)
		if !found {
			s.noteLocked(fmt.Sprintf("fragment %q is no longer available and was excluded", f.Label))
			continue
		}
		if f.Class == mp4box.Init.String() {
			if init == nil {
				init = data
			} else {
				s.noteLocked(fmt.Sprintf("extra init segment %q excluded from playback", f.Label))
			}
			continue
		}
		media = append(media, data)
		labels = append(labels, f.Label)
	}

	mime = s.cfg.FallbackMIME
	if init != nil {
		if desc, ok := demux.ExtractCodecDescriptor(init); ok {
			mime = desc.MIME
		} else {
			s.noteLocked("could not extract codec descriptor from init segment, using fallback MIME")
		}
	}
	return init, media, labels, mime
}

// relayAdvisories copies the pipeline's advisory channels into the session
// notes until the pipeline is replaced or the session is destroyed.
func (s *PlaybackSession) relayAdvisories(seq *sequencer.AppendSequencer, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case msg := <-seq.Warnings():
			s.note("warning: " + msg)
		case msg := <-seq.Infos():
			s.note(msg)
		}
	}
}

// LabelAt answers the time-to-label query against the attached pipeline.
func (s *PlaybackSession) LabelAt(t float64) string {
	s.mutex.RLock()
	seq := s.seq
	s.mutex.RUnlock()
	if seq == nil {
		return ""
	}
	return seq.LabelForTime(t)
}

// Notes returns the accumulated advisory messages, newest last.
func (s *PlaybackSession) Notes() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]string, len(s.notes))
	copy(out, s.notes)
	return out
}

// Destroy tears down the pipeline and marks the session dead. Idempotent.
func (s *PlaybackSession) Destroy() {
	s.mutex.Lock()
	if s.destroyed {
		s.mutex.Unlock()
		return
	}
	s.destroyed = true
	seq := s.seq
	stop := s.relayStop
	s.seq = nil
	s.relayStop = nil
	s.fragments = nil
	s.mutex.Unlock()

	if seq != nil {
		seq.Destroy()
	}
	if stop != nil {
		close(stop)
	}
	s.Logger.Infof("Session %s destroyed", s.ID)
}

// LastTouched reports when the session last saw client activity.
func (s *PlaybackSession) LastTouched() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastTouched
}

// fragmentIDs lists the IDs of all fragments the session references.
func (s *PlaybackSession) fragmentIDs() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := make([]string, 0, len(s.fragments))
	for _, f := range s.fragments {
		ids = append(ids, f.ID)
	}
	return ids
}

func (s *PlaybackSession) countInitsLocked() int {
	n := 0
	for _, f := range s.fragments {
		if f.Class == mp4box.Init.String() {
			n++
		}
	}
	return n
}

func (s *PlaybackSession) note(msg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.noteLocked(msg)
}

func (s *PlaybackSession) noteLocked(msg string) {
	s.notes = append(s.notes, msg)
	if len(s.notes) > maxNotes {
		s.notes = s.notes[len(s.notes)-maxNotes:]
	}
	s.Logger.Debugf("Session %s: %s", s.ID, msg)
}
