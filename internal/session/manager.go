package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fragstream/internal/config"
	"fragstream/internal/logger"
	"fragstream/internal/store"

	"github.com/google/uuid"
)

// Manager owns all playback sessions and the shared fragment store. Session
// liveness drives fragment eviction: the store's provider callback asks the
// manager which fragment IDs are still referenced.
type Manager struct {
	mutex    sync.RWMutex
	sessions map[string]*PlaybackSession
	logger   logger.Logger
	cfg      *config.Config
	frags    *store.FragmentStore

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new session manager and its fragment store.
func NewManager(log logger.Logger, cfg *config.Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions: make(map[string]*PlaybackSession),
		logger:   log,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
	m.frags = store.New(log, m.ActiveFragmentIDs)
	return m
}

// Store exposes the shared fragment store.
func (m *Manager) Store() *store.FragmentStore {
	return m.frags
}

// Start begins the background workers: the store's eviction worker and the
// idle-session reaper.
func (m *Manager) Start() {
	m.frags.Start()
	go m.reapLoop()
}

// Stop gracefully shuts down all sessions and background workers.
func (m *Manager) Stop() {
	m.logger.Infof("Stopping session manager and all active sessions...")
	m.cancel()

	m.mutex.Lock()
	for id, sess := range m.sessions {
		sess.Destroy()
		delete(m.sessions, id)
	}
	m.mutex.Unlock()

	m.frags.Stop()
	m.logger.Infof("Session manager stopped.")
}

// Create registers a new empty session and returns it.
func (m *Manager) Create() *PlaybackSession {
	id := uuid.NewString()
	sess := newSession(id, m.logger, m.cfg, m.frags)

	m.mutex.Lock()
	m.sessions[id] = sess
	m.mutex.Unlock()

	m.logger.Infof("Created session %s", id)
	return sess
}

// Get retrieves an existing session.
func (m *Manager) Get(id string) (*PlaybackSession, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	sess, found := m.sessions[id]
	if !found {
		return nil, fmt.Errorf("session %q not found", id)
	}
	return sess, nil
}

// Delete destroys and removes a session. Unknown IDs are a no-op.
func (m *Manager) Delete(id string) {
	m.mutex.Lock()
	sess, found := m.sessions[id]
	delete(m.sessions, id)
	m.mutex.Unlock()

	if found {
		sess.Destroy()
	}
}

// ActiveFragmentIDs collects the fragment IDs referenced by every live
// session, used by the store's eviction worker.
func (m *Manager) ActiveFragmentIDs() map[string]struct{} {
	active := make(map[string]struct{})
	m.mutex.RLock()
	sessions := make([]*PlaybackSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mutex.RUnlock()

	for _, sess := range sessions {
		for _, id := range sess.fragmentIDs() {
			active[id] = struct{}{}
		}
	}
	return active
}

// reapLoop periodically destroys sessions that saw no activity within the
// configured idle timeout.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Infof("Session reaper stopped.")
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.SessionIdleTimeout)

	m.mutex.Lock()
	var expired []*PlaybackSession
	for id, sess := range m.sessions {
		if sess.LastTouched().Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	m.mutex.Unlock()

	for _, sess := range expired {
		m.logger.Infof("Reaping idle session %s", sess.ID)
		sess.Destroy()
	}
}
