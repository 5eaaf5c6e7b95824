package store

import (
	"context"
	"sync"
	"time"

	"fragstream/internal/logger"
)

// ActiveFragmentsProvider is a function type that provides the set of all
// fragment IDs still referenced by a live session.
type ActiveFragmentsProvider func() map[string]struct{}

// FragmentStore provides a thread-safe, in-memory home for raw fragment
// bytes. Sessions hold only metadata; the bytes stay here until no session
// references them anymore, at which point the background eviction worker
// reclaims them.
type FragmentStore struct {
	mutex    sync.RWMutex
	data     map[string][]byte
	logger   logger.Logger
	provider ActiveFragmentsProvider

	// Control
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates and returns a new FragmentStore.
func New(log logger.Logger, provider ActiveFragmentsProvider) *FragmentStore {
	ctx, cancel := context.WithCancel(context.Background())
	return &FragmentStore{
		data:     make(map[string][]byte),
		logger:   log,
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background eviction worker.
func (fs *FragmentStore) Start() {
	fs.logger.Infof("Starting fragment store eviction worker...")
	go fs.evictionWorker()
}

// Stop gracefully shuts down the eviction worker.
func (fs *FragmentStore) Stop() {
	fs.logger.Infof("Stopping fragment store eviction worker...")
	fs.cancel()
}

// Put stores the bytes for a fragment.
func (fs *FragmentStore) Put(id string, data []byte) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	fs.data[id] = data
	fs.logger.Debugf("Stored fragment %s, size: %d bytes", id, len(data))
}

// Get retrieves the bytes for a fragment.
func (fs *FragmentStore) Get(id string) ([]byte, bool) {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()
	data, found := fs.data[id]
	return data, found
}

// Delete removes a fragment immediately, without waiting for eviction.
func (fs *FragmentStore) Delete(id string) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	delete(fs.data, id)
}

// Len reports how many fragments are currently stored.
func (fs *FragmentStore) Len() int {
	fs.mutex.RLock()
	defer fs.mutex.RUnlock()
	return len(fs.data)
}

func (fs *FragmentStore) evictionWorker() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-fs.ctx.Done():
			fs.logger.Infof("Eviction worker stopped.")
			return
		case <-ticker.C:
			fs.RunEviction()
		}
	}
}

// RunEviction drops every fragment no live session references. Exported so
// teardown paths and tests can trigger a pass deterministically instead of
// waiting on the worker's ticker.
func (fs *FragmentStore) RunEviction() {
	activeIDs := fs.provider()

	fs.mutex.Lock()
	defer fs.mutex.Unlock()

	evicted := 0
	for id := range fs.data {
		if _, isActive := activeIDs[id]; !isActive {
			delete(fs.data, id)
			evicted++
		}
	}

	if evicted > 0 {
		fs.logger.Infof("Evicted %d fragments from store. Current store size: %d fragments.", evicted, len(fs.data))
	} else {
		fs.logger.Debugf("No fragments to evict. Current store size: %d fragments.", len(fs.data))
	}
}
