package session

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"testing"
	"time"

	"fragstream/internal/config"
	"fragstream/internal/logger"
	"fragstream/internal/sink"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(typ string, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(8+len(payload)))
	copy(b[4:8], typ)
	copy(b[8:], payload)
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func initBytes() []byte {
	return concat(box("ftyp", make([]byte, 12)), box("moov", make([]byte, 16)))
}

// mediaBytes builds a media fragment carrying the given ordering hints.
func mediaBytes(seq uint32, dts uint64) []byte {
	mfhdPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(mfhdPayload, seq)
	mfhd := box("mfhd", concat([]byte{0, 0, 0, 0}, mfhdPayload))

	tfdtPayload := make([]byte, 8)
	binary.BigEndian.PutUint64(tfdtPayload, dts)
	tfdt := box("tfdt", concat([]byte{1, 0, 0, 0}, tfdtPayload))

	return concat(box("moof", nil), mfhd, tfdt, box("mdat", make([]byte, 8)))
}

// fakeSink accepts every append and advances its buffered end by 2 seconds
// per media-sized fragment.
type fakeSink struct {
	mu       sync.Mutex
	buffered float64
	appends  int
	closed   bool
	errs     chan error
}

func newFakeSink() *fakeSink { return &fakeSink{errs: make(chan error, 1)} }

func (f *fakeSink) Open(ctx context.Context, mimeCodec string) error { return nil }
func (f *fakeSink) SetAppendMode(mode sink.AppendMode) error         { return nil }
func (f *fakeSink) SetUnboundedDuration() error                      { return nil }

func (f *fakeSink) BeginAppend(p []byte) (<-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	f.buffered += 2.0
	ch := make(chan error, 1)
	ch <- nil
	return ch, nil
}

func (f *fakeSink) BufferedEnd() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeSink) EndOfStream() error { return nil }
func (f *fakeSink) Abort() error       { return nil }

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) Errors() <-chan error { return f.errs }

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Defaults()
	cfg.AppendWatchdog = 100 * time.Millisecond
	m := NewManager(logger.NewNop(), cfg)
	t.Cleanup(m.Stop)
	return m
}

func TestAddFragmentClassifiesAndProbes(t *testing.T) {
	m := testManager(t)
	sess := m.Create()

	frag, err := sess.AddFragment("intro init", initBytes())
	require.NoError(t, err)
	assert.Equal(t, "init", frag.Class)
	assert.Nil(t, frag.SequenceNumber)

	frag, err = sess.AddFragment("part 1", mediaBytes(7, 90_000))
	require.NoError(t, err)
	assert.Equal(t, "media", frag.Class)
	require.NotNil(t, frag.SequenceNumber)
	assert.Equal(t, uint32(7), *frag.SequenceNumber)
	require.NotNil(t, frag.DecodeTime)
	assert.Equal(t, uint64(90_000), *frag.DecodeTime)

	frag, err = sess.AddFragment("mystery", []byte("not mp4 data here"))
	require.NoError(t, err)
	assert.Equal(t, "unknown", frag.Class)

	// The unknown fragment produced an advisory note, not an error.
	notes := sess.Notes()
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[len(notes)-1], "not recognizable")
}

func TestAddFragmentLimits(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxFragmentsPerSession = 1
	cfg.MaxFragmentBytes = 10
	m := NewManager(logger.NewNop(), cfg)
	t.Cleanup(m.Stop)
	sess := m.Create()

	_, err := sess.AddFragment("too big", make([]byte, 11))
	assert.Error(t, err)

	_, err = sess.AddFragment("ok", []byte("tiny"))
	require.NoError(t, err)

	_, err = sess.AddFragment("overflow", []byte("tiny"))
	assert.Error(t, err)
}

func TestMultipleInitsAreSurfaced(t *testing.T) {
	m := testManager(t)
	sess := m.Create()

	_, err := sess.AddFragment("first init", initBytes())
	require.NoError(t, err)
	_, err = sess.AddFragment("second init", initBytes())
	require.NoError(t, err)

	notes := sess.Notes()
	require.NotEmpty(t, notes)
	assert.Contains(t, strings.Join(notes, "\n"), "multiple init segments")
}

func TestSetAutoOrderAndRevert(t *testing.T) {
	m := testManager(t)
	sess := m.Create()

	// Upload deliberately out of order: dts 30, then (10, seq 5), then
	// (10, seq 2), with the init last.
	f30, _ := sess.AddFragment("dts30", mediaBytes(9, 30))
	f10s5, _ := sess.AddFragment("dts10 seq5", mediaBytes(5, 10))
	f10s2, _ := sess.AddFragment("dts10 seq2", mediaBytes(2, 10))
	fInit, _ := sess.AddFragment("the init", initBytes())

	assert.True(t, sess.SetAutoOrder(true))
	got := sess.Fragments()
	require.Len(t, got, 4)
	assert.Equal(t, fInit.ID, got[0].ID)
	assert.Equal(t, f10s2.ID, got[1].ID)
	assert.Equal(t, f10s5.ID, got[2].ID)
	assert.Equal(t, f30.ID, got[3].ID)

	// Toggling off restores the upload order.
	assert.False(t, sess.SetAutoOrder(false))
	got = sess.Fragments()
	assert.Equal(t, f30.ID, got[0].ID)
	assert.Equal(t, f10s5.ID, got[1].ID)
	assert.Equal(t, f10s2.ID, got[2].ID)
	assert.Equal(t, fInit.ID, got[3].ID)
}

func TestSetOrder(t *testing.T) {
	m := testManager(t)
	sess := m.Create()

	a, _ := sess.AddFragment("a", mediaBytes(1, 10))
	b, _ := sess.AddFragment("b", mediaBytes(2, 20))

	assert.Error(t, sess.SetOrder([]string{a.ID}))
	assert.Error(t, sess.SetOrder([]string{a.ID, "nope"}))
	assert.Error(t, sess.SetOrder([]string{a.ID, a.ID}))

	require.NoError(t, sess.SetOrder([]string{b.ID, a.ID}))
	got := sess.Fragments()
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)
}

func TestAttachPumpsAndAttributesLabels(t *testing.T) {
	m := testManager(t)
	sess := m.Create()

	_, err := sess.AddFragment("init", initBytes())
	require.NoError(t, err)
	_, err = sess.AddFragment("scene one", mediaBytes(1, 0))
	require.NoError(t, err)
	_, err = sess.AddFragment("scene two", mediaBytes(2, 1000))
	require.NoError(t, err)

	fs := newFakeSink()
	require.NoError(t, sess.Attach(context.Background(), fs))

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.appends == 3
	}, 2*time.Second, 2*time.Millisecond)

	// The fake sink buffers 2s per append including the init, so the two
	// media boundaries land at 4s and 6s.
	require.Eventually(t, func() bool {
		return sess.LabelAt(5.0) == "scene two"
	}, 2*time.Second, 2*time.Millisecond)
	assert.Equal(t, "scene one", sess.LabelAt(1.0))
	assert.Equal(t, "scene two", sess.LabelAt(100.0))
}

func TestDestroyClosesSink(t *testing.T) {
	m := testManager(t)
	sess := m.Create()

	_, err := sess.AddFragment("clip", mediaBytes(1, 0))
	require.NoError(t, err)

	fs := newFakeSink()
	require.NoError(t, sess.Attach(context.Background(), fs))

	sess.Destroy()
	fs.mu.Lock()
	assert.True(t, fs.closed)
	fs.mu.Unlock()

	// Destroyed sessions reject new fragments but don't panic.
	_, err = sess.AddFragment("late", mediaBytes(2, 10))
	assert.Error(t, err)
	sess.Destroy() // idempotent
}

func TestManagerLifecycle(t *testing.T) {
	m := testManager(t)

	sess := m.Create()
	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = m.Get("missing")
	assert.Error(t, err)

	frag, err := sess.AddFragment("clip", mediaBytes(1, 0))
	require.NoError(t, err)

	active := m.ActiveFragmentIDs()
	_, ok := active[frag.ID]
	assert.True(t, ok)

	// Deleting the session releases its fragments to eviction.
	m.Delete(sess.ID)
	assert.Empty(t, m.ActiveFragmentIDs())

	m.Store().RunEviction()
	_, found := m.Store().Get(frag.ID)
	assert.False(t, found)
}
