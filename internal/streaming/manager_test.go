package streaming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhive/backend/internal/models"
)

// fakeSessionStore backs SessionStore, ChannelTotals and Archiver in memory.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.StreamSession
	counts   map[uuid.UUID]int
	totals   map[uuid.UUID]int64
	archives []models.StreamArchive
	getErr   error
	saveErr  error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[uuid.UUID]*models.StreamSession),
		counts:   make(map[uuid.UUID]int),
		totals:   make(map[uuid.UUID]int64),
	}
}

func (s *fakeSessionStore) Get(_ context.Context, channelID uuid.UUID) (*models.StreamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	cur, ok := s.sessions[channelID]
	if !ok {
		return nil, nil
	}
	cp := *cur
	return &cp, nil
}

func (s *fakeSessionStore) Save(_ context.Context, session *models.StreamSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	cp := *session
	s.sessions[session.ChannelID] = &cp
	return nil
}

func (s *fakeSessionStore) ListLiveChannelIDs(context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, cur := range s.sessions {
		if cur.IsLive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeSessionStore) UpdateViewerCount(_ context.Context, channelID uuid.UUID, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[channelID] = count
	return nil
}

func (s *fakeSessionStore) RecordStreamEnd(_ context.Context, channelID uuid.UUID, durationSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[channelID] += durationSeconds
	return nil
}

func (s *fakeSessionStore) Archive(_ context.Context, a *models.StreamArchive) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.ID = uuid.New()
	s.archives = append(s.archives, cp)
	return cp.ID, nil
}

func (s *fakeSessionStore) session(channelID uuid.UUID) *models.StreamSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[channelID]
	if !ok {
		return nil
	}
	cp := *cur
	return &cp
}

// fakeSfu is a scriptable SfuGateway.
type fakeSfu struct {
	mu        sync.Mutex
	healthy   bool
	active    map[uuid.UUID]bool
	viewers   map[uuid.UUID]int
	activeErr error
	notifyOK  bool
	starts    int
	stops     int
}

func newFakeSfu() *fakeSfu {
	return &fakeSfu{
		healthy:  true,
		active:   make(map[uuid.UUID]bool),
		viewers:  make(map[uuid.UUID]int),
		notifyOK: true,
	}
}

func (f *fakeSfu) CheckHealth(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeSfu) IsStreamActive(_ context.Context, channelID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeErr != nil {
		return false, f.activeErr
	}
	return f.active[channelID], nil
}

func (f *fakeSfu) GetViewers(_ context.Context, channelID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewers[channelID], nil
}

func (f *fakeSfu) NotifyStreamStarted(context.Context, uuid.UUID, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.notifyOK
}

func (f *fakeSfu) NotifyStreamStopped(context.Context, uuid.UUID, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return f.notifyOK
}

const testHeartbeatTimeout = 90 * time.Second

type managerFixture struct {
	manager *Manager
	tracker *ViewerTracker
	store   *fakeSessionStore
	sfu     *fakeSfu
	bc      *recordingBroadcaster
	clock   time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	store := newFakeSessionStore()
	sfu := newFakeSfu()
	bc := &recordingBroadcaster{}
	tracker := NewViewerTracker(store, NopBroadcaster{}, nil)
	m := NewManager(store, store, store, tracker, sfu, bc, testHeartbeatTimeout, nil)

	f := &managerFixture{manager: m, tracker: tracker, store: store, sfu: sfu, bc: bc, clock: time.Now()}
	m.now = func() time.Time { return f.clock }
	tracker.now = m.now
	return f
}

func (f *managerFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func TestStartSession(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	sfuOK, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)
	assert.True(t, sfuOK)

	cur := f.store.session(channelID)
	require.NotNil(t, cur)
	assert.True(t, cur.IsLive)
	assert.Equal(t, "sess-1", cur.SessionID)
	assert.Equal(t, []string{"sess-1"}, f.bc.started)
}

func TestStartSessionRejectsSecondStreamer(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)

	_, err = f.manager.StartSession(context.Background(), channelID, "sess-2")
	assert.ErrorIs(t, err, ErrAlreadyLive)

	// the original session is untouched
	cur := f.store.session(channelID)
	assert.Equal(t, "sess-1", cur.SessionID)
	assert.True(t, cur.IsLive)
}

func TestStartSessionSameSessionIDIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)
	_, err = f.manager.StartSession(context.Background(), channelID, "sess-1")
	assert.NoError(t, err)
}

func TestStartSessionReplacesExpiredSession(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)

	// heartbeat lapses past the timeout; no explicit stop happened
	f.advance(testHeartbeatTimeout + time.Second)

	_, err = f.manager.StartSession(context.Background(), channelID, "sess-2")
	require.NoError(t, err)

	cur := f.store.session(channelID)
	assert.Equal(t, "sess-2", cur.SessionID)
	assert.True(t, cur.IsLive)
}

func TestStartSessionSfuFailureDoesNotAbort(t *testing.T) {
	f := newManagerFixture(t)
	f.sfu.notifyOK = false
	channelID := uuid.New()

	sfuOK, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)
	assert.False(t, sfuOK)

	cur := f.store.session(channelID)
	assert.True(t, cur.IsLive)
}

func TestStartSessionResetsViewerState(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	f.tracker.AddViewer(channelID, "leftover", nil)
	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)

	assert.Equal(t, 0, f.tracker.GetViewerCount(channelID))
}

func TestStartSessionStorageGetFailure(t *testing.T) {
	f := newManagerFixture(t)
	errStorage := errors.New("connection reset")
	f.store.getErr = errStorage

	_, err := f.manager.StartSession(context.Background(), uuid.New(), "sess-1")
	assert.ErrorIs(t, err, errStorage)
	assert.Equal(t, 0, f.sfu.starts)
	assert.Empty(t, f.bc.started)
}

func TestStartSessionStorageSaveFailure(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()
	f.tracker.AddViewer(channelID, "c1", nil)
	errStorage := errors.New("connection reset")
	f.store.saveErr = errStorage

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	assert.ErrorIs(t, err, errStorage)

	// a start that failed to persist must not wipe viewers or signal anyone
	assert.Nil(t, f.store.session(channelID))
	assert.Equal(t, 1, f.tracker.GetViewerCount(channelID))
	assert.Equal(t, 0, f.sfu.starts)
	assert.Empty(t, f.bc.started)
}

func TestPingStorageFailureLeavesHeartbeatUntouched(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)
	before := f.store.session(channelID).LastPingAt

	f.advance(30 * time.Second)
	errStorage := errors.New("connection reset")
	f.store.saveErr = errStorage

	err = f.manager.Ping(context.Background(), channelID)
	assert.ErrorIs(t, err, errStorage)
	assert.True(t, f.store.session(channelID).LastPingAt.Equal(before))
}

func TestStopSessionStorageFailureKeepsStreamLive(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)
	f.tracker.AddViewer(channelID, "c1", nil)

	errStorage := errors.New("connection reset")
	f.store.saveErr = errStorage

	err = f.manager.StopSession(context.Background(), channelID, "sess-1")
	assert.ErrorIs(t, err, errStorage)

	// the stop did not take: session live, viewers kept, nothing archived or announced
	assert.True(t, f.store.session(channelID).IsLive)
	assert.Equal(t, 1, f.tracker.GetViewerCount(channelID))
	assert.Empty(t, f.store.archives)
	assert.Equal(t, 0, f.bc.stoppedN)
	assert.Equal(t, 0, f.sfu.stops)
}

func TestPingExtendsHeartbeat(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)

	f.advance(60 * time.Second)
	require.NoError(t, f.manager.Ping(context.Background(), channelID))

	// 150s after start but only 90s after the last ping: still live
	f.advance(80 * time.Second)
	live, sessionID, err := f.manager.GetActiveSession(context.Background(), channelID)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, "sess-1", sessionID)
}

func TestPingNeverChangesSessionID(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.Ping(context.Background(), channelID))

	cur := f.store.session(channelID)
	assert.Equal(t, "sess-1", cur.SessionID)
}

func TestPingIdleChannel(t *testing.T) {
	f := newManagerFixture(t)
	err := f.manager.Ping(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestStopSession(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)

	f.tracker.AddViewer(channelID, "c1", nil)
	f.tracker.AddViewer(channelID, "c2", nil)
	f.advance(10 * time.Minute)

	require.NoError(t, f.manager.StopSession(context.Background(), channelID, "sess-1"))

	cur := f.store.session(channelID)
	assert.False(t, cur.IsLive)
	require.NotNil(t, cur.EndedAt)

	assert.Equal(t, int64(600), f.store.totals[channelID])
	assert.Equal(t, 0, f.store.counts[channelID])
	assert.Equal(t, 0, f.tracker.GetViewerCount(channelID))
	assert.Equal(t, 1, f.bc.stoppedN)
	assert.Equal(t, 1, f.sfu.stops)

	require.Len(t, f.store.archives, 1)
	archive := f.store.archives[0]
	assert.Equal(t, "sess-1", archive.SessionID)
	assert.Equal(t, 2, archive.PeakViewers)
}

func TestStopSessionMismatchKeepsStreamLive(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-2")
	require.NoError(t, err)

	// a stale client still holding the old session id must not stop the new one
	err = f.manager.StopSession(context.Background(), channelID, "sess-1")
	assert.ErrorIs(t, err, ErrSessionMismatch)

	cur := f.store.session(channelID)
	assert.True(t, cur.IsLive)
}

func TestStopSessionIdleChannel(t *testing.T) {
	f := newManagerFixture(t)
	err := f.manager.StopSession(context.Background(), uuid.New(), "sess-1")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestForceStopIgnoresSessionID(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)

	require.NoError(t, f.manager.ForceStop(context.Background(), channelID, ""))
	cur := f.store.session(channelID)
	assert.False(t, cur.IsLive)
}

func TestGetActiveSessionLazyExpiry(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)

	f.advance(testHeartbeatTimeout + time.Second)

	live, _, err := f.manager.GetActiveSession(context.Background(), channelID)
	require.NoError(t, err)
	assert.False(t, live)

	// the lazy read reports not-live without mutating the stored record
	cur := f.store.session(channelID)
	assert.True(t, cur.IsLive)
	assert.Nil(t, cur.EndedAt)
}

func TestGetActiveSessionAtExactTimeout(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)

	// age == timeout is still live; only strictly older expires
	f.advance(testHeartbeatTimeout)
	live, _, err := f.manager.GetActiveSession(context.Background(), channelID)
	require.NoError(t, err)
	assert.True(t, live)
}

func TestCleanupExpiredStreams(t *testing.T) {
	f := newManagerFixture(t)
	expired := uuid.New()
	fresh := uuid.New()

	_, err := f.manager.StartSession(context.Background(), expired, "sess-a")
	require.NoError(t, err)

	f.advance(testHeartbeatTimeout + time.Second)
	_, err = f.manager.StartSession(context.Background(), fresh, "sess-b")
	require.NoError(t, err)

	stopped, err := f.manager.CleanupExpiredStreams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)

	assert.False(t, f.store.session(expired).IsLive)
	assert.True(t, f.store.session(fresh).IsLive)

	// second sweep finds nothing
	stopped, err = f.manager.CleanupExpiredStreams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stopped)
}

func TestCleanupExpiredStreamsArchives(t *testing.T) {
	f := newManagerFixture(t)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)
	f.tracker.AddViewer(channelID, "c1", nil)

	f.advance(testHeartbeatTimeout + time.Second)
	_, err = f.manager.CleanupExpiredStreams(context.Background())
	require.NoError(t, err)

	require.Len(t, f.store.archives, 1)
	assert.Equal(t, 1, f.store.archives[0].PeakViewers)
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (e *recordingEnqueuer) EnqueueVodUpload(_ context.Context, _, _ uuid.UUID, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, sessionID)
	return nil
}

func TestStopSessionEnqueuesVodUpload(t *testing.T) {
	f := newManagerFixture(t)
	enq := &recordingEnqueuer{}
	f.manager.SetVodEnqueuer(enq)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.StopSession(context.Background(), channelID, "sess-1"))

	assert.Equal(t, []string{"sess-1"}, enq.jobs)
}

func TestStopSessionVodEnqueueFailureIsNonFatal(t *testing.T) {
	f := newManagerFixture(t)
	enq := &recordingEnqueuer{err: errors.New("redis down")}
	f.manager.SetVodEnqueuer(enq)
	channelID := uuid.New()

	_, err := f.manager.StartSession(context.Background(), channelID, "sess-1")
	require.NoError(t, err)
	require.NoError(t, f.manager.StopSession(context.Background(), channelID, "sess-1"))

	assert.False(t, f.store.session(channelID).IsLive)
}
