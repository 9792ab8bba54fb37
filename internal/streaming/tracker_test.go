package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCountStore struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
	err    error
}

func newFakeCountStore() *fakeCountStore {
	return &fakeCountStore{counts: make(map[uuid.UUID]int)}
}

func (s *fakeCountStore) UpdateViewerCount(_ context.Context, channelID uuid.UUID, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.counts[channelID] = count
	return nil
}

func (s *fakeCountStore) count(channelID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[channelID]
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	viewers  []int
	started  []string
	stoppedN int
}

func (b *recordingBroadcaster) ViewersUpdated(_ uuid.UUID, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.viewers = append(b.viewers, count)
}

func (b *recordingBroadcaster) StreamStarted(_ uuid.UUID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, sessionID)
}

func (b *recordingBroadcaster) StreamStopped(uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stoppedN++
}

func newTestTracker(t *testing.T) (*ViewerTracker, *fakeCountStore, *recordingBroadcaster) {
	t.Helper()
	store := newFakeCountStore()
	bc := &recordingBroadcaster{}
	return NewViewerTracker(store, bc, nil), store, bc
}

func TestAddRemoveViewer(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()

	tracker.AddViewer(channelID, "conn-1", nil)
	tracker.AddViewer(channelID, "conn-2", nil)
	assert.Equal(t, 2, tracker.GetViewerCount(channelID))

	tracker.RemoveViewer("conn-1")
	assert.Equal(t, 1, tracker.GetViewerCount(channelID))

	// removing twice is a no-op
	tracker.RemoveViewer("conn-1")
	assert.Equal(t, 1, tracker.GetViewerCount(channelID))
}

func TestAddViewerSameConnectionNoDuplicate(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()

	tracker.AddViewer(channelID, "conn-1", nil)
	tracker.AddViewer(channelID, "conn-1", nil)
	assert.Equal(t, 1, tracker.GetViewerCount(channelID))
}

func TestAddViewerFirstConnectionFlag(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()
	userID := uuid.New()

	first := tracker.AddViewer(channelID, "conn-1", &userID)
	assert.True(t, first)

	// second tab from the same user is not a first connection
	second := tracker.AddViewer(channelID, "conn-2", &userID)
	assert.False(t, second)

	// anonymous connections count as first on every new connection id
	assert.True(t, tracker.AddViewer(channelID, "conn-3", nil))
	assert.False(t, tracker.AddViewer(channelID, "conn-3", nil))
}

func TestUniqueUsersNeverExceedsConnections(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()
	alice := uuid.New()
	bob := uuid.New()

	tracker.AddViewer(channelID, "a-1", &alice)
	tracker.AddViewer(channelID, "a-2", &alice)
	tracker.AddViewer(channelID, "b-1", &bob)
	tracker.AddViewer(channelID, "anon", nil)

	assert.Equal(t, 4, tracker.GetViewerCount(channelID))
	assert.Equal(t, 2, tracker.GetUniqueUserCount(channelID))
	assert.LessOrEqual(t, tracker.GetUniqueUserCount(channelID), tracker.GetViewerCount(channelID))
}

func TestIsUserWatchingChannel(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()
	userID := uuid.New()

	assert.False(t, tracker.IsUserWatchingChannel(userID, channelID))

	tracker.AddViewer(channelID, "conn-1", &userID)
	assert.True(t, tracker.IsUserWatchingChannel(userID, channelID))

	tracker.RemoveViewer("conn-1")
	assert.False(t, tracker.IsUserWatchingChannel(userID, channelID))
}

func TestCleanupOldConnections(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()

	base := time.Now()
	tracker.now = func() time.Time { return base }
	tracker.AddViewer(channelID, "old", nil)

	tracker.now = func() time.Time { return base.Add(4 * time.Minute) }
	tracker.AddViewer(channelID, "fresh", nil)

	tracker.now = func() time.Time { return base.Add(5 * time.Minute) }
	removed := tracker.CleanupOldConnections(3 * time.Minute)

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, tracker.GetViewerCount(channelID))

	// the stale connection must also be gone from the reverse index
	tracker.RemoveViewer("old")
	assert.Equal(t, 1, tracker.GetViewerCount(channelID))
}

func TestCleanupKeepsConnectionsAtExactBoundary(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()

	base := time.Now()
	tracker.now = func() time.Time { return base }
	tracker.AddViewer(channelID, "boundary", nil)

	// exactly maxAge old, not older
	tracker.now = func() time.Time { return base.Add(3 * time.Minute) }
	removed := tracker.CleanupOldConnections(3 * time.Minute)

	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, tracker.GetViewerCount(channelID))
}

func TestTouchExtendsConnectionLife(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()

	base := time.Now()
	tracker.now = func() time.Time { return base }
	tracker.AddViewer(channelID, "conn-1", nil)

	tracker.now = func() time.Time { return base.Add(2 * time.Minute) }
	tracker.Touch("conn-1")

	tracker.now = func() time.Time { return base.Add(4 * time.Minute) }
	removed := tracker.CleanupOldConnections(3 * time.Minute)

	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, tracker.GetViewerCount(channelID))
}

func TestPeakViewersSurvivesLeaves(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()

	tracker.AddViewer(channelID, "c1", nil)
	tracker.AddViewer(channelID, "c2", nil)
	tracker.AddViewer(channelID, "c3", nil)
	tracker.RemoveViewer("c2")
	tracker.RemoveViewer("c3")

	assert.Equal(t, 1, tracker.GetViewerCount(channelID))
	assert.Equal(t, 3, tracker.PeakViewers(channelID))
}

func TestResetClearsChannelState(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()
	userID := uuid.New()

	tracker.AddViewer(channelID, "c1", &userID)
	tracker.AddViewer(channelID, "c2", nil)
	tracker.Reset(channelID)

	assert.Equal(t, 0, tracker.GetViewerCount(channelID))
	assert.Equal(t, 0, tracker.PeakViewers(channelID))

	// a returning user counts as first again after the reset
	assert.True(t, tracker.AddViewer(channelID, "c3", &userID))
}

func TestAddViewerRetriesWhenResetInterleaves(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()

	// replicate an add that resolved its bucket just before a session reset
	stale := tracker.bucketForConn(channelID, "c1")
	tracker.Reset(channelID)

	_, ok := stale.add(channelID, "c1", nil, time.Now())
	assert.False(t, ok, "retired bucket must refuse the write")

	// the full add lands in the live bucket and stays visible
	assert.True(t, tracker.AddViewer(channelID, "c1", nil))
	assert.Equal(t, 1, tracker.GetViewerCount(channelID))
	assert.Equal(t, 1, tracker.Stats(channelID).TotalConnections)
}

func TestConcurrentAddAndResetStayConsistent(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tracker.AddViewer(channelID, fmt.Sprintf("c%d-%d", i, j%4), nil)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			tracker.Reset(channelID)
		}
	}()
	wg.Wait()

	// every indexed connection is visible in the live bucket and vice versa;
	// a join racing a reset must end up either fully in or fully out
	tracker.mu.RLock()
	indexed := 0
	for _, ch := range tracker.index {
		if ch == channelID {
			indexed++
		}
	}
	tracker.mu.RUnlock()
	assert.Equal(t, indexed, tracker.GetViewerCount(channelID))
}

func TestResetIsPerChannel(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	chA := uuid.New()
	chB := uuid.New()

	tracker.AddViewer(chA, "a", nil)
	tracker.AddViewer(chB, "b", nil)
	tracker.Reset(chA)

	assert.Equal(t, 0, tracker.GetViewerCount(chA))
	assert.Equal(t, 1, tracker.GetViewerCount(chB))
}

func TestUpdateViewerCountAndBroadcast(t *testing.T) {
	tracker, store, bc := newTestTracker(t)
	channelID := uuid.New()

	tracker.AddViewer(channelID, "c1", nil)
	tracker.AddViewer(channelID, "c2", nil)

	count, err := tracker.UpdateViewerCountAndBroadcast(context.Background(), channelID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, store.count(channelID))
	require.Len(t, bc.viewers, 1)
	assert.Equal(t, 2, bc.viewers[0])
}

func TestUpdateViewerCountStoreErrorSkipsBroadcast(t *testing.T) {
	tracker, store, bc := newTestTracker(t)
	channelID := uuid.New()
	store.err = context.DeadlineExceeded

	tracker.AddViewer(channelID, "c1", nil)
	_, err := tracker.UpdateViewerCountAndBroadcast(context.Background(), channelID)

	assert.Error(t, err)
	assert.Empty(t, bc.viewers)
}

func TestActiveChannels(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	chA := uuid.New()
	chB := uuid.New()

	tracker.AddViewer(chA, "a", nil)
	tracker.AddViewer(chB, "b", nil)

	// an emptied channel stays listed so its zero count is still flushed;
	// only the session reset retires it
	tracker.RemoveViewer("b")
	assert.ElementsMatch(t, []uuid.UUID{chA, chB}, tracker.ActiveChannels())

	tracker.Reset(chB)
	assert.Equal(t, []uuid.UUID{chA}, tracker.ActiveChannels())
}

func TestUpdateViewerCountInDatabase(t *testing.T) {
	tracker, store, bc := newTestTracker(t)
	channelID := uuid.New()

	tracker.AddViewer(channelID, "c1", nil)
	require.NoError(t, tracker.UpdateViewerCountInDatabase(context.Background(), channelID))

	assert.Equal(t, 1, store.count(channelID))
	assert.Empty(t, bc.viewers, "plain flush must not broadcast")
}

func TestStats(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	channelID := uuid.New()
	userID := uuid.New()

	base := time.Now()
	tracker.now = func() time.Time { return base }
	tracker.AddViewer(channelID, "c1", &userID)
	tracker.AddViewer(channelID, "c2", nil)

	tracker.now = func() time.Time { return base.Add(time.Minute) }
	stats := tracker.Stats(channelID)

	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.UniqueUsers)
	assert.Equal(t, 2, stats.PeakViewers)
	assert.InDelta(t, 60.0, stats.AvgWatchSeconds, 0.01)

	minuteKey := base.Truncate(time.Minute).UTC().Format(time.RFC3339)
	assert.Equal(t, 2, stats.PerMinute[minuteKey])
}

func TestStatsEmptyChannel(t *testing.T) {
	tracker, _, _ := newTestTracker(t)
	stats := tracker.Stats(uuid.New())

	assert.Equal(t, 0, stats.TotalConnections)
	assert.Equal(t, 0, stats.UniqueUsers)
	assert.Zero(t, stats.AvgWatchSeconds)
	assert.Empty(t, stats.PerMinute)
}
