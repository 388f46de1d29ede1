package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbctechsolutions/codexmonitor/internal/domain/session"
)

type fakeSession struct {
	id     int64
	done   chan struct{}
	closes atomic.Int32
}

func newFakeSession(id int64) *fakeSession {
	return &fakeSession{id: id, done: make(chan struct{})}
}

func (f *fakeSession) Close(context.Context) error {
	if f.closes.Add(1) == 1 {
		close(f.done)
	}
	return nil
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

// crash simulates the child dying on its own.
func (f *fakeSession) crash() { f.Close(context.Background()) }

type spawner struct {
	calls atomic.Int64
	delay time.Duration
	fail  atomic.Bool
}

func (s *spawner) spawn(ctx context.Context) (*fakeSession, error) {
	n := s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fail.Load() {
		return nil, errors.New("spawn failed")
	}
	return newFakeSession(n), nil
}

func TestGetOrCreate_ConcurrentCallersShareOneSpawn(t *testing.T) {
	r := New[*fakeSession](nil)
	sp := &spawner{delay: 30 * time.Millisecond}
	key := session.AgentKey("ws")

	const callers = 50
	results := make([]*fakeSession, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(context.Background(), key, sp.spawn)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), sp.calls.Load(), "exactly one spawn")
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestGetOrCreate_DistinctKeysDoNotBlockEachOther(t *testing.T) {
	r := New[*fakeSession](nil)
	slow := make(chan struct{})
	defer close(slow)

	go r.GetOrCreate(context.Background(), session.AgentKey("slow"), func(ctx context.Context) (*fakeSession, error) {
		<-slow
		return newFakeSession(1), nil
	})

	// Give the slow spawn time to register its placeholder.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := r.GetOrCreate(ctx, session.AgentKey("fast"), func(context.Context) (*fakeSession, error) {
		return newFakeSession(2), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.id)
}

func TestGetOrCreate_FailedSpawnIsRetried(t *testing.T) {
	r := New[*fakeSession](nil)
	sp := &spawner{}
	sp.fail.Store(true)
	key := session.TerminalKey("ws", "t1")

	_, err := r.GetOrCreate(context.Background(), key, sp.spawn)
	require.Error(t, err)
	assert.Equal(t, 0, r.Len(), "failed placeholder must be removed")

	sp.fail.Store(false)
	s, err := r.GetOrCreate(context.Background(), key, sp.spawn)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.id)
}

func TestGetOrCreate_DeadSessionIsReplaced(t *testing.T) {
	r := New[*fakeSession](nil)
	sp := &spawner{}
	key := session.AgentKey("ws")

	first, err := r.GetOrCreate(context.Background(), key, sp.spawn)
	require.NoError(t, err)

	first.crash()

	second, err := r.GetOrCreate(context.Background(), key, sp.spawn)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int64(2), sp.calls.Load())
}

func TestWatch_EvictsOnlyItsOwnEntry(t *testing.T) {
	r := New[*fakeSession](nil)
	sp := &spawner{}
	key := session.AgentKey("ws")

	first, err := r.GetOrCreate(context.Background(), key, sp.spawn)
	require.NoError(t, err)
	first.crash()

	second, err := r.GetOrCreate(context.Background(), key, sp.spawn)
	require.NoError(t, err)

	// The first session's watcher must not remove the replacement.
	time.Sleep(20 * time.Millisecond)
	got, ok := r.Get(key)
	require.True(t, ok)
	assert.Same(t, second, got)

	second.crash()
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestGetOrCreate_ContextCancelWhileWaiting(t *testing.T) {
	r := New[*fakeSession](nil)
	release := make(chan struct{})
	key := session.WorkerKey()

	go r.GetOrCreate(context.Background(), key, func(context.Context) (*fakeSession, error) {
		<-release
		return newFakeSession(1), nil
	})
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.GetOrCreate(ctx, key, func(context.Context) (*fakeSession, error) {
		t.Error("second caller must not spawn")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestRemove(t *testing.T) {
	r := New[*fakeSession](nil)
	sp := &spawner{}
	key := session.TerminalKey("ws", "t1")

	s, err := r.GetOrCreate(context.Background(), key, sp.spawn)
	require.NoError(t, err)

	require.NoError(t, r.Remove(context.Background(), key))
	assert.Equal(t, int32(1), s.closes.Load())

	_, ok := r.Get(key)
	assert.False(t, ok)

	err = r.Remove(context.Background(), key)
	assert.ErrorIs(t, err, ErrNotFound)

	fresh, err := r.GetOrCreate(context.Background(), key, sp.spawn)
	require.NoError(t, err)
	assert.NotSame(t, s, fresh)
}

func TestKeys(t *testing.T) {
	r := New[*fakeSession](nil)
	sp := &spawner{}
	ctx := context.Background()

	_, _ = r.GetOrCreate(ctx, session.AgentKey("a"), sp.spawn)
	_, _ = r.GetOrCreate(ctx, session.AgentKey("b"), sp.spawn)
	_, _ = r.GetOrCreate(ctx, session.TerminalKey("a", "t"), sp.spawn)

	assert.ElementsMatch(t, []session.Key{session.AgentKey("a"), session.AgentKey("b")}, r.Keys(session.ClassAgent))
	assert.Len(t, r.Keys(session.ClassTerminal), 1)
	assert.Empty(t, r.Keys(session.ClassWorker))
}

func TestCloseAll(t *testing.T) {
	r := New[*fakeSession](nil)
	sp := &spawner{}
	ctx := context.Background()

	a, _ := r.GetOrCreate(ctx, session.AgentKey("a"), sp.spawn)
	b, _ := r.GetOrCreate(ctx, session.WorkerKey(), sp.spawn)

	require.NoError(t, r.CloseAll(ctx))
	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, int32(1), b.closes.Load())
	assert.Equal(t, 0, r.Len())

	_, err := r.GetOrCreate(ctx, session.AgentKey("c"), sp.spawn)
	assert.ErrorIs(t, err, ErrClosed)
}
