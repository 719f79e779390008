// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/utils"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTest(t *testing.T, root string, clock *testClock, mutate ...func(*Config)) *Storage {
	t.Helper()
	cfg := Config{
		Root:         root,
		Folder:       "queue",
		LeaseTimeout: 30 * time.Second,
		Now:          clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueuePayload(t *testing.T, s *Storage, payload string) ID {
	t.Helper()
	id, err := s.Enqueue(context.Background(), &Transmission{
		ContentType: "application/x-json-stream",
		Records:     1,
		Payload:     []byte(payload),
	})
	require.NoError(t, err)
	return id
}

func TestEnqueue_PeekNextFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTest(t, t.TempDir(), newTestClock())

	var ids []ID
	for i := range 5 {
		ids = append(ids, enqueuePayload(t, s, fmt.Sprintf(`{"n":%d}`, i)))
	}

	for i, want := range ids {
		l, err := s.PeekNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, l.ID())
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(l.Transmission.Payload))
		assert.Equal(t, "application/x-json-stream", l.Transmission.ContentType)
		require.NoError(t, s.Delete(l))
	}

	_, err := s.PeekNext(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEnqueue_FillsMetadata(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	s := openTest(t, t.TempDir(), clock)

	tr := &Transmission{Payload: []byte("x")}
	id, err := s.Enqueue(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, id, tr.ID)
	assert.True(t, clock.Now().Equal(tr.CreatedAt))
	assert.True(t, clock.Now().Equal(tr.NextAttemptAt))
}

func TestEnqueue_MaxFilesQuota(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTest(t, t.TempDir(), newTestClock(), func(c *Config) { c.MaxFiles = 2 })

	first := enqueuePayload(t, s, "first")
	second := enqueuePayload(t, s, "second")

	_, err := s.Enqueue(ctx, &Transmission{Payload: []byte("third")})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first, entries[0].ID)
	assert.Equal(t, second, entries[1].ID)

	l, err := s.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", string(l.Transmission.Payload))

	// Leased transmissions still count against the quota.
	_, err = s.Enqueue(ctx, &Transmission{Payload: []byte("third")})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	require.NoError(t, s.Delete(l))
	enqueuePayload(t, s, "third")
}

func TestEnqueue_ByteQuota(t *testing.T) {
	t.Parallel()

	s := openTest(t, t.TempDir(), newTestClock(), func(c *Config) { c.CapacityInBytes = 256 })

	enqueuePayload(t, s, "small")
	_, err := s.Enqueue(context.Background(), &Transmission{Payload: make([]byte, 512)})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Files())
	assert.LessOrEqual(t, st.Bytes, uint64(256))

	s.SetCapacityInBytes(4096)
	_, err = s.Enqueue(context.Background(), &Transmission{Payload: make([]byte, 512)})
	require.NoError(t, err)
}

func TestEnqueue_ConcurrentWritersRespectQuota(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	clock := newTestClock()
	stores := []*Storage{
		openTest(t, root, clock, func(c *Config) { c.MaxFiles = 10 }),
		openTest(t, root, clock, func(c *Config) { c.MaxFiles = 10 }),
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := range 40 {
		wg.Go(func() {
			_, err := stores[i%2].Enqueue(context.Background(), &Transmission{Payload: []byte("x")})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	st, err := stores[0].Stats()
	require.NoError(t, err)
	assert.Equal(t, 10, st.Pending)
}

func TestPeekNext_NoDoubleLease(t *testing.T) {
	t.Parallel()

	const total = 60
	root := t.TempDir()
	clock := newTestClock()
	stores := []*Storage{openTest(t, root, clock), openTest(t, root, clock), openTest(t, root, clock)}

	for i := range total {
		enqueuePayload(t, stores[0], fmt.Sprintf("%d", i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[ID]int)
		wg   sync.WaitGroup
	)
	for w := range 9 {
		s := stores[w%len(stores)]
		wg.Go(func() {
			for {
				l, err := s.PeekNext(context.Background())
				if err != nil {
					assert.ErrorIs(t, err, ErrEmpty)
					return
				}
				mu.Lock()
				seen[l.ID()]++
				mu.Unlock()
				assert.NoError(t, s.Delete(l))
			}
		})
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "transmission %s leased more than once", id)
	}
}

func TestPeekNext_ExpiredLeaseIsReclaimed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	clock := newTestClock()
	a := openTest(t, root, clock)
	b := openTest(t, root, clock)

	id := enqueuePayload(t, a, "payload")

	stale, err := a.PeekNext(ctx)
	require.NoError(t, err)

	_, err = b.PeekNext(ctx)
	require.ErrorIs(t, err, ErrEmpty, "a live lease must not be handed out twice")

	clock.Advance(20 * time.Second)
	require.NoError(t, a.Renew(stale))
	clock.Advance(20 * time.Second)
	_, err = b.PeekNext(ctx)
	require.ErrorIs(t, err, ErrEmpty, "renewed lease must not expire")

	clock.Advance(31 * time.Second)
	fresh, err := b.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, fresh.ID())

	assert.ErrorIs(t, a.Release(stale), ErrLeaseLost)
	assert.ErrorIs(t, a.Renew(stale), ErrLeaseLost)
	assert.ErrorIs(t, a.Reschedule(stale, 1, clock.Now()), ErrLeaseLost)

	require.NoError(t, b.Delete(fresh))
	_, err = a.PeekNext(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestCrashRecovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	clock := newTestClock()

	crashed, err := Open(Config{Root: root, Folder: "queue", LeaseTimeout: 30 * time.Second, Now: clock.Now})
	require.NoError(t, err)
	id := enqueuePayload(t, crashed, "survives")
	_, err = crashed.PeekNext(ctx)
	require.NoError(t, err)
	// The process dies holding the lease.
	require.NoError(t, crashed.Close())

	restarted := openTest(t, root, clock)
	_, err = restarted.PeekNext(ctx)
	require.ErrorIs(t, err, ErrEmpty)

	clock.Advance(time.Minute)
	l, err := restarted.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, l.ID())
	assert.Equal(t, "survives", string(l.Transmission.Payload))
	require.NoError(t, restarted.Delete(l))

	_, err = restarted.PeekNext(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestReschedule_DefersUntilNextAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	s := openTest(t, t.TempDir(), clock)

	id := enqueuePayload(t, s, "retry me")
	l, err := s.PeekNext(ctx)
	require.NoError(t, err)

	next := clock.Now().Add(10 * time.Second)
	require.NoError(t, s.Reschedule(l, 1, next))
	assert.Equal(t, 1, l.Transmission.Attempts)

	_, err = s.PeekNext(ctx)
	require.ErrorIs(t, err, ErrEmpty)

	clock.Advance(10 * time.Second)
	l, err = s.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, l.ID())
	assert.Equal(t, 1, l.Transmission.Attempts)
	assert.True(t, next.Equal(l.Transmission.NextAttemptAt))
	assert.Equal(t, "retry me", string(l.Transmission.Payload))
}

func TestReschedule_OtherTransmissionsStayEligible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	s := openTest(t, t.TempDir(), clock)

	enqueuePayload(t, s, "first")
	second := enqueuePayload(t, s, "second")

	l, err := s.PeekNext(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Reschedule(l, 1, clock.Now().Add(time.Hour)))

	l, err = s.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, l.ID())
}

func TestRelease_ReturnsToPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTest(t, t.TempDir(), newTestClock())

	id := enqueuePayload(t, s, "x")
	l, err := s.PeekNext(ctx)
	require.NoError(t, err)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Leased)

	require.NoError(t, s.Release(l))
	l, err = s.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, l.ID())
}

func TestDelete_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTest(t, t.TempDir(), newTestClock())

	enqueuePayload(t, s, "x")
	l, err := s.PeekNext(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Delete(l))
	require.NoError(t, s.Delete(l))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Files())
}

func TestDelete_AfterReclaimRemovesPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTest(t, t.TempDir(), newTestClock())

	id := enqueuePayload(t, s, "x")
	l, err := s.PeekNext(ctx)
	require.NoError(t, err)

	// Another process reclaimed the lease but has not leased it again.
	require.NoError(t, os.Rename(l.path, s.pendingPath(id)))

	require.NoError(t, s.Delete(l))
	_, err = s.PeekNext(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPeekNext_RemovesCorruptBlobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	s := openTest(t, t.TempDir(), clock)

	bad := filepath.Join(s.Dir(), string(newID(clock.Now()))+extPending)
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))
	require.NoError(t, os.Chtimes(bad, clock.Now(), clock.Now()))
	good := enqueuePayload(t, s, "good")

	before := testutil.ToFloat64(corruptTotal)
	l, err := s.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, good, l.ID())
	assert.GreaterOrEqual(t, testutil.ToFloat64(corruptTotal)-before, 1.0)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, filepath.Base(bad), e.Name())
	}
}

func TestPeekNext_RemovesStaleTempFiles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newTestClock()
	s := openTest(t, t.TempDir(), clock)

	tmp := s.tempPath(newID(clock.Now()))
	require.NoError(t, os.WriteFile(tmp, []byte("half written"), 0o644))
	require.NoError(t, os.Chtimes(tmp, clock.Now(), clock.Now()))

	clock.Advance(time.Minute)
	_, err := s.PeekNext(ctx)
	require.ErrorIs(t, err, ErrEmpty)

	_, err = os.Stat(tmp)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPurge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTest(t, t.TempDir(), newTestClock())

	for range 3 {
		enqueuePayload(t, s, "x")
	}
	l, err := s.PeekNext(ctx)
	require.NoError(t, err)

	n, err := s.Purge()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 1, st.Leased)
	require.NoError(t, s.Delete(l))
}

func TestClose(t *testing.T) {
	t.Parallel()

	s, err := Open(Config{Root: t.TempDir(), Folder: "queue"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Enqueue(context.Background(), &Transmission{Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.PeekNext(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_RejectsBadFolderNames(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"..", "a/b", `a\b`} {
		_, err := Open(Config{Root: t.TempDir(), Folder: name})
		assert.Error(t, err, name)
	}
}

func TestEnqueue_MinFreeSpace(t *testing.T) {
	t.Parallel()

	free, err := utils.ParseMinFreeSpace("100")
	require.NoError(t, err)
	s := openTest(t, t.TempDir(), newTestClock(), func(c *Config) { c.MinFreeSpace = free })

	if _, total, err := diskSpace(s.Dir()); err != nil || total == 0 {
		t.Skip("free space unavailable")
	}
	_, err = s.Enqueue(context.Background(), &Transmission{Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrQuotaExceeded, "a 100 percent free space floor cannot be met")
}

func TestFolderName(t *testing.T) {
	t.Parallel()

	a := FolderName("/usr/bin/app", "alice")
	assert.Len(t, a, 16)
	assert.Equal(t, a, FolderName("/usr/bin/app", "alice"))
	assert.NotEqual(t, a, FolderName("/usr/bin/app", "bob"))
	assert.NotEqual(t, FolderName("ab", "c"), FolderName("a", "bc"))
	assert.Len(t, DefaultFolderName(), 16)
}

func TestNewID_SortsInCreationOrder(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	prev := newID(now)
	for range 100 {
		id := newID(now)
		assert.Less(t, string(prev), string(id))
		prev = id
	}
	assert.Less(t, string(prev), string(newID(now.Add(time.Nanosecond))))
}
