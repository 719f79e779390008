// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/compression"
	"github.com/LeeDigitalWorks/relay/pkg/storage"
	"github.com/LeeDigitalWorks/relay/pkg/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector is an in-process ingest endpoint that decodes every batch.
type collector struct {
	mu       sync.Mutex
	events   []event
	requests int
	srv      *httptest.Server
}

func newCollector(t *testing.T) *collector {
	t.Helper()
	c := &collector{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		raws, err := telemetry.Deserialize(body, r.Header.Get("Content-Type"), r.Header.Get("Content-Encoding"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.requests++
		for _, raw := range raws {
			var e event
			if err := json.Unmarshal(raw, &e); err == nil {
				c.events = append(c.events, e)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collector) Events() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event(nil), c.events...)
}

func testConfig(t *testing.T) Config {
	return Config{
		StorageRoot:   t.TempDir(),
		StorageFolder: "queue",
		FlushInterval: time.Hour,
		IdleInterval:  10 * time.Millisecond,
		SendersCount:  1,
		ShutdownGrace: time.Second,
	}
}

func newTestChannel(t *testing.T, cfg Config) *Channel {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestChannel_DeliversRecordsInOrder(t *testing.T) {
	col := newCollector(t)

	cfg := testConfig(t)
	cfg.EndpointAddress = col.srv.URL + "/v1/track"
	cfg.Compression = compression.Gzip
	c := newTestChannel(t, cfg)

	var want []event
	for batch := range 3 {
		for i := range 40 {
			e := event{Seq: batch*40 + i}
			want = append(want, e)
			c.Send(e)
		}
		require.NoError(t, c.Flush(context.Background()))
	}

	require.Eventually(t, func() bool { return len(col.Events()) == len(want) }, 5*time.Second, 10*time.Millisecond)
	if diff := cmp.Diff(want, col.Events()); diff != "" {
		t.Errorf("delivered records mismatch (-want +got):\n%s", diff)
	}

	require.Eventually(t, func() bool {
		st, err := c.Storage().Stats()
		return err == nil && st.Files() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestChannel_DeveloperModeBypassesStorage(t *testing.T) {
	sender := &fakeSender{}
	cfg := testConfig(t)
	cfg.Sender = sender
	cfg.MaxBufferCapacity = 1
	cfg.DeveloperMode = true
	c := newTestChannel(t, cfg)

	for i := range 5 {
		c.Send(event{Seq: i})
		st, err := c.Storage().Stats()
		require.NoError(t, err)
		assert.Zero(t, st.Files())
		assert.Zero(t, c.BufferedRecords())
	}

	require.Eventually(t, func() bool { return len(sender.Calls()) == 5 }, 5*time.Second, 10*time.Millisecond)
	for _, call := range sender.Calls() {
		assert.Equal(t, 1, call.req.Records)
		assert.Equal(t, DefaultEndpoint, call.req.Endpoint)
	}

	st, err := c.Storage().Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Files())
}

func TestChannel_DeveloperModeCapacityRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sender = &fakeSender{}
	cfg.MaxBufferCapacity = 100
	c := newTestChannel(t, cfg)

	c.SetDeveloperMode(true)
	assert.True(t, c.DeveloperMode())
	assert.Equal(t, 1, c.buffer.Capacity())
	assert.Equal(t, 100, c.MaxBufferCapacity())

	require.NoError(t, c.SetMaxBufferCapacity(250))
	assert.Equal(t, 1, c.buffer.Capacity(), "developer mode keeps the buffer pinned")

	c.SetDeveloperMode(false)
	assert.Equal(t, 250, c.buffer.Capacity())
	assert.Equal(t, 250, c.MaxBufferCapacity())

	assert.ErrorIs(t, c.SetMaxBufferCapacity(0), ErrInvalidConfig)
}

func TestChannel_EnteringDeveloperModePersistsBuffer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sender = &fakeSender{fn: func(context.Context, int, *Request) error {
		return errors.New("unreachable")
	}}
	cfg.Backoff = Backoff{Base: time.Hour, Max: time.Hour}
	c := newTestChannel(t, cfg)

	c.Send(event{Seq: 1})
	c.Send(event{Seq: 2})
	c.SetDeveloperMode(true)

	require.Eventually(t, func() bool {
		st, err := c.Storage().Stats()
		return err == nil && st.Files() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, c.BufferedRecords())
}

func TestChannel_QuotaRejectsThirdFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxTransmissionStorageFiles = 2
	cfg.Sender = &fakeSender{fn: func(context.Context, int, *Request) error {
		return errors.New("unreachable")
	}}
	cfg.Backoff = Backoff{Base: time.Hour, Max: time.Hour}
	c := newTestChannel(t, cfg)

	c.Send(event{Seq: 1})
	require.NoError(t, c.Flush(context.Background()))
	c.Send(event{Seq: 2})
	require.NoError(t, c.Flush(context.Background()))
	c.Send(event{Seq: 3})
	err := c.Flush(context.Background())
	require.ErrorIs(t, err, storage.ErrQuotaExceeded)

	st, err := c.Storage().Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files())

	entries, err := c.Storage().List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.False(t, e.Corrupt)
		assert.Equal(t, 1, e.Records)
	}
}

func TestChannel_RestartDeliversPersistedTransmissionOnce(t *testing.T) {
	cfg := testConfig(t)

	// A previous process persisted a batch and died before delivering it.
	store, err := storage.Open(storage.Config{Root: cfg.StorageRoot, Folder: cfg.StorageFolder})
	require.NoError(t, err)
	enqueueBatch(t, store, `{"seq":42}`+"\n")
	require.NoError(t, store.Close())

	sender := &fakeSender{}
	cfg.Sender = sender
	cfg.SendersCount = 3
	newTestChannel(t, cfg)

	require.Eventually(t, func() bool { return len(sender.Calls()) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	calls := sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, `{"seq":42}`+"\n", string(calls[0].req.Body))
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sender = &fakeSender{}
	c, err := New(cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			assert.NoError(t, c.Close())
		})
	}
	wg.Wait()
	require.NoError(t, c.Close())

	c.Send(event{Seq: 1})
	assert.ErrorIs(t, c.Flush(context.Background()), ErrClosed)
}

func TestChannel_ClosePersistsBufferedRecords(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sender = &fakeSender{fn: func(context.Context, int, *Request) error {
		return errors.New("unreachable")
	}}
	c, err := New(cfg)
	require.NoError(t, err)

	c.Send(event{Seq: 1})
	require.NoError(t, c.Close())

	store, err := storage.Open(storage.Config{Root: cfg.StorageRoot, Folder: cfg.StorageFolder})
	require.NoError(t, err)
	defer store.Close()
	st, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Files())
}

func TestChannel_EndpointAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sender = &fakeSender{}
	c := newTestChannel(t, cfg)

	assert.Equal(t, DefaultEndpoint, c.EndpointAddress())

	require.NoError(t, c.SetEndpointAddress("https://collector.example.com/v1/track"))
	assert.Equal(t, "https://collector.example.com/v1/track", c.EndpointAddress())

	for _, bad := range []string{"collector.example.com/v1", "/v1/track", "ftp://collector.example.com", "http://", "://"} {
		assert.ErrorIs(t, c.SetEndpointAddress(bad), ErrInvalidConfig, bad)
	}
	assert.Equal(t, "https://collector.example.com/v1/track", c.EndpointAddress(), "failed sets leave the endpoint alone")

	require.NoError(t, c.SetEndpointAddress(""))
	assert.Equal(t, DefaultEndpoint, c.EndpointAddress())
}

func TestChannel_Setters(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sender = &fakeSender{}
	c := newTestChannel(t, cfg)

	require.NoError(t, c.SetSendingInterval(2*time.Second))
	assert.Equal(t, 2*time.Second, c.SendingInterval())
	assert.ErrorIs(t, c.SetSendingInterval(-time.Second), ErrInvalidConfig)

	require.NoError(t, c.SetFlushInterval(time.Minute))
	assert.Equal(t, time.Minute, c.FlushInterval())
	assert.ErrorIs(t, c.SetFlushInterval(0), ErrInvalidConfig)

	require.NoError(t, c.SetMaxTransmissionStorageCapacity(1<<20))
	assert.EqualValues(t, 1<<20, c.MaxTransmissionStorageCapacity())
	assert.ErrorIs(t, c.SetMaxTransmissionStorageCapacity(0), ErrInvalidConfig)

	require.NoError(t, c.SetMaxTransmissionStorageFiles(10))
	assert.EqualValues(t, 10, c.MaxTransmissionStorageFiles())
	assert.ErrorIs(t, c.SetMaxTransmissionStorageFiles(0), ErrInvalidConfig)

	assert.Equal(t, "queue", c.StorageUniqueFolder())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	tests := []func(*Config){
		func(c *Config) { c.EndpointAddress = "not a url" },
		func(c *Config) { c.MaxBufferCapacity = -1 },
		func(c *Config) { c.FlushInterval = -time.Second },
		func(c *Config) { c.SendingInterval = -time.Second },
		func(c *Config) { c.Compression = "brotli" },
	}
	for _, mutate := range tests {
		cfg := testConfig(t)
		mutate(&cfg)
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}
}
