package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/storage"

	"github.com/stretchr/testify/require"
)

type sendCall struct {
	at  time.Time
	req *Request
}

// fakeSender records every attempt and answers with fn (nil means success).
// n is the 1-based attempt number.
type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	fn    func(ctx context.Context, n int, req *Request) error
}

func (f *fakeSender) Send(ctx context.Context, req *Request) error {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{at: time.Now(), req: req})
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, n, req)
}

func (f *fakeSender) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

func openStore(t *testing.T, root string) *storage.Storage {
	t.Helper()
	s, err := storage.Open(storage.Config{Root: root, Folder: "queue", LeaseTimeout: 30 * time.Second})
	require.NoError(t, err)
	return s
}

func enqueueBatch(t *testing.T, s *storage.Storage, body string) storage.ID {
	t.Helper()
	id, err := s.Enqueue(context.Background(), &storage.Transmission{
		Endpoint:    "http://collector.test/v1/track",
		ContentType: "application/x-json-stream",
		Records:     1,
		Payload:     []byte(body),
	})
	require.NoError(t, err)
	return id
}

type memWriter struct {
	mu   sync.Mutex
	txs  []*storage.Transmission
	fail error
}

func (w *memWriter) Enqueue(_ context.Context, t *storage.Transmission) (storage.ID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return "", w.fail
	}
	w.txs = append(w.txs, t)
	return storage.ID(time.Now().Format(time.RFC3339Nano)), nil
}

func (w *memWriter) Transmissions() []*storage.Transmission {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*storage.Transmission(nil), w.txs...)
}
