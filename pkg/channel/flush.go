// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/logger"
	"github.com/LeeDigitalWorks/relay/pkg/storage"
	"github.com/LeeDigitalWorks/relay/pkg/telemetry"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const DefaultFlushInterval = 30 * time.Second

// TransmissionWriter persists flushed batches. *storage.Storage implements it.
type TransmissionWriter interface {
	Enqueue(ctx context.Context, t *storage.Transmission) (storage.ID, error)
}

// FlushManager moves the buffer into storage, one transmission per
// non-empty drain, on a timer and on demand.
type FlushManager struct {
	buffer     *Buffer
	store      TransmissionWriter
	serializer *telemetry.Serializer
	endpoint   func() string
	log        zerolog.Logger

	delay atomic.Int64

	// flushMu serializes timer and explicit flushes. It is held across
	// storage I/O but never taken by Send.
	flushMu sync.Mutex

	quotaWarn rate.Sometimes

	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	wg       sync.WaitGroup
}

// NewFlushManager returns a manager that flushes every delay. endpoint is
// called at flush time and its result stored with the transmission.
func NewFlushManager(buf *Buffer, store TransmissionWriter, serializer *telemetry.Serializer, delay time.Duration, endpoint func() string) (*FlushManager, error) {
	if delay <= 0 {
		return nil, invalidf("flush interval %s, must be positive", delay)
	}
	m := &FlushManager{
		buffer:     buf,
		store:      store,
		serializer: serializer,
		endpoint:   endpoint,
		log:        logger.With("flush"),
		quotaWarn:  rate.Sometimes{First: 1, Interval: time.Minute},
		trigger:    make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	m.delay.Store(int64(delay))
	return m, nil
}

func (m *FlushManager) FlushDelay() time.Duration {
	return time.Duration(m.delay.Load())
}

// SetFlushDelay takes effect when the next tick is scheduled.
func (m *FlushManager) SetFlushDelay(d time.Duration) error {
	if d <= 0 {
		return invalidf("flush interval %s, must be positive", d)
	}
	m.delay.Store(int64(d))
	return nil
}

// Start runs the timer loop until ctx is done or Stop is called.
func (m *FlushManager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go m.loop(ctx)
}

// Trigger asks the timer loop to flush now instead of at the next tick.
// It never blocks; triggers that arrive while one is pending coalesce.
func (m *FlushManager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the timer loop and persists whatever is still buffered.
func (m *FlushManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
		if err := m.Flush(context.Background()); err != nil {
			m.log.Warn().Err(err).Msg("flush: final flush failed")
		}
	})
}

func (m *FlushManager) loop(ctx context.Context) {
	defer m.wg.Done()

	// Single-shot: the next tick is scheduled only after this flush ends,
	// so flushes never overlap and a new delay applies to the next tick.
	timer := time.NewTimer(m.FlushDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-timer.C:
		case <-m.trigger:
			timer.Stop()
		}

		m.flushAndLog(ctx)
		timer.Reset(m.FlushDelay())
	}
}

func (m *FlushManager) flushAndLog(ctx context.Context) {
	err := m.Flush(ctx)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrQuotaExceeded):
		m.quotaWarn.Do(func() {
			m.log.Warn().Err(err).Msg("flush: storage full, dropping batch")
		})
	default:
		m.log.Error().Err(err).Msg("flush: persisting batch failed")
	}
}

// Flush drains the buffer and persists it as one transmission. An empty
// buffer is a no-op. When persisting fails the drained records are lost
// and the error is returned.
func (m *FlushManager) Flush(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	records := m.buffer.DrainAll()
	if len(records) == 0 {
		flushTotal.WithLabelValues("empty").Inc()
		return nil
	}

	start := time.Now()
	defer func() { flushDuration.Observe(time.Since(start).Seconds()) }()

	payload, err := m.serializer.Serialize(records)
	if err != nil {
		flushTotal.WithLabelValues("error").Inc()
		flushRecordsTotal.WithLabelValues("unencodable").Add(float64(len(records)))
		return fmt.Errorf("encode batch: %w", err)
	}
	if payload.Skipped > 0 {
		flushRecordsTotal.WithLabelValues("unencodable").Add(float64(payload.Skipped))
		m.log.Warn().Int("skipped", payload.Skipped).Msg("flush: dropped records the codec could not encode")
	}

	t := &storage.Transmission{
		Endpoint:        m.endpoint(),
		ContentType:     payload.ContentType,
		ContentEncoding: payload.ContentEncoding,
		Records:         payload.Records,
		Payload:         payload.Data,
	}
	id, err := m.store.Enqueue(ctx, t)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			flushTotal.WithLabelValues("quota").Inc()
		} else {
			flushTotal.WithLabelValues("error").Inc()
		}
		flushRecordsTotal.WithLabelValues("lost").Add(float64(payload.Records))
		return fmt.Errorf("persist batch of %d records: %w", payload.Records, err)
	}

	flushTotal.WithLabelValues("persisted").Inc()
	flushRecordsTotal.WithLabelValues("persisted").Add(float64(payload.Records))
	m.log.Debug().
		Str("id", string(id)).
		Int("records", payload.Records).
		Int("bytes", len(payload.Data)).
		Str("encoding", payload.ContentEncoding).
		Msg("flush: persisted batch")
	return nil
}
