// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/compression"
	"github.com/LeeDigitalWorks/relay/pkg/logger"
	"github.com/LeeDigitalWorks/relay/pkg/storage"
	"github.com/LeeDigitalWorks/relay/pkg/telemetry"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultSendersCount             = 3
	DefaultIdleInterval             = time.Second
	DefaultShutdownGrace            = 5 * time.Second
	DefaultMaxDeveloperModeInFlight = 16
)

// TransmissionQueue is the storage side of the transmitter.
// *storage.Storage implements it.
type TransmissionQueue interface {
	PeekNext(ctx context.Context) (*storage.Lease, error)
	Delete(l *storage.Lease) error
	Release(l *storage.Lease) error
	Renew(l *storage.Lease) error
	Reschedule(l *storage.Lease, attempts int, next time.Time) error
	LeaseTimeout() time.Duration
}

type TransmitterConfig struct {
	// SendersCount is the number of concurrent delivery workers.
	SendersCount int
	// SendingInterval is the pause after a successful delivery. Zero
	// means the worker looks for the next transmission at once.
	SendingInterval time.Duration
	// IdleInterval is the pause when storage has nothing eligible.
	IdleInterval time.Duration
	Backoff      Backoff
	// ShutdownGrace bounds how long Stop waits for in-flight sends.
	ShutdownGrace time.Duration

	MaxDeveloperModeInFlight int64
	// Serializer encodes developer mode records.
	Serializer *telemetry.Serializer
	// Endpoint is used for transmissions persisted without one.
	Endpoint func() string

	Now func() time.Time
}

// Transmitter drains storage to the collector with a pool of workers.
//
// Per transmission: pending -> leased -> deleted on success or permanent
// rejection, or back to pending with one more attempt and a later
// not-before time on any other failure. Retries are not capped; the
// backoff ceiling bounds how long a transmission waits between attempts.
type Transmitter struct {
	store      TransmissionQueue
	sender     Sender
	serializer *telemetry.Serializer
	endpoint   func() string
	backoff    Backoff
	senders    int
	idle       time.Duration
	grace      time.Duration
	now        func() time.Time
	log        zerolog.Logger

	sendingInterval atomic.Int64

	wakeMu sync.Mutex
	wake   chan struct{}

	// stopCtx ends waits and stops new work; hardCtx aborts in-flight
	// sends once the grace period is over.
	stopCtx    context.Context
	cancelStop context.CancelFunc
	hardCtx    context.Context
	cancelHard context.CancelFunc

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once

	devSem     *semaphore.Weighted
	devMu      sync.Mutex
	devStopped bool
	devWG      sync.WaitGroup
}

func NewTransmitter(store TransmissionQueue, sender Sender, cfg TransmitterConfig) (*Transmitter, error) {
	if cfg.SendersCount == 0 {
		cfg.SendersCount = DefaultSendersCount
	}
	if cfg.SendersCount < 0 {
		return nil, invalidf("senders count %d", cfg.SendersCount)
	}
	if cfg.SendingInterval < 0 {
		return nil, invalidf("sending interval %s, must not be negative", cfg.SendingInterval)
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Max < cfg.Backoff.Base || cfg.Backoff.Jitter < 0 {
		return nil, invalidf("backoff base %s max %s jitter %.2f", cfg.Backoff.Base, cfg.Backoff.Max, cfg.Backoff.Jitter)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.MaxDeveloperModeInFlight <= 0 {
		cfg.MaxDeveloperModeInFlight = DefaultMaxDeveloperModeInFlight
	}
	if cfg.Serializer == nil {
		cfg.Serializer = telemetry.NewSerializer(nil, compression.None)
	}
	if cfg.Endpoint == nil {
		cfg.Endpoint = func() string { return DefaultEndpoint }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	t := &Transmitter{
		store:      store,
		sender:     sender,
		serializer: cfg.Serializer,
		endpoint:   cfg.Endpoint,
		backoff:    cfg.Backoff,
		senders:    cfg.SendersCount,
		idle:       cfg.IdleInterval,
		grace:      cfg.ShutdownGrace,
		now:        cfg.Now,
		log:        logger.With("transmitter"),
		wake:       make(chan struct{}),
		done:       make(chan struct{}),
		devSem:     semaphore.NewWeighted(cfg.MaxDeveloperModeInFlight),
	}
	t.sendingInterval.Store(int64(cfg.SendingInterval))
	t.hardCtx, t.cancelHard = context.WithCancel(context.Background())
	t.stopCtx, t.cancelStop = context.WithCancel(t.hardCtx)
	return t, nil
}

func (t *Transmitter) SendingInterval() time.Duration {
	return time.Duration(t.sendingInterval.Load())
}

func (t *Transmitter) SetSendingInterval(d time.Duration) error {
	if d < 0 {
		return invalidf("sending interval %s, must not be negative", d)
	}
	t.sendingInterval.Store(int64(d))
	return nil
}

// Start launches the workers. Cancelling ctx stops them like Stop does,
// minus waiting.
func (t *Transmitter) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	context.AfterFunc(ctx, t.cancelStop)

	g, gctx := errgroup.WithContext(t.stopCtx)
	for i := range t.senders {
		g.Go(func() error {
			return t.work(gctx, i)
		})
	}
	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.log.Error().Err(err).Msg("transmitter: workers stopped")
		}
		close(t.done)
	}()

	t.log.Info().Int("senders", t.senders).Msg("transmitter: started")
}

// ForceImmediateSend wakes every waiting worker so it checks storage now.
func (t *Transmitter) ForceImmediateSend() {
	t.wakeMu.Lock()
	defer t.wakeMu.Unlock()
	close(t.wake)
	t.wake = make(chan struct{})
}

func (t *Transmitter) wakeChan() <-chan struct{} {
	t.wakeMu.Lock()
	defer t.wakeMu.Unlock()
	return t.wake
}

// Stop signals the workers, waits up to the shutdown grace for in-flight
// sends, then aborts whatever is left. Every worker releases its lease
// before returning. Safe to call more than once.
func (t *Transmitter) Stop() {
	t.stopOnce.Do(func() {
		t.devMu.Lock()
		t.devStopped = true
		t.devMu.Unlock()

		t.cancelStop()

		finished := make(chan struct{})
		go func() {
			if t.started.Load() {
				<-t.done
			}
			t.devWG.Wait()
			close(finished)
		}()

		grace := time.NewTimer(t.grace)
		defer grace.Stop()
		select {
		case <-finished:
		case <-grace.C:
			t.log.Warn().Dur("grace", t.grace).Msg("transmitter: aborting in-flight sends")
			t.cancelHard()
			<-finished
		}
		t.cancelHard()
		t.log.Info().Msg("transmitter: stopped")
	})
}

func (t *Transmitter) work(ctx context.Context, worker int) error {
	log := t.log.With().Int("worker", worker).Logger()
	for {
		// Taken before the attempt so a ForceImmediateSend that lands
		// while sending still cuts the following wait short.
		wake := t.wakeChan()

		wait, err := t.processOne(ctx, log)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// processOne makes one delivery attempt and returns how long the worker
// should wait before the next. A non-nil error stops the worker.
func (t *Transmitter) processOne(ctx context.Context, log zerolog.Logger) (time.Duration, error) {
	lease, err := t.store.PeekNext(ctx)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrEmpty):
		return t.idle, nil
	case errors.Is(err, storage.ErrClosed):
		return 0, err
	case ctx.Err() != nil:
		return 0, nil
	default:
		log.Error().Err(err).Msg("transmitter: reading storage failed")
		return t.idle, nil
	}

	tr := lease.Transmission
	req := &Request{
		Endpoint:        tr.Endpoint,
		ContentType:     tr.ContentType,
		ContentEncoding: tr.ContentEncoding,
		Records:         tr.Records,
		Body:            tr.Payload,
	}
	if req.Endpoint == "" {
		req.Endpoint = t.endpoint()
	}

	start := time.Now()
	err = t.sendWithHeartbeat(lease, req)
	sendDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		sendsTotal.WithLabelValues("success").Inc()
		recordsSentTotal.Add(float64(tr.Records))
		if err := t.store.Delete(lease); err != nil {
			log.Error().Err(err).Str("id", string(tr.ID)).Msg("transmitter: delete after delivery failed")
		}
		log.Debug().Str("id", string(tr.ID)).Int("records", tr.Records).Int("attempts", tr.Attempts+1).Msg("transmitter: delivered")
		return t.SendingInterval(), nil
	}

	if t.hardCtx.Err() != nil {
		// Shutdown cut the send short; hand the transmission back.
		sendsTotal.WithLabelValues("aborted").Inc()
		if err := t.store.Release(lease); err != nil {
			log.Warn().Err(err).Str("id", string(tr.ID)).Msg("transmitter: release on shutdown failed")
		}
		return 0, nil
	}

	var de *DeliveryError
	isDelivery := errors.As(err, &de)
	if isDelivery && de.Permanent {
		sendsTotal.WithLabelValues("permanent").Inc()
		log.Error().Err(err).
			Str("id", string(tr.ID)).
			Int("records", tr.Records).
			Str("endpoint", req.Endpoint).
			Msg("transmitter: collector rejected transmission, dropping it")
		if err := t.store.Delete(lease); err != nil {
			log.Error().Err(err).Str("id", string(tr.ID)).Msg("transmitter: delete after rejection failed")
		}
		return t.SendingInterval(), nil
	}

	attempts := tr.Attempts + 1
	delay := t.backoff.Delay(attempts)
	if isDelivery {
		delay = t.backoff.withRetryAfter(delay, de.RetryAfter)
	}
	sendsTotal.WithLabelValues("retry").Inc()
	backoffSeconds.Observe(delay.Seconds())

	if err := t.store.Reschedule(lease, attempts, t.now().Add(delay)); err != nil {
		log.Warn().Err(err).Str("id", string(tr.ID)).Msg("transmitter: reschedule failed")
	}
	log.Warn().Err(err).
		Str("id", string(tr.ID)).
		Int("attempts", attempts).
		Dur("backoff", delay).
		Msg("transmitter: delivery failed, will retry")

	// Backoff takes precedence over the sending interval.
	return delay, nil
}

// sendWithHeartbeat renews the lease every third of the lease timeout while
// the send is in flight, so slow collectors do not cost the lease.
func (t *Transmitter) sendWithHeartbeat(lease *storage.Lease, req *Request) error {
	ctx, cancel := context.WithCancel(t.hardCtx)
	defer cancel()

	var wg sync.WaitGroup
	if every := t.store.LeaseTimeout() / 3; every > 0 {
		wg.Go(func() {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := t.store.Renew(lease); err != nil {
						t.log.Warn().Err(err).Str("id", string(lease.ID())).Msg("transmitter: lease renewal failed")
						return
					}
				}
			}
		})
	}

	err := t.sender.Send(ctx, req)
	cancel()
	wg.Wait()
	return err
}

// SendForDeveloperMode encodes r and posts it straight to endpoint in the
// background, bypassing storage. It never blocks and never reports
// failure; when too many sends are in flight the record is dropped.
func (t *Transmitter) SendForDeveloperMode(r telemetry.Record, endpoint string) {
	t.devMu.Lock()
	if t.devStopped {
		t.devMu.Unlock()
		developerSendsTotal.WithLabelValues("dropped").Inc()
		return
	}
	if !t.devSem.TryAcquire(1) {
		t.devMu.Unlock()
		developerSendsTotal.WithLabelValues("dropped").Inc()
		return
	}
	t.devWG.Add(1)
	t.devMu.Unlock()

	go func() {
		defer t.devWG.Done()
		defer t.devSem.Release(1)

		payload, err := t.serializer.Serialize([]telemetry.Record{r})
		if err != nil {
			developerSendsTotal.WithLabelValues("failed").Inc()
			t.log.Debug().Err(err).Msg("transmitter: developer mode record not encodable")
			return
		}
		err = t.sender.Send(t.hardCtx, &Request{
			Endpoint:        endpoint,
			ContentType:     payload.ContentType,
			ContentEncoding: payload.ContentEncoding,
			Records:         payload.Records,
			Body:            payload.Data,
		})
		if err != nil {
			developerSendsTotal.WithLabelValues("failed").Inc()
			t.log.Debug().Err(err).Str("endpoint", endpoint).Msg("transmitter: developer mode send failed")
			return
		}
		developerSendsTotal.WithLabelValues("sent").Inc()
	}()
}
