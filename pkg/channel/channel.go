// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel is a store-and-forward telemetry channel. Records handed
// to Send are buffered in memory, flushed to a disk-backed queue as
// batched transmissions, and delivered to a collector over HTTP by a pool
// of workers that retry with exponential backoff. Transmissions survive
// restarts, and every process that uses the same storage folder shares
// one queue.
package channel

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/compression"
	"github.com/LeeDigitalWorks/relay/pkg/logger"
	"github.com/LeeDigitalWorks/relay/pkg/storage"
	"github.com/LeeDigitalWorks/relay/pkg/telemetry"
	"github.com/LeeDigitalWorks/relay/pkg/utils"

	"github.com/rs/zerolog"
)

const (
	// DefaultEndpoint is the ingest address of a local relay agent.
	DefaultEndpoint = "http://localhost:8740/v1/track"

	DefaultMaxBufferCapacity = 500
	DefaultUserAgent         = "relay/dev"
)

// Config configures New. Zero values select the defaults.
type Config struct {
	// EndpointAddress is the collector URL. Empty selects DefaultEndpoint.
	EndpointAddress string

	// StorageRoot and StorageFolder locate the transmission queue. Channels
	// in any process using the same folder cooperate on one queue.
	StorageRoot   string
	StorageFolder string

	MaxBufferCapacity              int
	MaxTransmissionStorageCapacity uint64
	MaxTransmissionStorageFiles    uint32
	MinFreeSpace                   *utils.FreeSpace
	LeaseTimeout                   time.Duration

	FlushInterval   time.Duration
	SendingInterval time.Duration
	SendersCount    int
	IdleInterval    time.Duration
	Backoff         Backoff
	ShutdownGrace   time.Duration

	DeveloperMode            bool
	MaxDeveloperModeInFlight int64

	// Codec encodes records; nil means JSON lines.
	Codec       telemetry.Codec
	Compression compression.Algorithm

	// Sender delivers batches. Nil selects an HTTPSender built from
	// HTTPClient and UserAgent.
	Sender     Sender
	HTTPClient *http.Client
	UserAgent  string

	Now func() time.Time
}

// Channel wires the buffer, storage, flush manager and transmitter.
type Channel struct {
	buffer      *Buffer
	store       *storage.Storage
	flusher     *FlushManager
	transmitter *Transmitter
	log         zerolog.Logger

	endpoint atomic.Pointer[url.URL]

	// modeMu guards developer mode transitions and savedCapacity.
	modeMu        sync.Mutex
	developerMode atomic.Bool
	savedCapacity int

	cancel context.CancelFunc
	closed atomic.Int32
}

// New opens storage and starts the flush timer and the delivery workers.
func New(cfg Config) (*Channel, error) {
	if cfg.MaxBufferCapacity == 0 {
		cfg.MaxBufferCapacity = DefaultMaxBufferCapacity
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Compression == "" {
		cfg.Compression = compression.None
	}
	if !cfg.Compression.IsValid() {
		return nil, invalidf("compression %q", cfg.Compression)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	endpoint, err := parseEndpoint(cfg.EndpointAddress)
	if err != nil {
		return nil, err
	}

	buf, err := NewBuffer(cfg.MaxBufferCapacity)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Root:            cfg.StorageRoot,
		Folder:          cfg.StorageFolder,
		CapacityInBytes: cfg.MaxTransmissionStorageCapacity,
		MaxFiles:        cfg.MaxTransmissionStorageFiles,
		LeaseTimeout:    cfg.LeaseTimeout,
		MinFreeSpace:    cfg.MinFreeSpace,
		Now:             cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	c := &Channel{
		buffer: buf,
		store:  store,
		log:    logger.With("channel").With().Str("folder", store.Folder()).Logger(),
	}
	c.endpoint.Store(endpoint)

	serializer := telemetry.NewSerializer(cfg.Codec, cfg.Compression)

	c.flusher, err = NewFlushManager(buf, store, serializer, cfg.FlushInterval, c.EndpointAddress)
	if err != nil {
		store.Close()
		return nil, err
	}

	sender := cfg.Sender
	if sender == nil {
		hs := NewHTTPSender(cfg.HTTPClient, cfg.UserAgent)
		hs.Now = cfg.Now
		sender = hs
	}
	c.transmitter, err = NewTransmitter(store, sender, TransmitterConfig{
		SendersCount:             cfg.SendersCount,
		SendingInterval:          cfg.SendingInterval,
		IdleInterval:             cfg.IdleInterval,
		Backoff:                  cfg.Backoff,
		ShutdownGrace:            cfg.ShutdownGrace,
		MaxDeveloperModeInFlight: cfg.MaxDeveloperModeInFlight,
		Serializer:               serializer,
		Endpoint:                 c.EndpointAddress,
		Now:                      cfg.Now,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	buf.SetOnFull(c.flusher.Trigger)
	if cfg.DeveloperMode {
		c.SetDeveloperMode(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.flusher.Start(ctx)
	c.transmitter.Start(ctx)

	c.log.Info().
		Str("endpoint", endpoint.String()).
		Str("dir", store.Dir()).
		Int("buffer_capacity", cfg.MaxBufferCapacity).
		Dur("flush_interval", cfg.FlushInterval).
		Msg("channel: started")
	return c, nil
}

// Send hands r to the channel. It never blocks on I/O and never fails:
// records that cannot be buffered are dropped and counted. In developer
// mode r is posted directly instead of being buffered.
func (c *Channel) Send(r telemetry.Record) {
	if c.closed.Load() > 0 {
		sendsAfterCloseTotal.Inc()
		return
	}
	if c.developerMode.Load() {
		c.transmitter.SendForDeveloperMode(r, c.EndpointAddress())
		return
	}
	c.buffer.Enqueue(r)
}

// Flush persists the buffered records now and wakes the delivery workers.
// It returns an error only if persisting failed; it does not wait for
// delivery.
func (c *Channel) Flush(ctx context.Context) error {
	if c.closed.Load() > 0 {
		return ErrClosed
	}
	err := c.flusher.Flush(ctx)
	c.transmitter.ForceImmediateSend()
	return err
}

// Close flushes what is buffered, stops the workers (releasing their
// leases) and closes storage. Only the first call does anything.
func (c *Channel) Close() error {
	if c.closed.Add(1) != 1 {
		return nil
	}
	c.flusher.Stop()
	c.transmitter.Stop()
	c.cancel()
	err := c.store.Close()
	c.log.Info().Msg("channel: closed")
	return err
}

// StorageUniqueFolder is the folder name that identifies the shared queue.
func (c *Channel) StorageUniqueFolder() string {
	return c.store.Folder()
}

// Storage exposes the transmission queue for inspection.
func (c *Channel) Storage() *storage.Storage {
	return c.store
}

// BufferedRecords is the number of records waiting for the next flush.
func (c *Channel) BufferedRecords() int {
	return c.buffer.Len()
}

func (c *Channel) DeveloperMode() bool {
	return c.developerMode.Load()
}

// SetDeveloperMode switches between batched delivery and sending every
// record immediately. Entering developer mode persists what is buffered
// and pins the buffer capacity to 1; leaving restores the configured
// capacity.
func (c *Channel) SetDeveloperMode(on bool) {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	if on == c.developerMode.Load() {
		return
	}
	if on {
		c.savedCapacity = c.buffer.Capacity()
		c.buffer.SetCapacity(1)
		c.developerMode.Store(true)
		c.flusher.Trigger()
	} else {
		c.buffer.SetCapacity(c.savedCapacity)
		c.developerMode.Store(false)
	}
	c.log.Info().Bool("developer_mode", on).Msg("channel: delivery mode changed")
}

// MaxBufferCapacity is the configured batching capacity, which is what
// applies once developer mode is left.
func (c *Channel) MaxBufferCapacity() int {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if c.developerMode.Load() {
		return c.savedCapacity
	}
	return c.buffer.Capacity()
}

func (c *Channel) SetMaxBufferCapacity(n int) error {
	if n < 1 {
		return invalidf("buffer capacity %d, must be at least 1", n)
	}
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if c.developerMode.Load() {
		c.savedCapacity = n
		return nil
	}
	return c.buffer.SetCapacity(n)
}

func (c *Channel) MaxTransmissionStorageCapacity() uint64 {
	return c.store.CapacityInBytes()
}

func (c *Channel) SetMaxTransmissionStorageCapacity(n uint64) error {
	if n == 0 {
		return invalidf("storage capacity must be positive")
	}
	c.store.SetCapacityInBytes(n)
	return nil
}

func (c *Channel) MaxTransmissionStorageFiles() uint32 {
	return c.store.MaxFiles()
}

func (c *Channel) SetMaxTransmissionStorageFiles(n uint32) error {
	if n == 0 {
		return invalidf("storage file limit must be positive")
	}
	c.store.SetMaxFiles(n)
	return nil
}

func (c *Channel) SendingInterval() time.Duration {
	return c.transmitter.SendingInterval()
}

func (c *Channel) SetSendingInterval(d time.Duration) error {
	return c.transmitter.SetSendingInterval(d)
}

func (c *Channel) FlushInterval() time.Duration {
	return c.flusher.FlushDelay()
}

func (c *Channel) SetFlushInterval(d time.Duration) error {
	return c.flusher.SetFlushDelay(d)
}

func (c *Channel) EndpointAddress() string {
	return c.endpoint.Load().String()
}

// SetEndpointAddress changes where new transmissions are delivered.
// Transmissions already persisted keep the endpoint they were flushed
// with. An empty address restores DefaultEndpoint.
func (c *Channel) SetEndpointAddress(addr string) error {
	u, err := parseEndpoint(addr)
	if err != nil {
		return err
	}
	c.endpoint.Store(u)
	return nil
}

func parseEndpoint(addr string) (*url.URL, error) {
	if addr == "" {
		addr = DefaultEndpoint
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, invalidf("endpoint %q: %v", addr, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalidf("endpoint %q must be an absolute http or https URL", addr)
	}
	return u, nil
}
