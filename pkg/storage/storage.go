// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage is a disk-backed, quota-bounded queue of transmissions
// shared by every process that opens the same folder.
//
// Each transmission is one file in the folder. The file suffix is its state:
//
//	<id>.trn            pending; mtime is the earliest time it may be sent
//	<id>.<token>.lease  claimed by one worker; mtime is the lease start
//	<id>.<rand>.tmp     being written, or left behind by a crash
//
// Every state change is a rename performed while holding the folder lock
// (an advisory lock on <folder>/.lock plus an in-process mutex), so two
// workers never observe the same pending file. A lease that is not renewed
// within LeaseTimeout is renamed back to pending by the next scan.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/logger"
	"github.com/LeeDigitalWorks/relay/pkg/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultCapacityInBytes = 10 << 20
	DefaultMaxFiles        = 5000
	DefaultLeaseTimeout    = 60 * time.Second
)

const (
	extPending = ".trn"
	extLeased  = ".lease"
	extTemp    = ".tmp"
	lockName   = ".lock"
)

// Config configures Open. Zero values select the defaults.
type Config struct {
	// Root is the parent directory of the folder. Defaults to DefaultRoot().
	Root string
	// Folder names the shared queue. Every Storage opened on the same
	// Root and Folder cooperates on one logical queue.
	Folder string

	CapacityInBytes uint64
	MaxFiles        uint32
	LeaseTimeout    time.Duration

	// MinFreeSpace rejects writes while the volume holding the folder has
	// less free space than this. Nil disables the check.
	MinFreeSpace *utils.FreeSpace

	// Now is the clock used for scheduling and lease ages.
	Now func() time.Time
}

// Storage is safe for concurrent use.
type Storage struct {
	dir          string
	folder       string
	leaseTimeout time.Duration
	minFree      *utils.FreeSpace
	now          func() time.Time
	log          zerolog.Logger

	capacityInBytes atomic.Uint64
	maxFiles        atomic.Uint32

	mu     sync.Mutex
	flock  *folderLock
	closed atomic.Bool
}

// Lease is an exclusive claim on one transmission, returned by PeekNext.
type Lease struct {
	Transmission *Transmission
	AcquiredAt   time.Time

	path string
}

func (l *Lease) ID() ID {
	return l.Transmission.ID
}

// Open creates the folder if needed and returns a Storage bound to it.
func Open(cfg Config) (*Storage, error) {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot()
	}
	if cfg.Folder == "" {
		cfg.Folder = DefaultFolderName()
	}
	if cfg.Folder == "." || cfg.Folder == ".." || strings.ContainsAny(cfg.Folder, `/\`) {
		return nil, fmt.Errorf("invalid storage folder name %q", cfg.Folder)
	}
	if cfg.CapacityInBytes == 0 {
		cfg.CapacityInBytes = DefaultCapacityInBytes
	}
	if cfg.MaxFiles == 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	dir := filepath.Join(utils.ResolvePath(cfg.Root), cfg.Folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage folder: %w", err)
	}
	if err := utils.TestWritableDir(dir); err != nil {
		return nil, fmt.Errorf("storage folder %s not writable: %w", dir, err)
	}

	fl, err := openFolderLock(filepath.Join(dir, lockName))
	if err != nil {
		return nil, err
	}

	s := &Storage{
		dir:          dir,
		folder:       cfg.Folder,
		leaseTimeout: cfg.LeaseTimeout,
		minFree:      cfg.MinFreeSpace,
		now:          cfg.Now,
		log:          logger.With("storage").With().Str("folder", cfg.Folder).Logger(),
		flock:        fl,
	}
	s.capacityInBytes.Store(cfg.CapacityInBytes)
	s.maxFiles.Store(cfg.MaxFiles)
	return s, nil
}

func (s *Storage) Dir() string                 { return s.dir }
func (s *Storage) Folder() string              { return s.folder }
func (s *Storage) LeaseTimeout() time.Duration { return s.leaseTimeout }
func (s *Storage) CapacityInBytes() uint64     { return s.capacityInBytes.Load() }
func (s *Storage) MaxFiles() uint32            { return s.maxFiles.Load() }

// SetCapacityInBytes takes effect on the next Enqueue. Lowering it below
// current usage does not evict anything; new writes are rejected until
// deliveries free enough space.
func (s *Storage) SetCapacityInBytes(n uint64) { s.capacityInBytes.Store(n) }

// SetMaxFiles takes effect on the next Enqueue.
func (s *Storage) SetMaxFiles(n uint32) { s.maxFiles.Store(n) }

// Close releases the folder lock descriptor. Leases still held stay on
// disk and expire normally.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	return s.flock.close()
}

// Enqueue durably persists t as a new pending transmission and returns its
// ID. It fills in ID, CreatedAt and NextAttemptAt when they are zero. The
// quota check and the write happen under the folder lock, so concurrent
// writers from any process cannot overshoot the quota together.
func (s *Storage) Enqueue(ctx context.Context, t *Transmission) (ID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	now := s.now()
	if t.ID == "" {
		t.ID = newID(now)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.NextAttemptAt.IsZero() {
		t.NextAttemptAt = now
	}

	blob, err := encodeBlob(t)
	if err != nil {
		return "", err
	}

	err = s.withLock(func() error {
		entries, err := s.readDir()
		if err != nil {
			return err
		}
		files, size := usage(entries)
		if limit := s.maxFiles.Load(); uint64(files)+1 > uint64(limit) {
			enqueueRejectedTotal.WithLabelValues("files").Inc()
			return fmt.Errorf("%w: %d of %d files in use", ErrQuotaExceeded, files, limit)
		}
		if limit := s.capacityInBytes.Load(); size+uint64(len(blob)) > limit {
			enqueueRejectedTotal.WithLabelValues("bytes").Inc()
			return fmt.Errorf("%w: %s of %s in use, transmission is %s", ErrQuotaExceeded,
				utils.FormatBytes(size), utils.FormatBytes(limit), utils.FormatBytes(uint64(len(blob))))
		}
		if err := s.checkFreeSpace(); err != nil {
			enqueueRejectedTotal.WithLabelValues("disk").Inc()
			return err
		}

		tmp := s.tempPath(t.ID)
		if err := writeDurable(tmp, blob, t.NextAttemptAt); err != nil {
			return err
		}
		if err := os.Rename(tmp, s.pendingPath(t.ID)); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("commit transmission: %w", err)
		}
		if err := syncDir(s.dir); err != nil {
			return fmt.Errorf("sync storage folder: %w", err)
		}

		folderFiles.Set(float64(files + 1))
		folderBytes.Set(float64(size + uint64(len(blob))))
		return nil
	})
	if err != nil {
		return "", err
	}

	enqueuedTotal.Inc()
	return t.ID, nil
}

// PeekNext leases the oldest pending transmission whose NextAttemptAt has
// passed. It returns ErrEmpty when there is none. Expired leases are
// reclaimed first; unreadable files are removed and skipped.
func (s *Storage) PeekNext(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			id       ID
			path     string
			acquired time.Time
		)
		err := s.withLock(func() error {
			now := s.now()
			entries, err := s.readDir()
			if err != nil {
				return err
			}
			entries = s.reclaim(entries, now)

			var next *fileEntry
			for i := range entries {
				e := &entries[i]
				if e.ext != extPending || e.modTime.After(now) {
					continue
				}
				if next == nil || e.id < next.id {
					next = e
				}
			}
			if next == nil {
				return ErrEmpty
			}

			id, path, acquired = next.id, s.leasePath(next.id, uuid.NewString()), now
			if err := os.Rename(s.pendingPath(id), path); err != nil {
				return fmt.Errorf("acquire lease: %w", err)
			}
			// Without a fresh mtime the lease would look expired at once.
			if err := os.Chtimes(path, now, now); err != nil {
				os.Rename(path, s.pendingPath(id))
				return fmt.Errorf("stamp lease: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		leaseOpsTotal.WithLabelValues("acquire").Inc()

		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			leaseOpsTotal.WithLabelValues("lost").Inc()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read transmission %s: %w", id, err)
		}

		t, err := decodeBlob(data)
		if err != nil {
			corruptTotal.Inc()
			s.log.Warn().Err(err).Str("id", string(id)).Msg("storage: removing unreadable transmission")
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("remove corrupt transmission: %w", err)
			}
			continue
		}
		// The file name is authoritative for identity.
		t.ID = id

		return &Lease{Transmission: t, AcquiredAt: acquired, path: path}, nil
	}
}

// Delete permanently removes the leased transmission. It is idempotent: a
// transmission that is already gone is not an error, and one whose lease
// expired and was reclaimed but not yet re-leased is removed as well.
func (s *Storage) Delete(l *Lease) error {
	err := s.withLock(func() error {
		err := os.Remove(l.path)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		err = os.Remove(s.pendingPath(l.ID()))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete transmission %s: %w", l.ID(), err)
	}
	leaseOpsTotal.WithLabelValues("delete").Inc()
	return nil
}

// Release returns the transmission to pending without changing it.
func (s *Storage) Release(l *Lease) error {
	err := s.withLock(func() error {
		return os.Rename(l.path, s.pendingPath(l.ID()))
	})
	return s.leaseResult("release", l, err)
}

// Renew restarts the lease timeout.
func (s *Storage) Renew(l *Lease) error {
	err := s.withLock(func() error {
		now := s.now()
		return os.Chtimes(l.path, now, now)
	})
	return s.leaseResult("renew", l, err)
}

// Reschedule records a failed attempt: it rewrites the transmission with
// the new attempt count and not-before time, then returns it to pending.
func (s *Storage) Reschedule(l *Lease, attempts int, next time.Time) error {
	t := *l.Transmission
	t.Attempts = attempts
	t.NextAttemptAt = next
	blob, err := encodeBlob(&t)
	if err != nil {
		return err
	}

	err = s.withLock(func() error {
		if _, err := os.Stat(l.path); err != nil {
			return err
		}
		tmp := s.tempPath(t.ID)
		if err := writeDurable(tmp, blob, next); err != nil {
			return err
		}
		// Replace the lease first so a crash between the renames leaves
		// a lease that expires, never a pending file next to a lease.
		if err := os.Rename(tmp, l.path); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(l.path, s.pendingPath(t.ID)); err != nil {
			return err
		}
		return syncDir(s.dir)
	})
	if err := s.leaseResult("reschedule", l, err); err != nil {
		return err
	}
	l.Transmission.Attempts = attempts
	l.Transmission.NextAttemptAt = next
	return nil
}

func (s *Storage) leaseResult(op string, l *Lease, err error) error {
	switch {
	case err == nil:
		leaseOpsTotal.WithLabelValues(op).Inc()
		return nil
	case errors.Is(err, fs.ErrNotExist):
		leaseOpsTotal.WithLabelValues("lost").Inc()
		return fmt.Errorf("%s %s: %w", op, l.ID(), ErrLeaseLost)
	default:
		return fmt.Errorf("%s %s: %w", op, l.ID(), err)
	}
}

// Stats summarizes the folder.
type Stats struct {
	Pending         int    `json:"pending" yaml:"pending"`
	Leased          int    `json:"leased" yaml:"leased"`
	Bytes           uint64 `json:"bytes" yaml:"bytes"`
	CapacityInBytes uint64 `json:"capacity_in_bytes" yaml:"capacity_in_bytes"`
	MaxFiles        uint32 `json:"max_files" yaml:"max_files"`
}

func (s Stats) Files() int { return s.Pending + s.Leased }

func (s *Storage) Stats() (Stats, error) {
	if s.closed.Load() {
		return Stats{}, ErrClosed
	}
	entries, err := s.readDir()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		CapacityInBytes: s.capacityInBytes.Load(),
		MaxFiles:        s.maxFiles.Load(),
	}
	for _, e := range entries {
		switch e.ext {
		case extPending:
			st.Pending++
		case extLeased:
			st.Leased++
		default:
			continue
		}
		st.Bytes += uint64(e.size)
	}
	return st, nil
}

// Entry describes one transmission for operators.
type Entry struct {
	ID            ID        `json:"id" yaml:"id"`
	Leased        bool      `json:"leased" yaml:"leased"`
	Size          int64     `json:"size" yaml:"size"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	Attempts      int       `json:"attempts" yaml:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at" yaml:"next_attempt_at"`
	Records       int       `json:"records" yaml:"records"`
	Endpoint      string    `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Corrupt       bool      `json:"corrupt,omitempty" yaml:"corrupt,omitempty"`
}

// List returns every pending and leased transmission in queue order. It
// reads without taking the folder lock, so it is a point-in-time view.
func (s *Storage) List() ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	entries, err := s.readDir()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.ext == extTemp {
			continue
		}
		item := Entry{ID: e.id, Leased: e.ext == extLeased, Size: e.size}
		data, err := os.ReadFile(filepath.Join(s.dir, e.name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t, err := decodeBlob(data); err != nil {
			item.Corrupt = true
		} else {
			item.CreatedAt = t.CreatedAt
			item.Attempts = t.Attempts
			item.NextAttemptAt = t.NextAttemptAt
			item.Records = t.Records
			item.Endpoint = t.Endpoint
		}
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out, nil
}

// Purge removes every pending transmission and leftover temp file and
// returns how many transmissions it removed. Leases in flight are left to
// their holders.
func (s *Storage) Purge() (int, error) {
	removed := 0
	err := s.withLock(func() error {
		entries, err := s.readDir()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.ext == extLeased {
				continue
			}
			if err := os.Remove(filepath.Join(s.dir, e.name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if e.ext == extPending {
				removed++
			}
		}
		return syncDir(s.dir)
	})
	return removed, err
}

func (s *Storage) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.flock.lock(); err != nil {
		return fmt.Errorf("lock storage folder: %w", err)
	}
	defer s.flock.unlock()
	return fn()
}

// reclaim returns expired leases to pending and removes stale temp files.
// Must be called with the folder lock held.
func (s *Storage) reclaim(entries []fileEntry, now time.Time) []fileEntry {
	out := entries[:0]
	for _, e := range entries {
		switch e.ext {
		case extLeased:
			if now.Sub(e.modTime) <= s.leaseTimeout {
				break
			}
			if err := os.Rename(filepath.Join(s.dir, e.name), s.pendingPath(e.id)); err != nil {
				s.log.Warn().Err(err).Str("id", string(e.id)).Msg("storage: reclaim expired lease")
				break
			}
			leaseOpsTotal.WithLabelValues("reclaim").Inc()
			s.log.Info().Str("id", string(e.id)).Dur("age", now.Sub(e.modTime)).Msg("storage: reclaimed expired lease")
			e.name = string(e.id) + extPending
			e.ext = extPending
		case extTemp:
			if now.Sub(e.modTime) <= s.leaseTimeout {
				break
			}
			if err := os.Remove(filepath.Join(s.dir, e.name)); err == nil || errors.Is(err, fs.ErrNotExist) {
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func (s *Storage) checkFreeSpace() error {
	if s.minFree == nil {
		return nil
	}
	free, total, err := diskSpace(s.dir)
	if err != nil || total == 0 {
		// Unknown free space never blocks writes.
		return nil
	}
	if low, msg := s.minFree.IsLow(free, float32(free)*100/float32(total)); low {
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	}
	return nil
}

func (s *Storage) pendingPath(id ID) string {
	return filepath.Join(s.dir, string(id)+extPending)
}

func (s *Storage) leasePath(id ID, token string) string {
	return filepath.Join(s.dir, string(id)+"."+token+extLeased)
}

func (s *Storage) tempPath(id ID) string {
	return filepath.Join(s.dir, string(id)+"."+uuid.NewString()[:8]+extTemp)
}

type fileEntry struct {
	name    string
	id      ID
	ext     string
	size    int64
	modTime time.Time
}

func parseName(name string) (ID, string, bool) {
	ext := filepath.Ext(name)
	switch ext {
	case extPending, extLeased, extTemp:
	default:
		return "", "", false
	}
	id, _, _ := strings.Cut(name, ".")
	if id == "" {
		return "", "", false
	}
	return ID(id), ext, true
}

func (s *Storage) readDir() ([]fileEntry, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage folder: %w", err)
	}

	entries := make([]fileEntry, 0, len(des))
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		id, ext, ok := parseName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// Renamed or removed by another process since ReadDir.
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, fileEntry{
			name:    de.Name(),
			id:      id,
			ext:     ext,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return entries, nil
}

// usage counts the transmissions the quota applies to.
func usage(entries []fileEntry) (files int, size uint64) {
	for _, e := range entries {
		if e.ext == extPending || e.ext == extLeased {
			files++
			size += uint64(e.size)
		}
	}
	return files, size
}

// writeDurable creates path with data, flushes it to stable storage and
// stamps its mtime.
func writeDurable(path string, data []byte, mtime time.Time) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create transmission file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write transmission: %w", err)
	}
	if err := fdatasync(f); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync transmission: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		os.Remove(path)
		return fmt.Errorf("stamp transmission: %w", err)
	}
	return nil
}
