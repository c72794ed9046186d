package wbcache

import (
	"errors"
	"fmt"
	"time"
)

// config holds internal configuration
type config struct {
	// Static: fixed for the lifetime of the device.
	SegmentSizeOrder  int  // Segment size is 1<<order sectors (4..11)
	NrRambuf          int  // RAM buffers staged ahead of the flusher
	NrReadCacheCells  int  // Read-cache staging cells
	WriteAroundMode   bool // Bypass write caching entirely
	DirectIO          bool // Open devices with O_DIRECT
	FormatIfNeeded    bool // Format an unrecognized cache device on open
	BarrierDeadline   time.Duration

	// Dynamic: adjustable at runtime via Reconfigure.
	WritebackThreshold     int // Percent dirty at which background writeback starts
	NrMaxBatchedWriteback  int // Segments written back per batch
	UpdateSBRecordInterval int // Seconds between superblock record updates (0 = off)
	SyncDataInterval       int // Seconds between forced syncs (0 = off)
	ReadCacheThreshold     int // Sequentiality limit; 0 disables read promotion
}

// Option configures a Device
type Option interface {
	apply(*config)
}

// funcOpt wraps a function as an Option
type funcOpt func(*config)

func (f funcOpt) apply(c *config) {
	f(c)
}

// WithSegmentSizeOrder sets the segment size to 1<<order sectors (default: 11 = 1 MiB)
// Can only be set for a new cache device (not for existing)
func WithSegmentSizeOrder(order int) Option {
	return funcOpt(func(c *config) {
		c.SegmentSizeOrder = order
	})
}

// WithNrRambuf sets how many segments may be staged in RAM ahead of the
// flusher (default: 64). This is the backpressure bound on the write path.
func WithNrRambuf(n int) Option {
	return funcOpt(func(c *config) {
		c.NrRambuf = n
	})
}

// WithNrReadCacheCells sets the size of the read-cache staging array (default: 2048)
func WithNrReadCacheCells(n int) Option {
	return funcOpt(func(c *config) {
		c.NrReadCacheCells = n
	})
}

// WithWriteAroundMode makes writes bypass the cache and go straight to the
// backing device, invalidating any cached copy (default: false)
func WithWriteAroundMode(enabled bool) Option {
	return funcOpt(func(c *config) {
		c.WriteAroundMode = enabled
	})
}

// WithDirectIO opens the cache and backing devices with O_DIRECT (default: false)
func WithDirectIO(enabled bool) Option {
	return funcOpt(func(c *config) {
		c.DirectIO = enabled
	})
}

// WithFormatIfNeeded formats a cache device whose superblock is not
// recognized instead of failing Open (default: false)
func WithFormatIfNeeded(enabled bool) Option {
	return funcOpt(func(c *config) {
		c.FormatIfNeeded = enabled
	})
}

// WithBarrierDeadline bounds how long a barrier bio may sit idle before a
// segment flush is forced (default: 10ms)
func WithBarrierDeadline(d time.Duration) Option {
	return funcOpt(func(c *config) {
		c.BarrierDeadline = d
	})
}

// WithWritebackThreshold sets the dirtiness percentage at which background
// writeback starts; below it the daemon only writes back when forced (default: 70)
func WithWritebackThreshold(pct int) Option {
	return funcOpt(func(c *config) {
		c.WritebackThreshold = pct
	})
}

// WithNrMaxBatchedWriteback caps segments written back per batch (default: 8)
func WithNrMaxBatchedWriteback(n int) Option {
	return funcOpt(func(c *config) {
		c.NrMaxBatchedWriteback = n
	})
}

// WithUpdateSBRecordInterval sets seconds between superblock record updates (default: 60, 0 = disabled)
func WithUpdateSBRecordInterval(seconds int) Option {
	return funcOpt(func(c *config) {
		c.UpdateSBRecordInterval = seconds
	})
}

// WithSyncDataInterval sets seconds between forced flush+sync cycles (default: 0 = disabled)
func WithSyncDataInterval(seconds int) Option {
	return funcOpt(func(c *config) {
		c.SyncDataInterval = seconds
	})
}

// WithReadCacheThreshold sets the sequentiality limit above which read misses
// are not promoted into the log. 0 disables read promotion entirely (default: 0)
func WithReadCacheThreshold(n int) Option {
	return funcOpt(func(c *config) {
		c.ReadCacheThreshold = n
	})
}

// Common errors
var (
	// ErrNoMem is returned when a bounded scratch pool is exhausted.
	// Callers fail the request rather than block indefinitely.
	ErrNoMem = errors.New("scratch pool exhausted")

	// ErrNotFormatted is returned by Open when the cache device carries no
	// valid superblock and FormatIfNeeded is off.
	ErrNotFormatted = errors.New("cache device not formatted")

	// ErrClosed is returned by Read, Write, WriteFUA and Flush on a closed device.
	ErrClosed = errors.New("device closed")
)

// defaultConfig returns sensible defaults
func defaultConfig() config {
	return config{
		SegmentSizeOrder:       11, // 2048 sectors = 1 MiB
		NrRambuf:               64,
		NrReadCacheCells:       2048,
		WriteAroundMode:        false,
		DirectIO:               false,
		FormatIfNeeded:         false,
		BarrierDeadline:        10 * time.Millisecond,
		WritebackThreshold:     70,
		NrMaxBatchedWriteback:  8,
		UpdateSBRecordInterval: 60,
		SyncDataInterval:       0,
		ReadCacheThreshold:     0,
	}
}

// validate rejects out-of-range configuration at admission.
func (c *config) validate() error {
	if c.SegmentSizeOrder < 4 || c.SegmentSizeOrder > 11 {
		return fmt.Errorf("invalid segment size order %d (want 4..11)", c.SegmentSizeOrder)
	}
	if c.NrRambuf < 1 {
		return fmt.Errorf("invalid nr_rambuf %d (want >= 1)", c.NrRambuf)
	}
	if c.NrReadCacheCells < 1 || c.NrReadCacheCells > 2048 {
		return fmt.Errorf("invalid nr_read_cache_cells %d (want 1..2048)", c.NrReadCacheCells)
	}
	if c.BarrierDeadline <= 0 {
		return fmt.Errorf("invalid barrier deadline %v (want > 0)", c.BarrierDeadline)
	}
	return validateDynamic(c.WritebackThreshold, c.NrMaxBatchedWriteback,
		c.UpdateSBRecordInterval, c.SyncDataInterval, c.ReadCacheThreshold)
}

func validateDynamic(wbThreshold, maxBatched, sbInterval, syncInterval, rcThreshold int) error {
	if wbThreshold < 0 || wbThreshold > 100 {
		return fmt.Errorf("invalid writeback_threshold %d (want 0..100)", wbThreshold)
	}
	if maxBatched < 1 || maxBatched > 32 {
		return fmt.Errorf("invalid nr_max_batched_writeback %d (want 1..32)", maxBatched)
	}
	if sbInterval < 0 || sbInterval > 3600 {
		return fmt.Errorf("invalid update_sb_record_interval %d (want 0..3600)", sbInterval)
	}
	if syncInterval < 0 || syncInterval > 3600 {
		return fmt.Errorf("invalid sync_data_interval %d (want 0..3600)", syncInterval)
	}
	if rcThreshold < 0 || rcThreshold > 127 {
		return fmt.Errorf("invalid read_cache_threshold %d (want 0..127)", rcThreshold)
	}
	return nil
}
