// Package wbcache implements a log-structured block cache: a fast cache
// device absorbs writes into a circular sequence of fixed-size segments and
// a hash index maps backing-device addresses to the cached copies, which a
// background daemon eventually writes back.
package wbcache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ncw/directio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const scratchPoolCapacity = 16

// Device is a virtual block device stacked over a slow backing device and a
// fast cache device. All state hangs off the instance; the write path's
// single mutex plus one lock for dirtiness transitions is the entire
// synchronization surface of the core.
type Device struct {
	config

	backing *DeviceFile
	cache   *DeviceFile

	// Geometry, fixed at Open.
	segSizeSectors int64
	nrSegments     uint64
	cachesPerSeg   uint32
	nrCaches       uint32

	segments []*segment
	ht       *hashIndex

	// ioLock serializes the write path, the read-path index update
	// region, and segment hand-off. mbLock guards dirtiness transitions
	// only and is never held across I/O.
	ioLock sync.Mutex
	mbLock sync.Mutex

	cursor        uint32 // guarded by ioLock
	currentSeg    *segment
	currentRambuf *rambuf
	rambufs       *rambufRing

	buf1 *bufPool // 512 B scratch
	buf8 *bufPool // 4 KiB scratch

	// Daemons communicate via condition variables over monotonic ids.
	waitMu           sync.Mutex
	flushedCond      *sync.Cond
	writebackCond    *sync.Cond
	inflightCond     *sync.Cond
	dropCond         *sync.Cond
	lastFlushedID    uint64 // guarded by waitMu
	lastWritebackID  uint64 // guarded by waitMu
	writebackWaiters atomic.Int32

	nrDirtyCaches atomic.Int64
	forceDrop     atomic.Bool

	// Dynamic parameters, updated via Reconfigure.
	writebackThreshold     atomic.Int32
	nrMaxBatchedWriteback  atomic.Int32
	updateSBRecordInterval atomic.Int32
	syncDataInterval       atomic.Int32
	readCacheThreshold     atomic.Int32

	wbLimiter *rate.Limiter

	barrierMu     sync.Mutex
	barrierIOs    []*Bio
	barrierTimer  *time.Timer
	barrierWakeCh chan struct{}

	flushCh chan flushJob

	cells       *readCacheCells
	readCacheCh chan struct{}

	stat                statGrid
	countNonFullFlushed atomic.Uint64

	bgError atomic.Pointer[error]

	stopCh        chan struct{}
	flusherStopCh chan struct{}
	g             errgroup.Group
	flusherG      errgroup.Group
	closed        atomic.Bool
}

// Open assembles a Device over the given backing and cache files, resumes
// the persisted log state, and starts the background daemons.
func Open(backingPath, cachePath string, opts ...Option) (*Device, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	backing, err := OpenDeviceFile(backingPath, cfg.DirectIO)
	if err != nil {
		return nil, fmt.Errorf("opening backing device: %w", err)
	}
	cache, err := OpenDeviceFile(cachePath, cfg.DirectIO)
	if err != nil {
		_ = backing.Close()
		return nil, fmt.Errorf("opening cache device: %w", err)
	}

	d, err := assemble(cfg, backing, cache)
	if err != nil {
		_ = backing.Close()
		_ = cache.Close()
		return nil, err
	}

	if err := d.resumeCache(); err != nil {
		_ = backing.Close()
		_ = cache.Close()
		return nil, err
	}

	d.start()

	// Acquire the successor of the recovered head. This may wait on the
	// writeback daemon when the replayed backlog wraps the ring, so the
	// daemons must already be running.
	d.ioLock.Lock()
	headID := d.readLastFlushed() + 1
	d.acquireNewRambuf(headID)
	d.acquireNewSeg(headID)
	d.cursorInit()
	d.ioLock.Unlock()

	d.reinitReadCacheCells()

	return d, nil
}

func assemble(cfg config, backing, cache *DeviceFile) (*Device, error) {
	segSizeSectors := int64(1) << cfg.SegmentSizeOrder
	if cache.Sectors() < 2*segSizeSectors {
		return nil, fmt.Errorf("cache device too small: %d sectors, need at least %d",
			cache.Sectors(), 2*segSizeSectors)
	}
	nrSegments := uint64(cache.Sectors()/segSizeSectors) - 1
	cachesPerSeg := uint32(segSizeSectors/SectorsPerBlock) - 1
	nrCaches := uint32(nrSegments) * cachesPerSeg

	d := &Device{
		config:         cfg,
		backing:        backing,
		cache:          cache,
		segSizeSectors: segSizeSectors,
		nrSegments:     nrSegments,
		cachesPerSeg:   cachesPerSeg,
		nrCaches:       nrCaches,
		ht:             newHashIndex(nrCaches),
		rambufs:        newRambufRing(cfg.NrRambuf, int(cachesPerSeg+1)*BlockSize),
		buf1:           newBufPool(scratchPoolCapacity, SectorSize),
		buf8:           newBufPool(scratchPoolCapacity, BlockSize),
		wbLimiter:      rate.NewLimiter(rate.Limit(20), 1),
		flushCh:        make(chan flushJob, cfg.NrRambuf),
		cells:          newReadCacheCells(cfg.NrReadCacheCells),
		readCacheCh:    make(chan struct{}, 1),
		barrierWakeCh:  make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		flusherStopCh:  make(chan struct{}),
	}
	d.flushedCond = sync.NewCond(&d.waitMu)
	d.writebackCond = sync.NewCond(&d.waitMu)
	d.inflightCond = sync.NewCond(&d.waitMu)
	d.dropCond = sync.NewCond(&d.waitMu)

	d.writebackThreshold.Store(int32(cfg.WritebackThreshold))
	d.nrMaxBatchedWriteback.Store(int32(cfg.NrMaxBatchedWriteback))
	d.updateSBRecordInterval.Store(int32(cfg.UpdateSBRecordInterval))
	d.syncDataInterval.Store(int32(cfg.SyncDataInterval))
	d.readCacheThreshold.Store(int32(cfg.ReadCacheThreshold))

	d.segments = make([]*segment, nrSegments)
	for i := uint64(0); i < nrSegments; i++ {
		seg := &segment{
			startIdx:    uint32(i) * cachesPerSeg,
			startSector: segSizeSectors * int64(i+1),
			mbs:         make([]metablock, cachesPerSeg),
		}
		for j := range seg.mbs {
			seg.mbs[j].idx = seg.startIdx + uint32(j)
		}
		d.segments[i] = seg
	}

	return d, nil
}

func (d *Device) start() {
	d.flusherG.Go(d.flusherLoop)
	d.g.Go(d.readCacheWorkerLoop)
	d.g.Go(d.barrierWorkerLoop)
	d.g.Go(d.writebackLoop)
	d.g.Go(d.recorderLoop)
	d.g.Go(d.syncLoop)
}

// Close flushes the transient data, stops the daemons, persists a final
// superblock record, and releases the devices.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.flushCurrentBuffer()

	// Stop the producers of flush jobs first; the flusher keeps running
	// until they are all gone, then drains what remains.
	close(d.stopCh)
	bgErr := d.g.Wait()

	close(d.flusherStopCh)
	flErr := d.flusherG.Wait()

	recErr := d.writeSuperblockRecord(directio.AlignedBlock(SectorSize))

	return errors.Join(
		bgErr,
		flErr,
		recErr,
		d.cache.Sync(),
		d.backing.Sync(),
		d.cache.Close(),
		d.backing.Close(),
	)
}

// reportError records the first background failure. The device keeps
// serving what it can but stops pretending to be healthy.
func (d *Device) reportError(err error) {
	if d.bgError.CompareAndSwap(nil, &err) {
		log.Error("entering degraded mode", "error", err)
	}
}

// BGError returns any background error (nil if healthy).
// Once set, this is permanent until the device is reopened.
func (d *Device) BGError() error {
	if ptr := d.bgError.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (d *Device) incNrDirtyCaches() {
	d.nrDirtyCaches.Add(1)
}

func (d *Device) decNrDirtyCaches() {
	n := d.nrDirtyCaches.Add(-1)
	if n < 0 {
		panic("wbcache: dirty cache count underflow")
	}
	if n == 0 {
		d.waitMu.Lock()
		d.waitMu.Unlock() //nolint:staticcheck
		d.dropCond.Broadcast()
	}
}

// lookupResult is the outcome of one index probe. On a hit the found
// segment carries an inflight reference the caller must drop.
type lookupResult struct {
	head *htHead
	key  int64

	foundSeg *segment
	foundMB  *metablock

	found    bool
	onBuffer bool
}

// cacheLookup probes the index for the bio's 4 KiB-aligned key.
// Caller must hold ioLock.
func (d *Device) cacheLookup(bio *Bio) lookupResult {
	res := lookupResult{key: blockAlign(bio.Sector)}
	res.head = d.ht.head(res.key)
	res.foundMB = d.ht.lookup(res.head, res.key)
	if res.foundMB != nil {
		res.foundSeg = d.segOf(res.foundMB.idx)
		res.foundSeg.nrInflightIOs.Add(1)
		res.found = true
		res.onBuffer = d.isOnBuffer(res.foundMB.idx)
	}
	d.incStat(bio.Op == BioWrite, res.found, res.onBuffer, bio.fullsize())
	return res
}

// Map routes one bio. Remapped bios have Dev and Sector rewritten; the host
// performs the I/O there and then calls EndIO. Submitted bios complete
// through Wait.
func (d *Device) Map(bio *Bio) MapStatus {
	bio.pbd = perBioData{}

	if bio.Flush {
		return d.processFlushBio(bio)
	}
	if bio.Op == BioWrite {
		return d.processWrite(bio)
	}
	return d.processRead(bio)
}

// EndIO completes a remapped bio, dispatching on the tag Map recorded in
// the per-bio area.
func (d *Device) EndIO(bio *Bio, ioErr error) {
	switch bio.pbd.kind {
	case pbdNone:
	case pbdWillCache:
		d.readCacheCellCopyData(bio, ioErr)
	case pbdReadSeg:
		d.decInflight(bio.pbd.seg)
	}
}

// submit runs a bio to completion, performing the device I/O of remapped
// bios on the caller's thread.
func (d *Device) submit(bio *Bio) error {
	if d.closed.Load() {
		return ErrClosed
	}
	switch d.Map(bio) {
	case Remapped:
		var err error
		if bio.Op == BioWrite {
			err = bio.Dev.WriteSectors(bio.Data, bio.Sector)
			if err == nil && bio.FUA {
				err = bio.Dev.Sync()
			}
		} else {
			err = bio.Dev.ReadSectors(bio.Data, bio.Sector)
		}
		d.EndIO(bio, err)
		return err
	default:
		return bio.Wait()
	}
}

func checkBioRange(sector int64, data []byte) error {
	if len(data) == 0 || len(data)%SectorSize != 0 {
		return fmt.Errorf("payload must cover whole sectors, got %d bytes", len(data))
	}
	count := len(data) / SectorSize
	offset := int(sector & (SectorsPerBlock - 1))
	if offset+count > SectorsPerBlock {
		return fmt.Errorf("payload crosses a 4 KiB block boundary (sector %d, %d sectors)", sector, count)
	}
	return nil
}

// Write stores data at the given sector address.
func (d *Device) Write(sector int64, data []byte) error {
	if err := checkBioRange(sector, data); err != nil {
		return err
	}
	return d.submit(NewWriteBio(sector, data))
}

// WriteFUA stores data and does not return until it is durable.
func (d *Device) WriteFUA(sector int64, data []byte) error {
	if err := checkBioRange(sector, data); err != nil {
		return err
	}
	bio := NewWriteBio(sector, data)
	bio.FUA = true
	return d.submit(bio)
}

// Read fills data from the given sector address.
func (d *Device) Read(sector int64, data []byte) error {
	if err := checkBioRange(sector, data); err != nil {
		return err
	}
	return d.submit(NewReadBio(sector, data))
}

// Flush issues a barrier: it returns once every previously acknowledged
// write is durable on the cache device.
func (d *Device) Flush() error {
	return d.submit(NewFlushBio())
}

// DropCaches forces writeback of everything dirty and blocks until no dirty
// cache line remains.
func (d *Device) DropCaches() error {
	d.forceDrop.Store(true)
	defer d.forceDrop.Store(false)

	d.flushCurrentBuffer()

	d.waitMu.Lock()
	for d.nrDirtyCaches.Load() != 0 {
		d.dropCond.Wait()
	}
	d.waitMu.Unlock()
	return nil
}

// Reconfigure adjusts one dynamic parameter at runtime. Static keys and
// out-of-range values are rejected without touching existing state.
func (d *Device) Reconfigure(key string, value int) error {
	switch key {
	case "writeback_threshold":
		if value < 0 || value > 100 {
			return fmt.Errorf("invalid writeback_threshold %d (want 0..100)", value)
		}
		d.writebackThreshold.Store(int32(value))
	case "nr_max_batched_writeback":
		if value < 1 || value > 32 {
			return fmt.Errorf("invalid nr_max_batched_writeback %d (want 1..32)", value)
		}
		d.nrMaxBatchedWriteback.Store(int32(value))
	case "update_sb_record_interval":
		if value < 0 || value > 3600 {
			return fmt.Errorf("invalid update_sb_record_interval %d (want 0..3600)", value)
		}
		d.updateSBRecordInterval.Store(int32(value))
	case "sync_data_interval":
		if value < 0 || value > 3600 {
			return fmt.Errorf("invalid sync_data_interval %d (want 0..3600)", value)
		}
		d.syncDataInterval.Store(int32(value))
	case "read_cache_threshold":
		if value < 0 || value > 127 {
			return fmt.Errorf("invalid read_cache_threshold %d (want 0..127)", value)
		}
		d.readCacheThreshold.Store(int32(value))
	case "write_around_mode", "nr_read_cache_cells":
		return fmt.Errorf("%s is static and cannot be changed at runtime", key)
	default:
		return fmt.Errorf("unknown option %q", key)
	}
	return nil
}
