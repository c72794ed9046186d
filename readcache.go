package wbcache

import (
	"math"
	"sync/atomic"

	"github.com/ncw/directio"
	"github.com/zhangyunhao116/skipmap"
)

// readCacheCell is one buffered opportunity to promote a hot read miss into
// the log. Cells are pre-allocated; a batch is dispatched once every cell
// has been reserved and acknowledged.
type readCacheCell struct {
	sector    int64
	data      []byte
	cancelled atomic.Bool
}

// readCacheCells is the staging engine state. The tree orders reserved cells
// by sector so sequential scans can be detected and cancelled both in the
// foreground (as they arrive) and in the background (before injection).
type readCacheCells struct {
	size  uint32
	array []readCacheCell

	// Guarded by ioLock.
	cursor        uint32
	tree          *skipmap.Int64Map[*readCacheCell]
	lastSector    int64
	seqcount      uint32
	overThreshold bool
	threshold     uint32

	ackCount atomic.Int32
}

func newReadCacheCells(n int) *readCacheCells {
	c := &readCacheCells{
		size:       uint32(n),
		array:      make([]readCacheCell, n),
		tree:       skipmap.NewInt64[*readCacheCell](),
		lastSector: math.MinInt64,
		threshold:  math.MaxUint32, // refreshed from the device parameter on reinit
	}
	for i := range c.array {
		c.array[i].data = directio.AlignedBlock(BlockSize)
	}
	return c
}

// cancelRun retroactively cancels the cells of the run just detected:
// they were reserved before the scan was long enough to recognize.
func (c *readCacheCells) cancelRun() {
	last := c.cursor + c.seqcount
	if last > c.size {
		last = c.size
	}
	for i := c.cursor; i < last; i++ {
		c.array[i].cancelled.Store(true)
	}
}

// cancelForeground tracks the forefront read address and cancels cells once
// the run exceeds the threshold. Cancelling here saves the background worker
// a memory copy.
func (c *readCacheCells) cancelForeground(newCell *readCacheCell) {
	if newCell.sector == c.lastSector+SectorsPerBlock {
		c.seqcount++
	} else {
		c.seqcount = 1
		c.overThreshold = false
	}

	if c.seqcount > c.threshold {
		if c.overThreshold {
			newCell.cancelled.Store(true)
		} else {
			c.overThreshold = true
			c.cancelRun()
		}
	}
	c.lastSector = newCell.sector
}

// reserveReadCacheCell claims a cell for a full-block read miss.
// Caller must hold ioLock.
func (d *Device) reserveReadCacheCell(bio *Bio) {
	cells := d.cells

	if d.readCacheThreshold.Load() == 0 {
		return
	}
	if cells.cursor == 0 {
		return
	}

	// Only 4 KiB reads are worth caching: partial promotion would leave
	// the cell unable to serve later hits without the backing device.
	if !bio.fullsize() {
		return
	}

	// The same address needs no second cell: it is either unchanged or
	// already invalidated.
	if _, ok := cells.tree.Load(bio.Sector); ok {
		return
	}

	cells.cursor--
	cell := &cells.array[cells.cursor]
	cell.sector = bio.Sector
	cells.tree.Store(cell.sector, cell)

	bio.pbd = perBioData{kind: pbdWillCache, cellIdx: cells.cursor}

	cells.cancelForeground(cell)
}

// mightCancelReadCacheCell invalidates a pending cell whose address a write
// is about to make stale.
// Caller must hold ioLock.
func (d *Device) mightCancelReadCacheCell(bio *Bio) {
	if cell, ok := d.cells.tree.Load(blockAlign(bio.Sector)); ok {
		cell.cancelled.Store(true)
	}
}

// readCacheCellCopyData is the WILL_CACHE completion callback: it captures
// the payload read from the backing device into the reserved cell. When the
// whole batch has acknowledged, the batch worker is dispatched.
func (d *Device) readCacheCellCopyData(bio *Bio, ioErr error) {
	cells := d.cells
	cell := &cells.array[bio.pbd.cellIdx]

	// Data can be broken. So don't stage.
	if ioErr != nil {
		cell.cancelled.Store(true)
	}

	if !cell.cancelled.Load() {
		copy(cell.data, bio.Data)
	}

	if cells.ackCount.Add(-1) == 0 {
		select {
		case d.readCacheCh <- struct{}{}:
		default:
		}
	}
}

// cancelBackground re-scans the reserved cells in sector order and cancels
// any run longer than the threshold that the foreground detector missed
// (reads of one scan may interleave with unrelated reads).
func (c *readCacheCells) cancelBackground() {
	var run []*readCacheCell
	lastSector := int64(math.MinInt64)

	flush := func() {
		if uint32(len(run)) > c.threshold {
			for _, cell := range run {
				cell.cancelled.Store(true)
			}
		}
	}

	c.tree.Range(func(sector int64, cell *readCacheCell) bool {
		if sector == lastSector+SectorsPerBlock {
			run = append(run, cell)
		} else {
			flush()
			run = run[:0]
			run = append(run, cell)
		}
		lastSector = sector
		return true
	})
	flush()
}

// injectReadCache stages one surviving cell into the log through a
// simplified write path: the promotion is clean (the bytes equal backing),
// so the metablock carries full data bits but no dirt.
func (d *Device) injectReadCache(cell *readCacheCell) {
	d.ioLock.Lock()
	// A foreground write may have invalidated the cell after its data was
	// captured; the copy is now stale.
	if cell.cancelled.Load() {
		d.ioLock.Unlock()
		return
	}

	d.mightQueueCurrentBuffer()

	seg := d.currentSeg
	idxInSeg := d.mbIdxInSeg(d.advanceCursor())

	// Copy into the RAM buffer with the lock held, or a racing write to
	// the same key could land first and then be clobbered by stale bytes.
	copy(d.currentRambuf.mbSlot(idxInSeg), cell.data)

	mb := &seg.mbs[idxInSeg]
	if d.readMBDirtiness(mb).isDirty {
		panic("wbcache: fresh promotion slot is dirty")
	}
	d.mbLock.Lock()
	mb.dirtiness.dataBits = 0xFF
	d.mbLock.Unlock()

	d.ht.register(d.ht.head(cell.sector), mb, cell.sector)
	d.ioLock.Unlock()

	d.decInflight(seg)
}

// readCacheProc drains one full batch of cells into the log.
func (d *Device) readCacheProc() {
	cells := d.cells

	cells.cancelBackground()

	for i := uint32(0); i < cells.size; i++ {
		d.injectReadCache(&cells.array[i])
	}
	d.reinitReadCacheCells()
}

// reinitReadCacheCells resets the engine for the next batch and picks up a
// changed threshold parameter.
func (d *Device) reinitReadCacheCells() {
	cells := d.cells
	for i := range cells.array {
		cells.array[i].cancelled.Store(false)
	}
	cells.ackCount.Store(int32(cells.size))

	d.ioLock.Lock()
	cells.tree = skipmap.NewInt64[*readCacheCell]()
	cells.cursor = cells.size
	if t := uint32(d.readCacheThreshold.Load()); t != 0 && t != cells.threshold {
		cells.threshold = t
		cells.overThreshold = false
	}
	d.ioLock.Unlock()
}

// readCacheWorkerLoop runs batches one at a time; ackCount guarantees at
// most one batch is outstanding.
func (d *Device) readCacheWorkerLoop() error {
	for {
		select {
		case <-d.readCacheCh:
			d.readCacheProc()
		case <-d.stopCh:
			return nil
		}
	}
}
