package wbcache

// subID is saturating subtraction on segment ids: waiting for id 0 always
// succeeds immediately.
func subID(id, n uint64) uint64 {
	if id <= n {
		return 0
	}
	return id - n
}

// lapOf is the ring lap a segment id belongs to. Recovery uses the lap to
// tell a slot's fresh header from a stale one left by the previous traversal.
func (d *Device) lapOf(id uint64) uint32 {
	if id == 0 {
		return 0
	}
	return uint32((id-1)/d.nrSegments + 1)
}

// segmentByID returns the cyclic slot that segment id lives in.
func (d *Device) segmentByID(id uint64) *segment {
	return d.segments[(id-1)%d.nrSegments]
}

// advanceCursor hands out the next metablock slot. The returned dense index
// is the write position; the current segment takes an inflight reference for
// the write until it completes.
// Caller must hold ioLock.
func (d *Device) advanceCursor() uint32 {
	if d.cursor == d.nrCaches {
		d.cursor = 0
	}
	old := d.cursor
	d.cursor++
	d.currentSeg.length++
	if d.currentSeg.length > d.cachesPerSeg {
		panic("wbcache: segment length exceeds capacity")
	}
	d.currentSeg.nrInflightIOs.Add(1)
	return old
}

// needsQueueSeg reports whether the next write would land in metablock 0 of
// a segment that is not yet current, i.e. the RAM buffer is out of space.
// Caller must hold ioLock.
func (d *Device) needsQueueSeg() bool {
	return d.mbIdxInSeg(d.cursor) == 0 && d.cursor != d.currentSeg.startIdx
}

// cursorInit points the cursor at the head of the current segment.
// Caller must hold ioLock.
func (d *Device) cursorInit() {
	d.cursor = d.currentSeg.startIdx
	d.currentSeg.length = 0
}

// countDirtyCachesRemained counts committed metablocks still dirty in seg.
// Any nonzero result during segment reuse is an invariant violation.
func (d *Device) countDirtyCachesRemained(seg *segment) int {
	count := 0
	for i := uint32(0); i < seg.length; i++ {
		if d.readMBDirtiness(&seg.mbs[i]).isDirty {
			count++
		}
	}
	return count
}

// discardCachesInSeg detaches every metablock of seg from the hash index and
// clears its dirt state, making the slot array ready for a new lap.
// Caller must hold ioLock.
func (d *Device) discardCachesInSeg(seg *segment) {
	for i := range seg.mbs {
		mb := &seg.mbs[i]
		d.ht.del(mb)
		d.resetMBState(mb)
	}
}

// acquireNewRambuf waits for the staging slot of segment id to be recycled
// (its previous tenant, segment id - NrRambuf, must have flushed) and zeroes
// the header block.
// Caller must hold ioLock.
func (d *Device) acquireNewRambuf(id uint64) {
	d.waitForFlushing(subID(id, uint64(d.NrRambuf)))

	d.currentRambuf = d.rambufs.forSegment(id)
	clear(d.currentRambuf.headerSlot())
}

// acquireNewSeg establishes segment id as current. All waits complete before
// the slot's identity changes, because waiters key off the old id.
// Caller must hold ioLock.
func (d *Device) acquireNewSeg(id uint64) {
	seg := d.segmentByID(id)

	// The mutex taken guarantees no new I/O lands on this segment;
	// wait out the stragglers.
	d.waitInflightZero(seg)

	d.waitForWriteback(subID(id, d.nrSegments))
	if n := d.countDirtyCachesRemained(seg); n > 0 {
		log.Error("dirty caches remained on segment reuse", "count", n, "id", id)
		panic("wbcache: dirty caches remained on segment reuse")
	}
	d.discardCachesInSeg(seg)

	seg.id = id
	d.currentSeg = seg
}

// prepareNewSeg rotates to the successor of the current segment.
// Caller must hold ioLock.
func (d *Device) prepareNewSeg() {
	nextID := d.currentSeg.id + 1
	d.acquireNewRambuf(nextID)
	d.acquireNewSeg(nextID)
	d.cursorInit()
}

// Wait primitives. Daemons communicate with the foreground through monotonic
// ids guarded by waitMu.

func (d *Device) waitForFlushing(id uint64) {
	d.waitMu.Lock()
	for d.lastFlushedID < id {
		d.flushedCond.Wait()
	}
	d.waitMu.Unlock()
}

func (d *Device) setLastFlushed(id uint64) {
	d.waitMu.Lock()
	d.lastFlushedID = id
	d.waitMu.Unlock()
	d.flushedCond.Broadcast()
}

func (d *Device) readLastFlushed() uint64 {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	return d.lastFlushedID
}

func (d *Device) waitForWriteback(id uint64) {
	// The waiter count makes the writeback daemon run flat out while
	// anyone blocks on segment reuse, regardless of the dirtiness
	// threshold.
	d.writebackWaiters.Add(1)
	d.waitMu.Lock()
	for d.lastWritebackID < id {
		d.writebackCond.Wait()
	}
	d.waitMu.Unlock()
	d.writebackWaiters.Add(-1)
}

func (d *Device) setLastWriteback(id uint64) {
	d.waitMu.Lock()
	d.lastWritebackID = id
	d.waitMu.Unlock()
	d.writebackCond.Broadcast()
}

func (d *Device) readLastWriteback() uint64 {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()
	return d.lastWritebackID
}

// waitInflightZero blocks until every ongoing reference to seg is dropped.
func (d *Device) waitInflightZero(seg *segment) {
	d.waitMu.Lock()
	for seg.nrInflightIOs.Load() != 0 {
		d.inflightCond.Wait()
	}
	d.waitMu.Unlock()
}

// decInflight releases one reference to seg, waking any hand-off waiting on
// the count. The empty lock/unlock pairs the decrement with a waiter that
// checked the count but has not yet parked.
func (d *Device) decInflight(seg *segment) {
	n := seg.nrInflightIOs.Add(-1)
	if n < 0 {
		panic("wbcache: segment inflight underflow")
	}
	if n == 0 {
		d.waitMu.Lock()
		d.waitMu.Unlock() //nolint:staticcheck
		d.inflightCond.Broadcast()
	}
}
