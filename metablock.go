package wbcache

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// dirtiness is the per-cache-line dirt state. isDirty means the line needs
// writeback; dataBits names the 512 B sectors holding valid cached bytes.
// While the line is on the RAM buffer both only grow; once flushed they only
// shrink (writeback clears isDirty).
type dirtiness struct {
	isDirty  bool
	dataBits uint8
}

// metablock is the in-memory descriptor of one 4 KiB cache line. Metablocks
// are allocated once at resume and live for the device's lifetime; idx is
// stable and names the line's position on the cache device.
type metablock struct {
	idx uint32

	// sector is the lookup key: the 4 KiB-aligned backing-device sector
	// this line caches. Only meaningful while linked to a hash bucket.
	sector int64

	dirtiness dirtiness

	// Intrusive hash-chain linkage. A metablock is on exactly one chain:
	// a real bucket or the null head (detached).
	next, prev *metablock
	head       *htHead
}

// segment groups the metablocks staged and flushed together. Segments form a
// cyclic array over the cache device; id is reassigned on every lap.
type segment struct {
	id uint64 // 0 denotes invalid; valid ids start at 1

	startIdx    uint32 // dense index of mbs[0], const
	startSector int64  // header block position on the cache device, const

	// length is the number of metablocks holding committed data.
	// Guarded by ioLock.
	length uint32

	nrInflightIOs atomic.Int32

	mbs []metablock
}

// htHead is one hash bucket: the anchor of an intrusive metablock chain.
type htHead struct {
	first *metablock
}

// hashIndex maps 4 KiB-aligned backing sectors to resident metablocks.
// A dedicated null head holds every detached metablock so "not cached" is an
// ordinary chain membership rather than a special case.
type hashIndex struct {
	buckets  []htHead
	nullHead htHead
	mask     uint64
}

// newHashIndex sizes the bucket array to the next power of two >= nrCaches
// so chains stay short at full occupancy.
func newHashIndex(nrCaches uint32) *hashIndex {
	size := uint64(1)
	for size < uint64(nrCaches) {
		size <<= 1
	}
	return &hashIndex{
		buckets: make([]htHead, size),
		mask:    size - 1,
	}
}

// head returns the deterministic bucket for a lookup key.
func (ht *hashIndex) head(sector int64) *htHead {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], uint64(sector))
	return &ht.buckets[xxhash.Sum64(key[:])&ht.mask]
}

// lookup walks the bucket chain for an exact key match.
func (ht *hashIndex) lookup(head *htHead, sector int64) *metablock {
	for mb := head.first; mb != nil; mb = mb.next {
		if mb.sector == sector {
			return mb
		}
	}
	return nil
}

// register links mb into head under the given key, detaching it from
// whatever chain it was on. Callers must have invalidated any prior
// occupant of the key first.
func (ht *hashIndex) register(head *htHead, mb *metablock, sector int64) {
	ht.unlink(mb)
	mb.sector = sector
	ht.link(head, mb)
}

// del detaches mb from its bucket and parks it on the null head.
func (ht *hashIndex) del(mb *metablock) {
	ht.unlink(mb)
	ht.link(&ht.nullHead, mb)
}

func (ht *hashIndex) link(head *htHead, mb *metablock) {
	mb.prev = nil
	mb.next = head.first
	if head.first != nil {
		head.first.prev = mb
	}
	head.first = mb
	mb.head = head
}

func (ht *hashIndex) unlink(mb *metablock) {
	if mb.head == nil {
		return
	}
	if mb.prev != nil {
		mb.prev.next = mb.next
	} else {
		mb.head.first = mb.next
	}
	if mb.next != nil {
		mb.next.prev = mb.prev
	}
	mb.next = nil
	mb.prev = nil
	mb.head = nil
}

// onNullHead reports whether mb is currently detached.
func (ht *hashIndex) onNullHead(mb *metablock) bool {
	return mb.head == &ht.nullHead
}

// mbIdxInSeg converts a dense metablock index to its offset within its segment.
func (d *Device) mbIdxInSeg(idx uint32) uint32 {
	return idx % d.cachesPerSeg
}

// segOf returns the segment owning the metablock with the given dense index.
func (d *Device) segOf(idx uint32) *segment {
	return d.segments[idx/d.cachesPerSeg]
}

// mbStartSector is the first cache-device sector of the metablock's data
// block. The +1 skips the segment header block.
func (d *Device) mbStartSector(seg *segment, idx uint32) int64 {
	return seg.startSector + int64(d.mbIdxInSeg(idx)+1)*SectorsPerBlock
}

// isOnBuffer reports whether the metablock belongs to the currently staged
// segment (its bytes live on the active RAM buffer).
func (d *Device) isOnBuffer(idx uint32) bool {
	start := d.currentSeg.startIdx
	return idx >= start && idx < start+d.cachesPerSeg
}

// taintMB records new dirty sectors on mb. Returns true if the metablock
// flipped clean->dirty, in which case the caller accounts it.
func (d *Device) taintMB(mb *metablock, dataBits uint8) bool {
	if dataBits == 0 {
		panic("wbcache: tainting with empty data bits")
	}
	d.mbLock.Lock()
	defer d.mbLock.Unlock()
	flip := false
	if !mb.dirtiness.isDirty {
		mb.dirtiness.isDirty = true
		flip = true
	}
	mb.dirtiness.dataBits |= dataBits
	return flip
}

// markCleanMB clears the dirty flag. Returns true on a dirty->clean flip.
// dataBits is retained: the sectors still hold valid cached bytes.
func (d *Device) markCleanMB(mb *metablock) bool {
	d.mbLock.Lock()
	defer d.mbLock.Unlock()
	flip := false
	if mb.dirtiness.isDirty {
		mb.dirtiness.isDirty = false
		flip = true
	}
	return flip
}

// readMBDirtiness snapshots the dirt state at this moment.
func (d *Device) readMBDirtiness(mb *metablock) dirtiness {
	d.mbLock.Lock()
	defer d.mbLock.Unlock()
	return mb.dirtiness
}

// resetMBState clears a metablock's dirt state for segment reuse.
func (d *Device) resetMBState(mb *metablock) {
	d.mbLock.Lock()
	defer d.mbLock.Unlock()
	mb.dirtiness = dirtiness{}
}
