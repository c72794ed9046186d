package wbcache

import "sync/atomic"

// The statistics grid counts I/Os by the four booleans that classify them.
// Each combination gets its own bucket, mirroring how the counters are
// reported: write?, hit?, on RAM buffer?, full 4 KiB?
const (
	statWrite = 1 << iota
	statHit
	statOnBuffer
	statFullsize

	statLen = 1 << 4
)

type statGrid [statLen]atomic.Uint64

func (s *statGrid) inc(write, found, onBuffer, fullsize bool) {
	i := 0
	if write {
		i |= statWrite
	}
	if found {
		i |= statHit
	}
	if onBuffer {
		i |= statOnBuffer
	}
	if fullsize {
		i |= statFullsize
	}
	s[i].Add(1)
}

func (s *statGrid) clear() {
	for i := range s {
		s[i].Store(0)
	}
}

func (s *statGrid) snapshot() [statLen]uint64 {
	var out [statLen]uint64
	for i := range s {
		out[i] = s[i].Load()
	}
	return out
}

func (d *Device) incStat(write, found, onBuffer, fullsize bool) {
	d.stat.inc(write, found, onBuffer, fullsize)
}

// Stats is a point-in-time snapshot of the device counters.
type Stats struct {
	Cursor          uint32
	NrCaches        uint32
	NrSegments      uint64
	CurrentID       uint64
	LastFlushedID   uint64
	LastWritebackID uint64
	NrDirtyCaches   int64

	// Grid is indexed by (write | hit<<1 | on_buffer<<2 | fullsize<<3).
	Grid [statLen]uint64

	CountNonFullFlushed uint64
}

// Stats returns a snapshot of the device counters.
func (d *Device) Stats() Stats {
	d.ioLock.Lock()
	cursor := d.cursor
	currentID := d.currentSeg.id
	d.ioLock.Unlock()

	return Stats{
		Cursor:              cursor,
		NrCaches:            d.nrCaches,
		NrSegments:          d.nrSegments,
		CurrentID:           currentID,
		LastFlushedID:       d.readLastFlushed(),
		LastWritebackID:     d.readLastWriteback(),
		NrDirtyCaches:       d.nrDirtyCaches.Load(),
		Grid:                d.stat.snapshot(),
		CountNonFullFlushed: d.countNonFullFlushed.Load(),
	}
}

// ClearStat zeroes the statistics counters.
func (d *Device) ClearStat() {
	d.stat.clear()
	d.countNonFullFlushed.Store(0)
}
