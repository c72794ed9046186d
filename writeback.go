package wbcache

import (
	"time"
)

// The writeback daemon drains persisted segments to the backing device in id
// order. Below the dirtiness threshold it idles; over the threshold it is
// paced by a rate limiter. Under segment pressure, while someone waits on
// segment reuse, or during drop_caches it runs flat out regardless of the
// threshold, since the write path blocks on segment reuse otherwise.

const writebackPollInterval = 20 * time.Millisecond

func (d *Device) writebackLoop() error {
	ticker := time.NewTicker(writebackPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			// Drain the flushed backlog before exiting so nothing
			// still waiting on segment reuse is stranded.
			if err := d.drainWriteback(); err != nil {
				d.reportError(err)
				return err
			}
			return nil
		case <-ticker.C:
			if err := d.writebackOnce(); err != nil {
				d.reportError(err)
				return err
			}
		}
	}
}

// drainWriteback writes back every flushed segment unconditionally.
func (d *Device) drainWriteback() error {
	for {
		last := d.readLastFlushed()
		next := d.readLastWriteback() + 1
		if next > last {
			return nil
		}
		if err := d.writebackRange(next, last); err != nil {
			return err
		}
	}
}

// dirtyPct is the percentage of cache lines holding not-yet-written-back data.
func (d *Device) dirtyPct() int {
	return int(d.nrDirtyCaches.Load() * 100 / int64(d.nrCaches))
}

// segmentPressure reports whether enough of the ring is waiting for
// writeback that the write path may soon block on segment reuse.
func (d *Device) segmentPressure(next, last uint64) bool {
	return last-next+1 > d.nrSegments/2
}

func (d *Device) writebackOnce() error {
	last := d.readLastFlushed()
	next := d.readLastWriteback() + 1
	if next > last {
		return nil
	}

	forced := d.forceDrop.Load() || d.writebackWaiters.Load() > 0 ||
		d.segmentPressure(next, last)
	if !forced {
		if d.dirtyPct() < int(d.writebackThreshold.Load()) {
			return nil
		}
		if !d.wbLimiter.Allow() {
			return nil
		}
	}

	end := next + uint64(d.nrMaxBatchedWriteback.Load()) - 1
	if end > last {
		end = last
	}
	return d.writebackRange(next, end)
}

func (d *Device) writebackRange(next, end uint64) error {
	for id := next; id <= end; id++ {
		if err := d.writebackSegment(d.segmentByID(id)); err != nil {
			return err
		}
	}
	if err := d.backing.Sync(); err != nil {
		return err
	}
	d.setLastWriteback(end)
	return nil
}

// writebackSegment copies every dirty sector of a flushed segment from the
// cache device to the backing device and marks the lines clean. Data bits
// are retained: the sectors still hold valid cached bytes for reads.
func (d *Device) writebackSegment(seg *segment) error {
	for i := uint32(0); i < seg.length; i++ {
		mb := &seg.mbs[i]
		dirt := d.readMBDirtiness(mb)
		if !dirt.isDirty {
			continue
		}

		if err := d.writebackMB(seg, mb, dirt.dataBits); err != nil {
			return err
		}

		if d.markCleanMB(mb) {
			d.decNrDirtyCaches()
		}
	}
	return nil
}

// writebackMB moves one cache line's dirty sectors to the backing device.
// A fully dirty line moves as one 4 KiB transfer; a partial one moves
// sector by sector through the small scratch pool.
func (d *Device) writebackMB(seg *segment, mb *metablock, dataBits uint8) error {
	start := d.mbStartSector(seg, mb.idx)

	if dataBits == 0xFF {
		buf, err := d.acquireBackground(d.buf8)
		if err != nil {
			return err
		}
		defer d.buf8.release(buf)
		if err := d.cache.ReadSectors(buf, start); err != nil {
			return err
		}
		return d.backing.WriteSectors(buf, mb.sector)
	}

	buf, err := d.acquireBackground(d.buf1)
	if err != nil {
		return err
	}
	defer d.buf1.release(buf)
	for i := 0; i < SectorsPerBlock; i++ {
		if dataBits&(1<<i) == 0 {
			continue
		}
		if err := d.cache.ReadSectors(buf, start+int64(i)); err != nil {
			return err
		}
		if err := d.backing.WriteSectors(buf, mb.sector+int64(i)); err != nil {
			return err
		}
	}
	return nil
}

// acquireBackground obtains a scratch buffer for a background daemon.
// Unlike the foreground, daemons may briefly wait out pool exhaustion
// instead of failing the operation. Every acquired buffer is returned, so
// the wait is always short.
func (d *Device) acquireBackground(pool *bufPool) ([]byte, error) {
	for {
		buf, err := pool.tryAcquire()
		if err == nil {
			return buf, nil
		}
		time.Sleep(time.Millisecond)
	}
}
