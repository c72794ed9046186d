package wbcache

import (
	"time"

	"github.com/wbcache/wbcache/metadata"
)

// flushJob hands one staged segment to the single-writer flusher. Barrier
// bios queued while the segment was current ride along and are released on
// its durability.
type flushJob struct {
	seg      *segment
	buf      *rambuf
	barriers []*Bio
}

// queueBarrierIO defers a barrier (pure-flush or FUA) bio to the next flush
// job. The deadline timer bounds how long the bio may sit if no write
// traffic forces a hand-off.
func (d *Device) queueBarrierIO(bio *Bio) {
	d.barrierMu.Lock()
	d.barrierIOs = append(d.barrierIOs, bio)
	if d.barrierTimer == nil {
		d.barrierTimer = time.AfterFunc(d.BarrierDeadline, d.barrierDeadlineExpired)
	}
	d.barrierMu.Unlock()
}

// barrierDeadlineExpired runs on the timer goroutine; the actual hand-off is
// done by the barrier worker so shutdown can drain it like any other daemon.
func (d *Device) barrierDeadlineExpired() {
	select {
	case d.barrierWakeCh <- struct{}{}:
	default:
	}
}

// barrierWorkerLoop realizes deadline-expired barriers by forcing a segment
// hand-off.
func (d *Device) barrierWorkerLoop() error {
	for {
		select {
		case <-d.barrierWakeCh:
			d.flushCurrentBuffer()
		case <-d.stopCh:
			return nil
		}
	}
}

// drainBarriers atomically takes ownership of the queued barrier bios.
func (d *Device) drainBarriers() []*Bio {
	d.barrierMu.Lock()
	bios := d.barrierIOs
	d.barrierIOs = nil
	if d.barrierTimer != nil {
		d.barrierTimer.Stop()
		d.barrierTimer = nil
	}
	d.barrierMu.Unlock()
	return bios
}

// processFlushBio queues a payload-less barrier bio. Its ack is deferred to
// the durability of the current segment.
func (d *Device) processFlushBio(bio *Bio) MapStatus {
	d.queueBarrierIO(bio)
	return Submitted
}

// prepareSegmentHeader renders the current segment's on-disk header into the
// RAM buffer's header slot. Clean metablocks (read-cache promotions, or
// lines already written back) record zero dirty bits so resume skips them.
// Caller must hold ioLock.
func (d *Device) prepareSegmentHeader() {
	seg := d.currentSeg
	lap := d.lapOf(seg.id)
	h := metadata.SegmentHeader{
		ID:     seg.id,
		Length: uint8(seg.length),
		Lap:    lap,
	}
	h.Records = make([]metadata.MBRecord, seg.length)
	for i := uint32(0); i < seg.length; i++ {
		mb := &seg.mbs[i]
		dirt := d.readMBDirtiness(mb)
		rec := metadata.MBRecord{KeySector: uint64(mb.sector), Lap: lap}
		if dirt.isDirty {
			rec.DirtyBits = dirt.dataBits
		}
		h.Records[i] = rec
	}
	if err := metadata.EncodeSegmentHeader(d.currentRambuf.headerSlot(), h); err != nil {
		panic("wbcache: segment header does not fit its block: " + err.Error())
	}
}

// queueFlushJob seals the current RAM buffer and hands it to the flusher.
// Caller must hold ioLock.
func (d *Device) queueFlushJob() {
	d.waitInflightZero(d.currentSeg)

	d.prepareSegmentHeader()
	if d.currentSeg.length < d.cachesPerSeg {
		d.countNonFullFlushed.Add(1)
	}

	// Outstanding jobs are bounded by the RAM-buffer ring: segment
	// id - NrRambuf must have flushed before its buffer was reacquired,
	// so this send cannot block for long.
	d.flushCh <- flushJob{
		seg:      d.currentSeg,
		buf:      d.currentRambuf,
		barriers: d.drainBarriers(),
	}
}

// queueCurrentBuffer rotates the log: the current buffer goes to the
// flusher and the successor segment becomes current.
// Caller must hold ioLock.
func (d *Device) queueCurrentBuffer() {
	d.queueFlushJob()
	d.prepareNewSeg()
}

// flushCurrentBuffer flushes out all transient data at a moment, then waits
// for it to be durable on the cache device.
func (d *Device) flushCurrentBuffer() {
	d.ioLock.Lock()
	oldID := d.currentSeg.id
	d.queueCurrentBuffer()
	d.ioLock.Unlock()

	d.waitForFlushing(oldID)
}

// flusherLoop is the single writer persisting staged segments, in id order.
// It has its own stop channel, closed only after every producer of flush
// jobs has finished, so a late hand-off can never be stranded.
func (d *Device) flusherLoop() error {
	for {
		select {
		case job := <-d.flushCh:
			d.flushJobProc(job)
		case <-d.flusherStopCh:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case job := <-d.flushCh:
					d.flushJobProc(job)
				default:
					return nil
				}
			}
		}
	}
}

func (d *Device) flushJobProc(job flushJob) {
	n := (int(job.seg.length) + 1) * BlockSize
	err := d.cache.WriteSectors(job.buf.data[:n], job.seg.startSector)
	if err == nil && len(job.barriers) > 0 {
		// Barriers ack durability, not just submission.
		err = d.cache.Sync()
	}
	if err != nil {
		// The log cannot make progress without this segment; record the
		// failure and release waiters so the device degrades instead of
		// wedging.
		d.reportError(err)
	}

	d.setLastFlushed(job.seg.id)

	for _, bio := range job.barriers {
		bio.endio(err)
	}
}
