package wbcache

// writeIO carries one write's payload staged into a full-block scratch
// buffer, together with the mask of sectors it covers.
type writeIO struct {
	data     []byte
	dataBits uint8
}

func initializeWriteIO(wio *writeIO, bio *Bio) {
	offset := bio.offsetInBlock()
	copy(wio.data[int(offset)*SectorSize:], bio.Data)
	wio.dataBits = sectorMask(offset, bio.nrSectors())
}

func (d *Device) processWrite(bio *Bio) MapStatus {
	if d.WriteAroundMode {
		return d.processWriteAround(bio)
	}
	seg, err := d.doProcessWrite(bio)
	if err != nil {
		bio.endio(err)
		return Submitted
	}
	return d.completeProcessWrite(bio, seg)
}

// doProcessWrite stages the bio into the RAM buffer and updates the index.
// On success it returns the segment holding the write position, which still
// carries the inflight reference the caller must drop.
func (d *Device) doProcessWrite(bio *Bio) (*segment, error) {
	data, err := d.buf8.tryAcquire()
	if err != nil {
		return nil, err
	}
	defer d.buf8.release(data)

	wio := writeIO{data: data}
	initializeWriteIO(&wio, bio)

	d.ioLock.Lock()
	defer d.ioLock.Unlock()

	res := d.cacheLookup(bio)

	var writePos *metablock
	if res.found {
		if res.onBuffer {
			writePos = res.foundMB
		} else {
			err := d.prepareOverwrite(res.foundSeg, res.foundMB, &wio)
			d.decInflight(res.foundSeg)
			if err != nil {
				return nil, err
			}
		}
	} else {
		d.mightCancelReadCacheCell(bio)
	}

	if writePos == nil {
		d.mightQueueCurrentBuffer()
		writePos = d.prepareNewWritePos()
	}

	d.writeOnRambuffer(writePos, &wio)

	if d.taintMB(writePos, wio.dataBits) {
		d.incNrDirtyCaches()
	}

	d.ht.register(res.head, writePos, res.key)

	return d.currentSeg, nil
}

// completeProcessWrite drops the write's inflight reference and acknowledges
// the bio. A FUA bio is instead queued as a barrier: its ack is deferred to
// the durability of the segment it was staged into.
func (d *Device) completeProcessWrite(bio *Bio, seg *segment) MapStatus {
	d.decInflight(seg)

	if bio.FUA {
		d.queueBarrierIO(bio)
		return Submitted
	}

	bio.endio(nil)
	return Submitted
}

// prepareOverwrite invalidates the older copy of the key being rewritten.
// When the incoming write leaves some of the old dirty sectors uncovered,
// those sectors are merged forward into the incoming payload first, so no
// newer-than-backing byte is lost. A merge failure leaves the old metablock
// registered and dirty, and surfaces the error to the bio.
func (d *Device) prepareOverwrite(seg *segment, old *metablock, wio *writeIO) error {
	dirt := d.readMBDirtiness(old)

	needsMerge := wio.dataBits != 0xFF && dirt.isDirty && dirt.dataBits&^wio.dataBits != 0

	if needsMerge {
		d.waitForFlushing(seg.id)

		buf, err := d.readMB(seg, old, dirt.dataBits)
		if err != nil {
			return err
		}
		// Newer data takes priority over the merged-forward sectors.
		copyMasked(wio.data, wio.dataBits, buf, dirt.dataBits)
		wio.dataBits |= dirt.dataBits
		d.buf8.release(buf)
	}

	if d.markCleanMB(old) {
		d.decNrDirtyCaches()
	}
	d.ht.del(old)

	return nil
}

// prepareNewWritePos allocates a fresh metablock slot via the cursor.
// Caller must hold ioLock.
func (d *Device) prepareNewWritePos() *metablock {
	mb := &d.currentSeg.mbs[d.mbIdxInSeg(d.advanceCursor())]
	if mb.dirtiness.isDirty {
		panic("wbcache: fresh write position is dirty")
	}
	mb.dirtiness.dataBits = 0
	return mb
}

// writeOnRambuffer copies the staged payload into the metablock's RAM-buffer
// slot. A partial write only touches the sectors it names; the rest of the
// slot keeps whatever it held.
func (d *Device) writeOnRambuffer(mb *metablock, wio *writeIO) {
	slot := d.currentRambuf.mbSlot(d.mbIdxInSeg(mb.idx))
	if wio.dataBits == 0xFF {
		copy(slot, wio.data)
	} else {
		copyMasked(slot, 0, wio.data, wio.dataBits)
	}
}

// mightQueueCurrentBuffer rotates segments when the RAM buffer can't make
// space any more.
// Caller must hold ioLock.
func (d *Device) mightQueueCurrentBuffer() {
	if d.needsQueueSeg() {
		d.queueCurrentBuffer()
	}
}

// processWriteAround invalidates any cached copy and sends the write
// straight to the backing device. No RAM-buffer staging occurs.
func (d *Device) processWriteAround(bio *Bio) MapStatus {
	d.ioLock.Lock()
	res := d.cacheLookup(bio)
	if res.found {
		d.decInflight(res.foundSeg)
		if d.markCleanMB(res.foundMB) {
			d.decNrDirtyCaches()
		}
		d.ht.del(res.foundMB)
	}
	d.mightCancelReadCacheCell(bio)
	d.ioLock.Unlock()

	bio.Dev = d.backing
	return Remapped
}
