package wbcache

// processRead serves a read bio from the RAM buffer, the cache device, or
// the backing device. Partial hits are synthesized by reading the backing
// device and overlaying the cached sectors; they are never served purely
// from cache.
func (d *Device) processRead(bio *Bio) MapStatus {
	d.ioLock.Lock()
	res := d.cacheLookup(bio)
	if !res.found {
		d.reserveReadCacheCell(bio)
	}
	rbuf := d.currentRambuf
	d.ioLock.Unlock()

	if !res.found {
		bio.Dev = d.backing
		return Remapped
	}

	dirt := d.readMBDirtiness(res.foundMB)

	if res.onBuffer {
		// The inflight reference taken by the lookup keeps the segment
		// (and with it rbuf) staged until we are done.
		var err error
		if dirt.dataBits != 0xFF {
			err = d.fillPayloadByBacking(bio)
		}
		if err == nil && dirt.dataBits != 0 {
			copyToPayload(bio, rbuf.mbSlot(d.mbIdxInSeg(res.foundMB.idx)), dirt.dataBits)
		}
		d.decInflight(res.foundSeg)
		bio.endio(err)
		return Submitted
	}

	// Reads may not race ahead of their own segment's flush: without this
	// we might read stale bytes from the cache device.
	d.waitForFlushing(res.foundSeg.id)

	if dirt.dataBits != 0xFF {
		err := d.fillPayloadByBacking(bio)
		if err == nil && dirt.isDirty {
			buf, rerr := d.readMB(res.foundSeg, res.foundMB, dirt.dataBits)
			if rerr != nil {
				err = rerr
			} else {
				copyToPayload(bio, buf, dirt.dataBits)
				d.buf8.release(buf)
			}
		}
		d.decInflight(res.foundSeg)
		bio.endio(err)
		return Submitted
	}

	// Full-block hit on a flushed segment: serve directly from the cache
	// device. The segment keeps its inflight reference until EndIO.
	bio.pbd = perBioData{kind: pbdReadSeg, seg: res.foundSeg}
	bio.Dev = d.cache
	bio.Sector = d.mbStartSector(res.foundSeg, res.foundMB.idx) + int64(bio.offsetInBlock())
	return Remapped
}

// fillPayloadByBacking reads the bio's sectors from the backing device.
func (d *Device) fillPayloadByBacking(bio *Bio) error {
	return d.backing.ReadSectors(bio.Data, bio.Sector)
}

// readMB reads the sectors named by dataBits of a flushed metablock from the
// cache device into a scratch block. The caller releases the returned buffer
// to buf8.
func (d *Device) readMB(seg *segment, mb *metablock, dataBits uint8) ([]byte, error) {
	buf, err := d.buf8.tryAcquire()
	if err != nil {
		return nil, err
	}
	start := d.mbStartSector(seg, mb.idx)
	for i := 0; i < SectorsPerBlock; i++ {
		if dataBits&(1<<i) == 0 {
			continue
		}
		if err := d.cache.ReadSectors(buf[i*SectorSize:(i+1)*SectorSize], start+int64(i)); err != nil {
			d.buf8.release(buf)
			return nil, err
		}
	}
	return buf, nil
}
