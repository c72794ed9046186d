package wbcache

import (
	"fmt"
	"time"

	"github.com/ncw/directio"

	"github.com/wbcache/wbcache/metadata"
)

// formatCacheDevice lays out a pristine cache device: superblock header,
// zeroed superblock record, and an invalid (id 0) header block per segment.
func formatCacheDevice(dev *DeviceFile, segSizeSectors int64, nrSegments uint64) error {
	sb := directio.AlignedBlock(SectorSize)
	if err := metadata.EncodeSuperblockHeader(sb); err != nil {
		return err
	}
	if err := dev.WriteSectors(sb, 0); err != nil {
		return fmt.Errorf("formatting superblock header: %w", err)
	}

	rec := directio.AlignedBlock(SectorSize)
	if err := metadata.EncodeSuperblockRecord(rec, 0); err != nil {
		return err
	}
	if err := dev.WriteSectors(rec, segSizeSectors-1); err != nil {
		return fmt.Errorf("formatting superblock record: %w", err)
	}

	zero := directio.AlignedBlock(BlockSize)
	for i := uint64(0); i < nrSegments; i++ {
		start := segSizeSectors * int64(i+1)
		if err := dev.WriteSectors(zero, start); err != nil {
			return fmt.Errorf("formatting segment %d header: %w", i, err)
		}
	}
	return dev.Sync()
}

// resumeCache rebuilds the in-memory state from the cache device: it finds
// the log head by scanning the per-slot {id, length, lap} prefixes, replays
// the dirty metablock records of segments not yet written back, and leaves
// the device ready to acquire the successor segment.
func (d *Device) resumeCache() error {
	sector := directio.AlignedBlock(SectorSize)

	if err := d.cache.ReadSectors(sector, 0); err != nil {
		return fmt.Errorf("reading superblock header: %w", err)
	}
	if !metadata.ValidSuperblockHeader(sector) {
		if !d.FormatIfNeeded {
			return ErrNotFormatted
		}
		log.Info("formatting cache device", "path", d.cache.Name(),
			"segments", d.nrSegments, "segment_sectors", d.segSizeSectors)
		if err := formatCacheDevice(d.cache, d.segSizeSectors, d.nrSegments); err != nil {
			return err
		}
	}

	if err := d.cache.ReadSectors(sector, d.segSizeSectors-1); err != nil {
		return fmt.Errorf("reading superblock record: %w", err)
	}
	recordedWb, err := metadata.DecodeSuperblockRecord(sector)
	if err != nil {
		return err
	}

	// Scan every slot's atomic header prefix. A slot is credible only if
	// its id maps back to the slot and the lap matches the id's lap:
	// anything else is a leftover from an older traversal.
	var maxID uint64
	for slot := uint64(0); slot < d.nrSegments; slot++ {
		seg := d.segments[slot]
		if err := d.cache.ReadSectors(sector, seg.startSector); err != nil {
			return fmt.Errorf("scanning segment slot %d: %w", slot, err)
		}
		h, err := metadata.DecodeSegmentHeaderFixed(sector)
		if err != nil {
			return err
		}
		if h.ID == 0 || d.lapOf(h.ID) != h.Lap || (h.ID-1)%d.nrSegments != slot {
			continue
		}
		seg.id = h.ID
		if h.ID > maxID {
			maxID = h.ID
		}
	}

	if maxID == 0 {
		// Pristine device.
		d.lastFlushedID = 0
		d.lastWritebackID = 0
		return nil
	}

	// Slots whose old id was reused by a newer lap were necessarily
	// written back first, so the effective writeback floor may be ahead
	// of the recorded one.
	startID := recordedWb + 1
	if floor := subID(maxID, d.nrSegments) + 1; startID < floor {
		startID = floor
	}

	replayed := 0
	block := directio.AlignedBlock(BlockSize)
	for id := startID; id <= maxID; id++ {
		seg := d.segmentByID(id)
		if seg.id != id {
			log.Warn("segment missing during replay, skipping", "id", id)
			continue
		}
		if err := d.cache.ReadSectors(block, seg.startSector); err != nil {
			return fmt.Errorf("replaying segment %d: %w", id, err)
		}
		h, err := metadata.DecodeSegmentHeader(block, int(d.cachesPerSeg))
		if err != nil {
			return err
		}
		seg.length = uint32(h.Length)
		for i := 0; i < int(h.Length); i++ {
			rec := h.Records[i]
			if rec.DirtyBits == 0 {
				// Only dirty caches are recovered; clean lines are
				// cheap to re-promote and complicate nothing.
				continue
			}
			d.replayDirtyMB(&seg.mbs[i], int64(rec.KeySector), rec.DirtyBits)
			replayed++
		}
	}

	d.lastFlushedID = maxID
	d.lastWritebackID = startID - 1

	log.Info("cache resumed",
		"head_id", maxID,
		"last_writeback_id", d.lastWritebackID,
		"dirty_caches", replayed)
	return nil
}

// replayDirtyMB registers one recovered dirty line, superseding any older
// copy of the same key replayed from an earlier segment.
func (d *Device) replayDirtyMB(mb *metablock, keySector int64, dirtyBits uint8) {
	head := d.ht.head(keySector)
	if old := d.ht.lookup(head, keySector); old != nil {
		if d.markCleanMB(old) {
			d.decNrDirtyCaches()
		}
		d.ht.del(old)
	}
	mb.dirtiness = dirtiness{isDirty: true, dataBits: dirtyBits}
	d.ht.register(head, mb, keySector)
	d.incNrDirtyCaches()
}

// writeSuperblockRecord persists {last_writeback_id} into the last sector of
// the superblock region. buf must be an alignment-safe sector buffer.
func (d *Device) writeSuperblockRecord(buf []byte) error {
	clear(buf[:SectorSize])
	if err := metadata.EncodeSuperblockRecord(buf, d.readLastWriteback()); err != nil {
		return err
	}
	if err := d.cache.WriteSectors(buf[:SectorSize], d.segSizeSectors-1); err != nil {
		return err
	}
	return d.cache.Sync()
}

func (d *Device) recordSuperblock() error {
	buf, err := d.acquireBackground(d.buf1)
	if err != nil {
		return err
	}
	defer d.buf1.release(buf)
	return d.writeSuperblockRecord(buf)
}

// recorderLoop periodically persists the writeback high-water mark so the
// next resume replays as little as possible.
func (d *Device) recorderLoop() error {
	for {
		interval := time.Duration(d.updateSBRecordInterval.Load()) * time.Second
		enabled := interval > 0
		if !enabled {
			interval = time.Second // re-check period while disabled
		}
		select {
		case <-d.stopCh:
			return nil
		case <-time.After(interval):
			if !enabled {
				continue
			}
			if err := d.recordSuperblock(); err != nil {
				log.Warn("superblock record update failed", "error", err)
			}
		}
	}
}

// syncLoop periodically forces the transient data out and syncs the cache
// device, bounding how much an idle device keeps volatile.
func (d *Device) syncLoop() error {
	for {
		interval := time.Duration(d.syncDataInterval.Load()) * time.Second
		enabled := interval > 0
		if !enabled {
			interval = time.Second
		}
		select {
		case <-d.stopCh:
			return nil
		case <-time.After(interval):
			if !enabled {
				continue
			}
			d.flushCurrentBuffer()
			if err := d.cache.Sync(); err != nil {
				log.Warn("periodic sync failed", "error", err)
			}
		}
	}
}
