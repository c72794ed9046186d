package wbcache

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbcache/wbcache/metadata"
)

func TestOpenUnformattedFails(t *testing.T) {
	backingPath, cachePath := newTestFiles(t)

	_, err := Open(backingPath, cachePath, WithSegmentSizeOrder(testSegOrder))
	require.ErrorIs(t, err, ErrNotFormatted)
}

func TestCloseReopen(t *testing.T) {
	backingPath, cachePath := newTestFiles(t)

	d := openTestDevice(t, backingPath, cachePath)
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Write(int64(i*SectorsPerBlock), block(byte('a'+i))))
	}
	require.NoError(t, d.Close())

	// Close drained the log: the bytes are on the backing device.
	raw, err := os.ReadFile(backingPath)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, block(byte('a'+i)), raw[i*BlockSize:(i+1)*BlockSize], "block %d", i)
	}

	d2 := openTestDevice(t, backingPath, cachePath)
	assert.GreaterOrEqual(t, d2.Stats().LastWritebackID, uint64(1))
	assert.Equal(t, int64(0), d2.Stats().NrDirtyCaches)

	got := make([]byte, BlockSize)
	for i := 0; i < 10; i++ {
		require.NoError(t, d2.Read(int64(i*SectorsPerBlock), got))
		assert.Equal(t, block(byte('a'+i)), got)
	}
}

// TestResumeReplaysDirtyLines hand-crafts a cache device image holding one
// flushed segment with a dirty line, as a crash would leave it, and checks
// that resume rebuilds the index and the read path serves the cached bytes.
func TestResumeReplaysDirtyLines(t *testing.T) {
	backingPath, cachePath := newTestFiles(t)

	segSizeSectors := int64(1) << testSegOrder
	cachesPerSeg := int(segSizeSectors/SectorsPerBlock) - 1
	nrSegments := uint64(testCacheLen/SectorSize/segSizeSectors) - 1

	dev, err := OpenDeviceFile(cachePath, false)
	require.NoError(t, err)
	require.NoError(t, formatCacheDevice(dev, segSizeSectors, nrSegments))

	// Segment 1 in slot 0: one committed, fully dirty line caching
	// backing block 0.
	header := directio.AlignedBlock(BlockSize)
	require.NoError(t, metadata.EncodeSegmentHeader(header, metadata.SegmentHeader{
		ID:     1,
		Length: 1,
		Lap:    1,
		Records: append([]metadata.MBRecord{
			{KeySector: 0, DirtyBits: 0xFF, Lap: 1},
		}, make([]metadata.MBRecord, cachesPerSeg-1)...),
	}))
	require.NoError(t, dev.WriteSectors(header, segSizeSectors))
	require.NoError(t, dev.WriteSectors(block('Z'), segSizeSectors+SectorsPerBlock))
	require.NoError(t, dev.Close())

	d := openTestDevice(t, backingPath, cachePath)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.NrDirtyCaches)
	assert.Equal(t, uint64(1), stats.LastFlushedID)
	assert.Equal(t, uint64(2), stats.CurrentID)

	// The replayed line serves from the cache device, not backing.
	got := make([]byte, BlockSize)
	require.NoError(t, d.Read(0, got))
	assert.Equal(t, block('Z'), got)

	// And the recovered dirt is still writeback-able.
	require.NoError(t, d.DropCaches())
	raw, err := os.ReadFile(backingPath)
	require.NoError(t, err)
	assert.Equal(t, block('Z'), raw[:BlockSize])
}

// TestResumeIgnoresStaleLaps plants a header whose lap does not match its
// id's lap for the slot; resume must treat the slot as invalid.
func TestResumeIgnoresStaleLaps(t *testing.T) {
	backingPath, cachePath := newTestFiles(t)

	segSizeSectors := int64(1) << testSegOrder
	nrSegments := uint64(testCacheLen/SectorSize/segSizeSectors) - 1

	dev, err := OpenDeviceFile(cachePath, false)
	require.NoError(t, err)
	require.NoError(t, formatCacheDevice(dev, segSizeSectors, nrSegments))

	header := directio.AlignedBlock(BlockSize)
	require.NoError(t, metadata.EncodeSegmentHeader(header, metadata.SegmentHeader{
		ID:     1,
		Length: 1,
		Lap:    7, // wrong: lap of id 1 is 1
	}))
	require.NoError(t, dev.WriteSectors(header, segSizeSectors))
	require.NoError(t, dev.Close())

	d := openTestDevice(t, backingPath, cachePath)
	stats := d.Stats()
	assert.Equal(t, uint64(0), stats.LastFlushedID)
	assert.Equal(t, uint64(1), stats.CurrentID)
	assert.Equal(t, int64(0), stats.NrDirtyCaches)
}

func TestSuperblockRecordRoundTrip(t *testing.T) {
	backingPath, cachePath := newTestFiles(t)

	d := openTestDevice(t, backingPath, cachePath)
	require.NoError(t, d.Write(0, block('A')))
	require.NoError(t, d.Close())

	// The record in the last superblock sector carries the final
	// writeback id.
	raw, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	segSizeBytes := (int64(1) << testSegOrder) * SectorSize
	recorded, err := metadata.DecodeSuperblockRecord(raw[segSizeBytes-SectorSize:])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, recorded, uint64(1))
}

func TestBarrierDeadlineBoundsFlushAck(t *testing.T) {
	d := newTestDevice(t)

	// A lone barrier with no traffic behind it: only the deadline timer
	// can realize it.
	start := time.Now()
	require.NoError(t, d.Flush())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFormatLayout(t *testing.T) {
	_, cachePath := newTestFiles(t)

	segSizeSectors := int64(1) << testSegOrder
	nrSegments := uint64(4)

	dev, err := OpenDeviceFile(cachePath, false)
	require.NoError(t, err)
	defer dev.Close()
	require.NoError(t, formatCacheDevice(dev, segSizeSectors, nrSegments))

	raw, err := os.ReadFile(cachePath)
	require.NoError(t, err)

	require.True(t, metadata.ValidSuperblockHeader(raw))

	recorded, err := metadata.DecodeSuperblockRecord(raw[(segSizeSectors-1)*SectorSize:])
	require.NoError(t, err)
	assert.Equal(t, uint64(0), recorded)

	for i := uint64(0); i < nrSegments; i++ {
		start := segSizeSectors * int64(i+1) * SectorSize
		h, err := metadata.DecodeSegmentHeaderFixed(raw[start:])
		require.NoError(t, err)
		assert.Equal(t, uint64(0), h.ID, "segment slot %d", i)
	}
}

func TestPartialDirtyRecordSurvivesResume(t *testing.T) {
	backingPath, cachePath := newTestFiles(t)
	require.NoError(t, os.WriteFile(backingPath, bytes.Repeat([]byte{'B'}, testBackingLen), 0o644))

	segSizeSectors := int64(1) << testSegOrder
	cachesPerSeg := int(segSizeSectors/SectorsPerBlock) - 1
	nrSegments := uint64(testCacheLen/SectorSize/segSizeSectors) - 1

	dev, err := OpenDeviceFile(cachePath, false)
	require.NoError(t, err)
	require.NoError(t, formatCacheDevice(dev, segSizeSectors, nrSegments))

	// Only sectors 0..1 of the line are dirty.
	header := directio.AlignedBlock(BlockSize)
	require.NoError(t, metadata.EncodeSegmentHeader(header, metadata.SegmentHeader{
		ID:     1,
		Length: 1,
		Lap:    1,
		Records: append([]metadata.MBRecord{
			{KeySector: 0, DirtyBits: 0x03, Lap: 1},
		}, make([]metadata.MBRecord, cachesPerSeg-1)...),
	}))
	require.NoError(t, dev.WriteSectors(header, segSizeSectors))
	require.NoError(t, dev.WriteSectors(block('Z'), segSizeSectors+SectorsPerBlock))
	require.NoError(t, dev.Close())

	d := openTestDevice(t, backingPath, cachePath)

	// A full-block read synthesizes: backing underneath, the two dirty
	// sectors from cache on top.
	got := make([]byte, BlockSize)
	require.NoError(t, d.Read(0, got))
	want := bytes.Repeat([]byte{'B'}, BlockSize)
	copy(want[:2*SectorSize], block('Z'))
	assert.Equal(t, want, got)
}
