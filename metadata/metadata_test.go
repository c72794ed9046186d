package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentHeaderRoundTrip(t *testing.T) {
	h := SegmentHeader{
		ID:     42,
		Length: 2,
		Lap:    3,
		Records: []MBRecord{
			{KeySector: 4096, DirtyBits: 0xFF, Lap: 3},
			{KeySector: 8192, DirtyBits: 0x0F, Lap: 3},
		},
	}

	buf := make([]byte, BlockSize)
	require.NoError(t, EncodeSegmentHeader(buf, h))

	got, err := DecodeSegmentHeader(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestSegmentHeaderPrefixIsOneSector(t *testing.T) {
	h := SegmentHeader{ID: 7, Length: 5, Lap: 2}
	buf := make([]byte, BlockSize)
	require.NoError(t, EncodeSegmentHeader(buf, h))

	// Discovery reads only the first sector of the header block.
	got, err := DecodeSegmentHeaderFixed(buf[:SectorSize])
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.ID)
	assert.Equal(t, uint8(5), got.Length)
	assert.Equal(t, uint32(2), got.Lap)
}

func TestSegmentHeaderFitsBlockAtMaxGeometry(t *testing.T) {
	// Largest supported segment: 1<<11 sectors, 255 cache lines.
	const cachesPerSeg = (1 << 11 / 8) - 1
	h := SegmentHeader{ID: 1, Length: cachesPerSeg, Lap: 1,
		Records: make([]MBRecord, cachesPerSeg)}

	buf := make([]byte, BlockSize)
	require.NoError(t, EncodeSegmentHeader(buf, h))

	_, err := DecodeSegmentHeader(buf, cachesPerSeg)
	require.NoError(t, err)
}

func TestSegmentHeaderBufferTooSmall(t *testing.T) {
	h := SegmentHeader{Records: make([]MBRecord, 4)}
	err := EncodeSegmentHeader(make([]byte, 16), h)
	assert.Error(t, err)

	_, err = DecodeSegmentHeaderFixed(make([]byte, 4))
	assert.Error(t, err)
}

func TestSuperblockHeader(t *testing.T) {
	buf := make([]byte, SectorSize)
	require.NoError(t, EncodeSuperblockHeader(buf))
	assert.True(t, ValidSuperblockHeader(buf))

	assert.False(t, ValidSuperblockHeader(make([]byte, SectorSize)))
	assert.False(t, ValidSuperblockHeader(nil))
}

func TestSuperblockRecord(t *testing.T) {
	buf := make([]byte, SectorSize)
	require.NoError(t, EncodeSuperblockRecord(buf, 99))

	got, err := DecodeSuperblockRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), got)
}
