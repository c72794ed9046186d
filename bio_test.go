package wbcache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSectorMask(t *testing.T) {
	assert.Equal(t, uint8(0xFF), sectorMask(0, 8))
	assert.Equal(t, uint8(0x01), sectorMask(0, 1))
	assert.Equal(t, uint8(0x80), sectorMask(7, 1))
	assert.Equal(t, uint8(0x0C), sectorMask(2, 2))
	assert.Equal(t, uint8(0x7E), sectorMask(1, 6))
}

func TestBlockAlign(t *testing.T) {
	assert.Equal(t, int64(0), blockAlign(0))
	assert.Equal(t, int64(0), blockAlign(7))
	assert.Equal(t, int64(8), blockAlign(8))
	assert.Equal(t, int64(8), blockAlign(15))
	assert.Equal(t, int64(4096), blockAlign(4103))
}

func TestCopyMasked(t *testing.T) {
	src := bytes.Repeat([]byte{'S'}, BlockSize)
	dst := bytes.Repeat([]byte{'D'}, BlockSize)

	// Copy sectors 0 and 2, but sector 2 is protected.
	copyMasked(dst, 0x04, src, 0x05)

	assert.Equal(t, bytes.Repeat([]byte{'S'}, SectorSize), dst[:SectorSize])
	assert.Equal(t, bytes.Repeat([]byte{'D'}, SectorSize), dst[SectorSize:2*SectorSize])
	assert.Equal(t, bytes.Repeat([]byte{'D'}, SectorSize), dst[2*SectorSize:3*SectorSize])
}

func TestCopyToPayloadRespectsOffset(t *testing.T) {
	blockBuf := make([]byte, BlockSize)
	for i := 0; i < SectorsPerBlock; i++ {
		copy(blockBuf[i*SectorSize:], bytes.Repeat([]byte{byte('0' + i)}, SectorSize))
	}

	// Bio covering sectors 2..5 of the block.
	bio := NewReadBio(2, make([]byte, 4*SectorSize))

	// Only sectors 3 and 4 may be copied.
	copyToPayload(bio, blockBuf, 0x18)

	assert.Equal(t, make([]byte, SectorSize), bio.Data[:SectorSize])
	assert.Equal(t, bytes.Repeat([]byte{'3'}, SectorSize), bio.Data[SectorSize:2*SectorSize])
	assert.Equal(t, bytes.Repeat([]byte{'4'}, SectorSize), bio.Data[2*SectorSize:3*SectorSize])
	assert.Equal(t, make([]byte, SectorSize), bio.Data[3*SectorSize:])
}

func TestBioGeometry(t *testing.T) {
	bio := NewWriteBio(10, make([]byte, 2*SectorSize))
	assert.Equal(t, uint8(2), bio.nrSectors())
	assert.Equal(t, uint8(2), bio.offsetInBlock())
	assert.False(t, bio.fullsize())

	full := NewWriteBio(8, make([]byte, BlockSize))
	assert.True(t, full.fullsize())
	assert.Equal(t, uint8(0), full.offsetInBlock())
}
