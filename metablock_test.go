package wbcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIndexRegisterLookup(t *testing.T) {
	ht := newHashIndex(64)
	mb := &metablock{idx: 0}

	head := ht.head(8)
	require.Nil(t, ht.lookup(head, 8))

	ht.register(head, mb, 8)
	assert.Same(t, mb, ht.lookup(head, 8))
	assert.Equal(t, int64(8), mb.sector)

	// A lookup for a different key hashing anywhere never returns it.
	assert.Nil(t, ht.lookup(ht.head(16), 16))
}

func TestHashIndexDeleteParksOnNullHead(t *testing.T) {
	ht := newHashIndex(64)
	mb := &metablock{}

	ht.register(ht.head(8), mb, 8)
	assert.False(t, ht.onNullHead(mb))

	ht.del(mb)
	assert.True(t, ht.onNullHead(mb))
	assert.Nil(t, ht.lookup(ht.head(8), 8))
}

func TestHashIndexRekeyMovesChains(t *testing.T) {
	ht := newHashIndex(64)
	mb := &metablock{}

	ht.register(ht.head(8), mb, 8)
	ht.register(ht.head(1024), mb, 1024)

	assert.Nil(t, ht.lookup(ht.head(8), 8))
	assert.Same(t, mb, ht.lookup(ht.head(1024), 1024))
}

func TestHashIndexChainsAreIndependent(t *testing.T) {
	ht := newHashIndex(4)
	mbs := make([]metablock, 32)

	// Force collisions by registering more keys than buckets.
	for i := range mbs {
		key := int64(i * SectorsPerBlock)
		ht.register(ht.head(key), &mbs[i], key)
	}
	for i := range mbs {
		key := int64(i * SectorsPerBlock)
		got := ht.lookup(ht.head(key), key)
		require.Same(t, &mbs[i], got, "key %d", key)
		require.Equal(t, key, got.sector)
	}

	// Delete every other one; the rest must remain reachable.
	for i := 0; i < len(mbs); i += 2 {
		ht.del(&mbs[i])
	}
	for i := range mbs {
		key := int64(i * SectorsPerBlock)
		if i%2 == 0 {
			assert.Nil(t, ht.lookup(ht.head(key), key))
		} else {
			assert.Same(t, &mbs[i], ht.lookup(ht.head(key), key))
		}
	}
}

func TestTaintAndMarkClean(t *testing.T) {
	d := &Device{}
	mb := &metablock{}

	// First taint flips clean->dirty.
	assert.True(t, d.taintMB(mb, 0x0F))
	assert.Equal(t, dirtiness{isDirty: true, dataBits: 0x0F}, d.readMBDirtiness(mb))

	// Further taints only grow the mask.
	assert.False(t, d.taintMB(mb, 0xF0))
	assert.Equal(t, dirtiness{isDirty: true, dataBits: 0xFF}, d.readMBDirtiness(mb))

	// markClean flips once and keeps the data bits.
	assert.True(t, d.markCleanMB(mb))
	assert.False(t, d.markCleanMB(mb))
	assert.Equal(t, dirtiness{isDirty: false, dataBits: 0xFF}, d.readMBDirtiness(mb))
}

func TestSegmentGeometryHelpers(t *testing.T) {
	backingPath, cachePath := newTestFiles(t)
	d := openTestDevice(t, backingPath, cachePath)

	require.Equal(t, uint32(7), d.cachesPerSeg)

	// Dense index 9 lives in segment 1, slot 2.
	assert.Equal(t, uint32(2), d.mbIdxInSeg(9))
	assert.Same(t, d.segments[1], d.segOf(9))

	// Data block of slot 2 in segment 1: segment start + header + 2 blocks.
	seg := d.segments[1]
	assert.Equal(t, seg.startSector+3*SectorsPerBlock, d.mbStartSector(seg, 9))

	assert.Equal(t, uint32(1), d.lapOf(1))
	assert.Equal(t, uint32(1), d.lapOf(uint64(d.nrSegments)))
	assert.Equal(t, uint32(2), d.lapOf(uint64(d.nrSegments)+1))
}
