package wbcache

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// rambuf is a page-aligned staging area for one segment: a 4 KiB header
// slot followed by one 4 KiB slot per metablock.
type rambuf struct {
	data []byte
}

// headerSlot is the 4 KiB header block at the front of the buffer.
func (b *rambuf) headerSlot() []byte {
	return b.data[:BlockSize]
}

// mbSlot is the 4 KiB data slot for the metablock at idxInSeg.
func (b *rambuf) mbSlot(idxInSeg uint32) []byte {
	off := int(idxInSeg+1) * BlockSize
	return b.data[off : off+BlockSize]
}

// allocateRambuf mmaps a page-aligned buffer and faults it in so the write
// path never stalls on first touch.
func allocateRambuf(size int) *rambuf {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("wbcache: failed to mmap %d byte RAM buffer: %v", size, err))
	}

	// PRE-WARM: Force physical RAM commitment.
	for i := 0; i < len(data); i += 4096 {
		data[i] = 0
	}

	buf := &rambuf{data: data}
	runtime.AddCleanup(buf, func(d []byte) { _ = unix.Munmap(d) }, data)
	return buf
}

// rambufRing is the fixed ring of staging buffers. Buffer (id-1) mod n
// serves segment id; reuse is gated by the flush of segment id-n.
type rambufRing struct {
	bufs []*rambuf
}

func newRambufRing(n, bufSize int) *rambufRing {
	r := &rambufRing{bufs: make([]*rambuf, n)}
	for i := range r.bufs {
		r.bufs[i] = allocateRambuf(bufSize)
	}
	return r
}

// forSegment returns the buffer slot owned by segment id.
func (r *rambufRing) forSegment(id uint64) *rambuf {
	return r.bufs[(id-1)%uint64(len(r.bufs))]
}
