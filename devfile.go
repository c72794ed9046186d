package wbcache

import (
	"fmt"
	"os"

	"github.com/ncw/directio"
)

// DeviceFile is a sector-addressed block device backed by a file. Both the
// backing device and the cache device are accessed through it.
type DeviceFile struct {
	f       *os.File
	name    string
	sectors int64
}

// OpenDeviceFile opens path as a block device. With direct set, the file is
// opened O_DIRECT and all I/O buffers must be alignment-safe.
func OpenDeviceFile(path string, direct bool) (*DeviceFile, error) {
	var f *os.File
	var err error
	if direct {
		f, err = directio.OpenFile(path, os.O_RDWR, 0o644)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
	}
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &DeviceFile{f: f, name: path, sectors: stat.Size() / SectorSize}, nil
}

// Name returns the path the device was opened from.
func (d *DeviceFile) Name() string { return d.name }

// Sectors returns the device size in 512 B sectors.
func (d *DeviceFile) Sectors() int64 { return d.sectors }

// ReadSectors reads len(buf) bytes starting at the given sector.
func (d *DeviceFile) ReadSectors(buf []byte, sector int64) error {
	if _, err := d.f.ReadAt(buf, sector*SectorSize); err != nil {
		return fmt.Errorf("read %s sector %d: %w", d.name, sector, err)
	}
	return nil
}

// WriteSectors writes len(buf) bytes starting at the given sector.
func (d *DeviceFile) WriteSectors(buf []byte, sector int64) error {
	if _, err := d.f.WriteAt(buf, sector*SectorSize); err != nil {
		return fmt.Errorf("write %s sector %d: %w", d.name, sector, err)
	}
	return nil
}

// Sync forces device data to stable storage.
func (d *DeviceFile) Sync() error {
	return fdatasync(d.f)
}

// Close closes the underlying file.
func (d *DeviceFile) Close() error {
	return d.f.Close()
}
