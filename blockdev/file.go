package blockdev

import (
	"fmt"
	"io"
	"os"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
	"github.com/spf13/afero"
)

// File is a BlockDevice backed by a disk image file.
type File struct {
	f     afero.File
	count uint32
}

var _ sdfat.BlockDevice = (*File)(nil)

// OpenFile opens the image at path of fs. The image size is rounded down to
// whole blocks.
func OpenFile(fs afero.Fs, path string) (*File, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, checkpoint.From(err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, checkpoint.From(err)
	}

	return &File{f: f, count: uint32(info.Size() / sdfat.BlockSize)}, nil
}

// CreateFile creates (or truncates) the image at path of fs with blocks zeroed blocks.
func CreateFile(fs afero.Fs, path string, blocks uint32) (*File, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, checkpoint.From(err)
	}
	if err := f.Truncate(int64(blocks) * sdfat.BlockSize); err != nil {
		_ = f.Close()
		return nil, checkpoint.From(err)
	}
	return &File{f: f, count: blocks}, nil
}

// Blocks returns the size of the image in blocks.
func (d *File) Blocks() uint32 {
	return d.count
}

// Init has nothing to do for an image file.
func (d *File) Init() error {
	return nil
}

func (d *File) ReadBlock(addr uint32, dst []byte) error {
	if err := d.check(addr, dst); err != nil {
		return err
	}
	n, err := d.f.ReadAt(dst, int64(addr)*sdfat.BlockSize)
	if err == io.EOF && n == len(dst) {
		err = nil
	}
	if err != nil {
		return checkpoint.Wrap(err, errcode.ReadTimeout)
	}
	return nil
}

func (d *File) WriteBlock(addr uint32, src []byte) error {
	if err := d.check(addr, src); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(src, int64(addr)*sdfat.BlockSize); err != nil {
		return checkpoint.Wrap(err, errcode.InvalidResponse)
	}
	return nil
}

func (d *File) check(addr uint32, data []byte) error {
	if len(data) != sdfat.BlockSize {
		return checkpoint.Wrap(fmt.Errorf("got %d bytes", len(data)), errcode.InvalidNumBytes)
	}
	if addr >= d.count {
		return checkpoint.Wrap(fmt.Errorf("block %d beyond the end of the image (%d blocks)", addr, d.count), errcode.InvalidResponse)
	}
	return nil
}

// Close syncs and closes the image file.
func (d *File) Close() error {
	if err := d.f.Sync(); err != nil {
		_ = d.f.Close()
		return checkpoint.From(err)
	}
	return checkpoint.From(d.f.Close())
}
