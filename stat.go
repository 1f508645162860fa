package sdfat

import (
	"io/fs"
	"time"
)

// DirEntry is a single short-name entry of a directory.
// It implements both os.FileInfo and fs.DirEntry.
type DirEntry struct {
	header EntryHeader
}

// Header returns the raw directory entry.
func (e DirEntry) Header() EntryHeader {
	return e.header
}

// Name returns the 8.3 name as "NAME.EXT".
func (e DirEntry) Name() string {
	return shortNameString(e.header.Name)
}

// Size returns the file length in bytes.
func (e DirEntry) Size() int64 {
	return int64(e.header.FileSize)
}

// FirstCluster returns the start cluster, 0 for empty files.
func (e DirEntry) FirstCluster() uint32 {
	return e.header.FirstCluster()
}

func (e DirEntry) Mode() fs.FileMode {
	perm := fs.FileMode(0666)
	if e.header.Attribute&AttrReadOnly != 0 {
		perm = 0444
	}
	if e.IsDir() {
		return fs.ModeDir | perm | 0111
	}
	return perm
}

// ModTime returns the last write time, time.Time{} if the entry has no valid date.
func (e DirEntry) ModTime() time.Time {
	return ParseDateTime(e.header.WriteDate, e.header.WriteTime)
}

func (e DirEntry) IsDir() bool {
	return e.header.IsDir()
}

// Sys returns the EntryHeader.
func (e DirEntry) Sys() interface{} {
	return e.header
}

func (e DirEntry) Type() fs.FileMode {
	return e.Mode().Type()
}

func (e DirEntry) Info() (fs.FileInfo, error) {
	return e, nil
}

// Attributes renders the attribute bits as "drhsa", unset bits as "-".
func (e DirEntry) Attributes() string {
	flags := []struct {
		bit  uint8
		char byte
	}{
		{AttrDirectory, 'd'},
		{AttrReadOnly, 'r'},
		{AttrHidden, 'h'},
		{AttrSystem, 's'},
		{AttrArchive, 'a'},
	}

	out := make([]byte, len(flags))
	for i, f := range flags {
		out[i] = '-'
		if e.header.Attribute&f.bit != 0 {
			out[i] = f.char
		}
	}
	return string(out)
}
