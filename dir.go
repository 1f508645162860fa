package sdfat

import (
	"fmt"
	"os"
	"time"

	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
	"github.com/sirupsen/logrus"
)

// entryLocation is the position of a directory entry on the device.
type entryLocation struct {
	sector uint32
	offset uint32
}

// visitFunc is called for every used short-name entry of a directory.
// Returning stop == true ends the scan.
type visitFunc func(h *EntryHeader, loc entryLocation) (stop bool, err error)

// scanRoot walks the entries of the root directory using the directory buffer.
// The scan ends at the first end marker or at the end of the directory.
func (fs *FS) scanRoot(visit visitFunc) error {
	if fs.info.Type == FAT16 {
		for i := uint32(0); i < fs.info.RootBlocks; i++ {
			done, err := fs.scanDirBlock(fs.info.RootStart+i, visit)
			if err != nil || done {
				return err
			}
		}
		return nil
	}

	// The FAT32 root directory is a cluster chain. The walk is bounded by the
	// number of clusters so a looping chain cannot hang the scan.
	c := fs.info.RootCluster
	for n := uint32(0); ; n++ {
		if n >= fs.info.ClusterCount {
			return checkpoint.Wrap(fmt.Errorf("root directory chain longer than the volume"), errcode.CorruptCluster)
		}

		first := fs.clusterSector(c)
		for i := uint32(0); i < uint32(fs.info.BlocksPerCluster); i++ {
			done, err := fs.scanDirBlock(first+i, visit)
			if err != nil || done {
				return err
			}
		}

		next, eoc, err := fs.nextCluster(c)
		if err != nil {
			return err
		}
		if eoc {
			return nil
		}
		c = next
	}
}

func (fs *FS) scanDirBlock(sector uint32, visit visitFunc) (done bool, err error) {
	if err := fs.dir.Bind(sector); err != nil {
		fs.diag(err, "could not load directory block", logrus.Fields{"sector": sector})
		return true, err
	}
	fs.dumpBlock("directory block", fs.dir)

	for off := uint32(0); off < BlockSize; off += dirEntrySize {
		raw := fs.dir.Bytes()[off : off+dirEntrySize]
		switch raw[0] {
		case entryEndOfDir:
			return true, nil
		case entryDeleted:
			continue
		}

		h, err := decodeEntry(raw)
		if err != nil {
			return true, checkpoint.From(err)
		}
		if h.IsLongName() || h.IsVolumeID() {
			continue
		}

		stop, err := visit(&h, entryLocation{sector: sector, offset: off})
		if err != nil || stop {
			return true, err
		}
	}
	return false, nil
}

// lookup finds the file called name in the root directory.
// The scan ends with errcode.FilenameNotFound at the end of the directory or at
// a matching entry without start cluster. Directories never match.
func (fs *FS) lookup(name string) (EntryHeader, entryLocation, error) {
	short, ok := ShortName(name)
	if !ok {
		return EntryHeader{}, entryLocation{}, checkpoint.Wrap(fmt.Errorf("%q is no valid short filename", name), errcode.FilenameNotFound)
	}

	var (
		found *EntryHeader
		at    entryLocation
	)
	err := fs.scanRoot(func(h *EntryHeader, loc entryLocation) (bool, error) {
		if h.Name != short {
			return false, nil
		}
		if h.FirstCluster() == 0 || h.IsDir() {
			return true, nil
		}
		found, at = h, loc
		return true, nil
	})
	if err != nil {
		return EntryHeader{}, entryLocation{}, err
	}
	if found == nil {
		return EntryHeader{}, entryLocation{}, checkpoint.Wrap(fmt.Errorf("%q", name), errcode.FilenameNotFound)
	}
	return *found, at, nil
}

// ReadDir lists the root directory. The "." and ".." entries are left out.
func (fs *FS) ReadDir() ([]DirEntry, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, fs.fail(err)
	}

	var entries []DirEntry
	err := fs.scanRoot(func(h *EntryHeader, _ entryLocation) (bool, error) {
		if h.Name[0] == '.' {
			return false, nil
		}
		entries = append(entries, DirEntry{header: *h})
		return false, nil
	})
	if err != nil {
		return nil, fs.fail(err)
	}
	return entries, nil
}

// Stat returns the directory entry called name of the root directory.
// Unlike opening it also finds directories and empty files.
func (fs *FS) Stat(name string) (os.FileInfo, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, fs.fail(err)
	}

	short, ok := ShortName(name)
	if !ok {
		return nil, fs.fail(checkpoint.Wrap(fmt.Errorf("%q is no valid short filename", name), errcode.FilenameNotFound))
	}

	var found *DirEntry
	err := fs.scanRoot(func(h *EntryHeader, _ entryLocation) (bool, error) {
		if h.Name == short {
			found = &DirEntry{header: *h}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, fs.fail(err)
	}
	if found == nil {
		return nil, fs.fail(checkpoint.Wrap(fmt.Errorf("%q", name), errcode.FilenameNotFound))
	}
	return *found, nil
}

// updateEntry stores a new size and write time in the directory entry at loc.
func (fs *FS) updateEntry(loc entryLocation, size uint32, modTime time.Time) error {
	if err := fs.dir.Bind(loc.sector); err != nil {
		return err
	}

	raw := fs.dir.Bytes()[loc.offset : loc.offset+dirEntrySize]
	h, err := decodeEntry(raw)
	if err != nil {
		return checkpoint.From(err)
	}

	h.FileSize = size
	h.WriteDate = PackDate(modTime)
	h.WriteTime = PackTime(modTime)
	h.LastAccessDate = h.WriteDate

	packed, err := pack(&h)
	if err != nil {
		return checkpoint.From(err)
	}
	copy(raw, packed)
	fs.dir.MarkDirty()

	return fs.dir.Flush()
}
