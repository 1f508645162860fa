package sdfat

import (
	"io"
	"io/fs"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
	"github.com/spf13/afero"
)

// AferoFs exposes a mounted FS as afero.Fs.
// Only files of the root directory are reachable. Creating, removing or
// renaming anything is not supported and fails with syscall.EPERM.
// Use afero.IOFS{Fs: NewAferoFs(fs)} for an io/fs compatible view.
type AferoFs struct {
	fs *FS
}

var _ afero.Fs = (*AferoFs)(nil)

// NewAferoFs wraps fs.
func NewAferoFs(fs *FS) *AferoFs {
	return &AferoFs{fs: fs}
}

func cleanName(name string) string {
	return strings.Trim(name, "/")
}

func isRoot(name string) bool {
	return name == "" || name == "."
}

func notPermitted(op, name string) error {
	return &os.PathError{Op: op, Path: name, Err: syscall.EPERM}
}

func (a *AferoFs) Create(name string) (afero.File, error) {
	return nil, notPermitted("create", name)
}

func (a *AferoFs) Mkdir(name string, perm os.FileMode) error {
	return notPermitted("mkdir", name)
}

func (a *AferoFs) MkdirAll(path string, perm os.FileMode) error {
	return notPermitted("mkdir", path)
}

func (a *AferoFs) Open(name string) (afero.File, error) {
	return a.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile opens an existing file. O_CREATE is accepted for existing files
// only, O_TRUNC and O_EXCL are not supported.
func (a *AferoFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	clean := cleanName(name)
	if isRoot(clean) {
		if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: syscall.EISDIR}
		}
		return &aferoFile{fs: a.fs, dir: true}, nil
	}
	if flag&(os.O_TRUNC|os.O_EXCL) != 0 {
		return nil, notPermitted("open", name)
	}

	s, err := a.fs.open(clean, nil)
	if err != nil {
		return nil, pathError("open", name, err)
	}

	f := &aferoFile{
		fs:       a.fs,
		s:        s,
		writable: flag&(os.O_WRONLY|os.O_RDWR) != 0,
		readable: flag&os.O_WRONLY == 0,
	}
	if flag&os.O_APPEND != 0 {
		if _, err := s.Seek(0, io.SeekEnd); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return f, nil
}

// pathError translates a missing file into fs.ErrNotExist so that afero and
// io/fs helpers recognize it.
func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if code, ok := errcode.Of(err); ok && code == errcode.FilenameNotFound {
		return &os.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}

func (a *AferoFs) Remove(name string) error {
	return notPermitted("remove", name)
}

func (a *AferoFs) RemoveAll(path string) error {
	return notPermitted("remove", path)
}

func (a *AferoFs) Rename(oldname, newname string) error {
	return notPermitted("rename", oldname)
}

func (a *AferoFs) Stat(name string) (os.FileInfo, error) {
	clean := cleanName(name)
	if isRoot(clean) {
		return rootInfo{}, nil
	}
	info, err := a.fs.Stat(clean)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	return info, nil
}

func (a *AferoFs) Name() string {
	return "sdfat"
}

func (a *AferoFs) Chmod(name string, mode os.FileMode) error {
	return notPermitted("chmod", name)
}

func (a *AferoFs) Chown(name string, uid, gid int) error {
	return notPermitted("chown", name)
}

func (a *AferoFs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return notPermitted("chtimes", name)
}

// rootInfo describes the root directory which has no directory entry of its own.
type rootInfo struct{}

func (rootInfo) Name() string       { return "." }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() os.FileMode  { return os.ModeDir | 0755 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() interface{}   { return nil }

// aferoFile is either the root directory or an open file.
type aferoFile struct {
	fs *FS
	s  *stream

	dir       bool
	dirOffset int

	readable bool
	writable bool
}

var _ afero.File = (*aferoFile)(nil)

func (f *aferoFile) Close() error {
	if f.dir {
		return nil
	}
	return f.s.Close()
}

func (f *aferoFile) Read(p []byte) (int, error) {
	if f.dir {
		return 0, syscall.EISDIR
	}
	if !f.readable {
		return 0, syscall.EBADF
	}
	return f.s.read(p)
}

func (f *aferoFile) ReadAt(p []byte, off int64) (int, error) {
	if f.dir {
		return 0, syscall.EISDIR
	}
	if !f.readable {
		return 0, syscall.EBADF
	}
	if f.s.closed {
		return 0, checkpoint.From(errcode.FileClosed)
	}
	if off >= f.s.length {
		return 0, io.EOF
	}

	restore := f.s.ptr
	defer func() { _, _ = f.fs.seek(f.s, restore, io.SeekStart) }()

	if _, err := f.fs.seek(f.s, off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := f.s.read(p)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *aferoFile) Seek(offset int64, whence int) (int64, error) {
	if f.dir {
		return 0, syscall.EISDIR
	}
	pos, err := f.s.Seek(offset, whence)
	if code, ok := errcode.Of(err); ok && code == errcode.SeekOutOfRange {
		return pos, checkpoint.Wrap(err, afero.ErrOutOfRange)
	}
	return pos, err
}

func (f *aferoFile) Write(p []byte) (int, error) {
	if f.dir {
		return 0, syscall.EISDIR
	}
	if !f.writable {
		return 0, syscall.EBADF
	}
	for i, c := range p {
		if err := f.s.putChar(c); err != nil {
			return i, err
		}
	}
	return len(p), nil
}

func (f *aferoFile) WriteAt(p []byte, off int64) (int, error) {
	if f.dir {
		return 0, syscall.EISDIR
	}
	if !f.writable {
		return 0, syscall.EBADF
	}
	if f.s.closed {
		return 0, checkpoint.From(errcode.FileClosed)
	}

	restore := f.s.ptr
	if _, err := f.fs.seek(f.s, off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := f.Write(p)
	if _, seekErr := f.fs.seek(f.s, restore, io.SeekStart); err == nil {
		err = seekErr
	}
	return n, err
}

func (f *aferoFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *aferoFile) Name() string {
	if f.dir {
		return "/"
	}
	return f.s.name
}

// Readdir lists the root directory, count works like os.File.Readdir.
func (f *aferoFile) Readdir(count int) ([]os.FileInfo, error) {
	if !f.dir {
		return nil, syscall.ENOTDIR
	}

	entries, err := f.fs.ReadDir()
	if err != nil {
		return nil, err
	}

	rest := entries[f.dirOffset:]
	if count > 0 {
		if len(rest) == 0 {
			return nil, io.EOF
		}
		if len(rest) > count {
			rest = rest[:count]
		}
	}
	f.dirOffset += len(rest)

	infos := make([]os.FileInfo, len(rest))
	for i := range rest {
		infos[i] = rest[i]
	}
	return infos, nil
}

func (f *aferoFile) Readdirnames(n int) ([]string, error) {
	infos, err := f.Readdir(n)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// Stat returns the directory entry with the current, possibly not yet
// written back, length.
func (f *aferoFile) Stat() (os.FileInfo, error) {
	if f.dir {
		return rootInfo{}, nil
	}
	info, err := f.fs.Stat(f.s.name)
	if err != nil {
		return nil, err
	}
	e := info.(DirEntry)
	e.header.FileSize = uint32(f.s.length)
	return e, nil
}

func (f *aferoFile) Sync() error {
	if f.dir {
		return nil
	}
	if f.s.closed {
		return checkpoint.From(errcode.FileClosed)
	}
	return f.s.sync()
}

func (f *aferoFile) Truncate(size int64) error {
	return notPermitted("truncate", f.Name())
}
