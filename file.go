package sdfat

import (
	"fmt"
	"io"

	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
	"github.com/sirupsen/logrus"
)

// File is the capability shared by every open stream: identity, length and
// position bookkeeping. FileReader and FileWriter add the direction specific
// operations.
type File interface {
	Name() string
	Size() int64
	Tell() int64
	EOF() bool
	Seek(offset int64, whence int) (int64, error)
	Close() error
}

var (
	_ File = (*FileReader)(nil)
	_ File = (*FileWriter)(nil)
)

// OpenOption configures how a file gets opened.
type OpenOption func(*openConfig)

type openConfig struct {
	buf *Buffer
}

// WithBuffer makes the file use buf instead of the filesystem's shared data buffer.
func WithBuffer(buf *Buffer) OpenOption {
	return func(c *openConfig) {
		c.buf = buf
	}
}

// stream is the state every open file consists of.
type stream struct {
	fs  *FS
	log logrus.FieldLogger
	buf *Buffer

	name         string
	entry        entryLocation
	firstCluster uint32
	length       int64
	ptr          int64

	// hintIdx and hintCluster remember the last resolved link of the chain:
	// hintCluster is the hintIdx-th cluster of the file.
	hintIdx     int64
	hintCluster uint32

	// written is set by any write until it is synced.
	written bool
	closed  bool
}

// Open opens the file called name of the root directory for reading.
func (fs *FS) Open(name string, opts ...OpenOption) (*FileReader, error) {
	s, err := fs.open(name, opts)
	if err != nil {
		return nil, fs.fail(err)
	}
	return &FileReader{stream: s}, nil
}

// OpenWriter opens the file called name of the root directory for writing.
// The file starts at offset 0, use Seek(0, io.SeekEnd) to append.
func (fs *FS) OpenWriter(name string, opts ...OpenOption) (*FileWriter, error) {
	s, err := fs.open(name, opts)
	if err != nil {
		return nil, fs.fail(err)
	}
	return &FileWriter{stream: s}, nil
}

func (fs *FS) open(name string, opts []OpenOption) (*stream, error) {
	if err := fs.checkMounted(); err != nil {
		return nil, err
	}

	cfg := openConfig{buf: fs.data}
	for _, opt := range opts {
		opt(&cfg)
	}

	h, loc, err := fs.lookup(name)
	if err != nil {
		fs.diag(err, "could not open file", logrus.Fields{"name": name})
		return nil, err
	}

	first := h.FirstCluster()
	e, err := fs.readFAT(first)
	if err != nil {
		return nil, err
	}
	if e.IsFree() {
		return nil, checkpoint.Wrap(fmt.Errorf("start cluster %d of %q is not allocated", first, name), errcode.EmptyFATEntry)
	}

	s := &stream{
		fs:           fs,
		log:          fs.log.WithField("file", name),
		buf:          cfg.buf,
		name:         shortNameString(h.Name),
		entry:        loc,
		firstCluster: first,
		length:       int64(h.FileSize),
		hintCluster:  first,
	}

	// Load the first data block.
	if err := s.buf.Bind(fs.clusterSector(first)); err != nil {
		return nil, err
	}

	fs.openFiles++
	fs.acquire(s.buf)
	s.log.WithField("size", s.length).Debug("opened file")
	return s, nil
}

// Name returns the short name of the file.
func (s *stream) Name() string {
	return s.name
}

// Size returns the current length in bytes.
func (s *stream) Size() int64 {
	return s.length
}

// Tell returns the current offset.
func (s *stream) Tell() int64 {
	return s.ptr
}

// EOF reports whether the offset is at the end of the file.
func (s *stream) EOF() bool {
	return s.ptr == s.length
}

// Seek moves the offset. It delegates to the filesystem which validates the
// target against the file length and the cluster chain.
// A failed Seek leaves the offset unchanged.
func (s *stream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return s.ptr, s.fs.fail(checkpoint.From(errcode.FileClosed))
	}
	pos, err := s.fs.seek(s, offset, whence)
	if err != nil {
		s.fs.diag(err, "seek failed", logrus.Fields{"file": s.name, "offset": offset})
	}
	return pos, s.fs.fail(err)
}

// Close writes back pending changes and releases the file.
// If writing back fails, the file stays open.
func (s *stream) Close() error {
	if s.closed {
		return s.fs.fail(checkpoint.From(errcode.FileClosed))
	}
	if err := s.sync(); err != nil {
		s.fs.diag(err, "close could not write back", logrus.Fields{"file": s.name})
		return s.fs.fail(err)
	}

	s.fs.openFiles--
	s.fs.release(s.buf)
	s.closed = true
	s.buf = nil
	s.log.Debug("closed file")
	return nil
}

// sync writes back the data buffer and, if the file was written to, the
// directory entry with the new length and write time and the FAT.
func (s *stream) sync() error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if !s.written {
		return nil
	}
	if err := s.fs.updateEntry(s.entry, uint32(s.length), s.fs.opts.now()); err != nil {
		return err
	}
	if err := s.fs.fat.Flush(); err != nil {
		return err
	}
	s.written = false
	return nil
}

// clusterAt resolves the idx-th cluster of the file. With grow set, missing
// clusters are allocated, otherwise errChainEnd is returned for them.
func (s *stream) clusterAt(idx int64, grow bool) (uint32, error) {
	c, i := s.firstCluster, int64(0)
	if s.hintIdx <= idx {
		c, i = s.hintCluster, s.hintIdx
	}

	for i < idx {
		next, eoc, err := s.fs.nextCluster(c)
		if err != nil {
			return 0, err
		}
		if eoc {
			if !grow {
				return 0, errChainEnd
			}
			if next, err = s.fs.allocateCluster(c); err != nil {
				return 0, err
			}
		}
		c = next
		i++
	}

	s.hintIdx, s.hintCluster = i, c
	return c, nil
}

// locate returns the block holding byte pos of the file.
func (s *stream) locate(pos int64, grow bool) (uint32, error) {
	cb := s.fs.clusterBytes()
	c, err := s.clusterAt(pos/cb, grow)
	if err != nil {
		return 0, err
	}
	return s.fs.clusterSector(c) + uint32(pos%cb/BlockSize), nil
}

// bindAt binds the file's buffer to the block holding pos.
// A file using a shared buffer rebinds it on every access, which writes back
// whatever another file left in it.
func (s *stream) bindAt(pos int64, grow bool) error {
	sector, err := s.locate(pos, grow)
	if err == errChainEnd {
		return checkpoint.Wrap(fmt.Errorf("chain of %q ends before offset %d", s.name, pos), errcode.CorruptCluster)
	}
	if err != nil {
		return err
	}
	return s.buf.Bind(sector)
}

func (s *stream) read(p []byte) (int, error) {
	if s.closed {
		return 0, checkpoint.From(errcode.FileClosed)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.ptr >= s.length {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && s.ptr < s.length {
		if err := s.bindAt(s.ptr, false); err != nil {
			s.fs.diag(err, "read failed", logrus.Fields{"file": s.name, "offset": s.ptr})
			return n, err
		}

		off := s.ptr % BlockSize
		chunk := int64(len(p) - n)
		if rest := BlockSize - off; chunk > rest {
			chunk = rest
		}
		if rest := s.length - s.ptr; chunk > rest {
			chunk = rest
		}

		copy(p[n:], s.buf.Bytes()[off:off+chunk])
		n += int(chunk)
		s.ptr += chunk
	}
	return n, nil
}

func (s *stream) putChar(c byte) error {
	if s.closed {
		return checkpoint.From(errcode.FileClosed)
	}
	if err := s.bindAt(s.ptr, true); err != nil {
		s.fs.diag(err, "write failed", logrus.Fields{"file": s.name, "offset": s.ptr})
		return err
	}

	s.buf.Bytes()[s.ptr%BlockSize] = c
	s.buf.MarkDirty()
	s.written = true

	s.ptr++
	if s.ptr > s.length {
		s.length = s.ptr
	}
	return nil
}

// FileReader is an open file for reading.
type FileReader struct {
	*stream
}

// SafeGetChar reads the byte at the current offset and advances it.
// It returns io.EOF at the end of the file.
func (f *FileReader) SafeGetChar() (byte, error) {
	var b [1]byte
	if _, err := f.stream.read(b[:]); err != nil {
		return 0, f.fs.fail(err)
	}
	return b[0], nil
}

// ReadByte implements io.ByteReader.
func (f *FileReader) ReadByte() (byte, error) {
	return f.SafeGetChar()
}

// Read implements io.Reader.
func (f *FileReader) Read(p []byte) (int, error) {
	n, err := f.stream.read(p)
	return n, f.fs.fail(err)
}

// FileWriter is an open file for writing. Writing past the end extends the
// file and allocates new clusters when its chain is exhausted.
type FileWriter struct {
	*stream
}

// SafePutChar writes c at the current offset and advances it.
func (f *FileWriter) SafePutChar(c byte) error {
	return f.fs.fail(f.putChar(c))
}

// PutChar is SafePutChar for callers which do not care about errors.
// A failure is only visible through the length and offset not advancing.
func (f *FileWriter) PutChar(c byte) {
	_ = f.putChar(c)
}

// SafePuts writes every byte of str. It stops at the first failing byte, all
// bytes before it are written.
func (f *FileWriter) SafePuts(str string) error {
	for i := 0; i < len(str); i++ {
		if err := f.putChar(str[i]); err != nil {
			return f.fs.fail(err)
		}
	}
	return nil
}

// Puts is SafePuts for callers which do not care about errors.
// It also stops at the first failing byte.
func (f *FileWriter) Puts(str string) {
	for i := 0; i < len(str); i++ {
		if f.putChar(str[i]) != nil {
			return
		}
	}
}

// Write implements io.Writer.
func (f *FileWriter) Write(p []byte) (int, error) {
	for i, c := range p {
		if err := f.putChar(c); err != nil {
			return i, f.fs.fail(err)
		}
	}
	return len(p), nil
}

// WriteString implements io.StringWriter.
func (f *FileWriter) WriteString(s string) (int, error) {
	for i := 0; i < len(s); i++ {
		if err := f.putChar(s[i]); err != nil {
			return i, f.fs.fail(err)
		}
	}
	return len(s), nil
}

// Flush writes back the buffered data and the new length without closing the file.
func (f *FileWriter) Flush() error {
	if f.closed {
		return f.fs.fail(checkpoint.From(errcode.FileClosed))
	}
	return f.fs.fail(f.sync())
}
