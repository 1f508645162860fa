// Package shell contains the interactive helpers of a mounted filesystem:
// listing the root directory, printing files and dumping raw blocks.
package shell

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/checkpoint"
)

// ErrDisabled is returned by New if the filesystem was created without shell support.
var ErrDisabled = errors.New("shell support is disabled")

// Shell writes the output of its commands to a single writer,
// usually a serial terminal.
type Shell struct {
	fs  *sdfat.FS
	out io.Writer
}

// New creates a Shell for fs. It requires sdfat.Options.Shell to be set.
func New(fs *sdfat.FS, out io.Writer) (*Shell, error) {
	if !fs.Options().Shell {
		return nil, ErrDisabled
	}
	return &Shell{fs: fs, out: out}, nil
}

// Ls prints name, size, attributes and modification time of every entry of the
// root directory.
func (s *Shell) Ls() error {
	entries, err := s.fs.ReadDir()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(s.out, 0, 8, 2, ' ', 0)
	for _, e := range entries {
		mod := "-"
		if t := e.ModTime(); !t.IsZero() {
			mod = t.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", e.Name(), e.Size(), e.Attributes(), mod)
	}
	return checkpoint.From(w.Flush())
}

// Cat prints the content of the file called name.
func (s *Shell) Cat(name string) error {
	f, err := s.fs.Open(name)
	if err != nil {
		return err
	}

	if _, err := io.Copy(s.out, f); err != nil {
		_ = f.Close()
		return checkpoint.From(err)
	}
	return f.Close()
}

// HexDump prints the raw block at addr. Pending changes are written back
// first. The block is loaded into its own Buffer, so no cached block of the
// filesystem is evicted.
func (s *Shell) HexDump(addr uint32) error {
	if err := s.fs.Sync(); err != nil {
		return err
	}

	buf := s.fs.NewBuffer()
	if err := buf.Bind(addr); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.out, "block %d:\n", addr); err != nil {
		return checkpoint.From(err)
	}
	return sdfat.PrintHexBlock(s.out, buf.Bytes())
}
