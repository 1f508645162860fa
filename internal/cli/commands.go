package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/shell"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func newLsCmd(fsys afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the root directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			v, err := mount(cmd, fsys)
			if err != nil {
				return err
			}
			defer v.close(&err)

			sh, err := shell.New(v.fs, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return sh.Ls()
		},
	}
}

func newCatCmd(fsys afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "cat NAME",
		Short: "Print a file of the root directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			v, err := mount(cmd, fsys)
			if err != nil {
				return err
			}
			defer v.close(&err)

			sh, err := shell.New(v.fs, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return sh.Cat(args[0])
		},
	}
}

func newPutsCmd(fsys afero.Fs) *cobra.Command {
	var offset int64
	cmd := &cobra.Command{
		Use:   "puts NAME TEXT",
		Short: "Append text to a file of the root directory",
		Long: `Append text to an existing file. With --offset the text overwrites the
file starting at the given offset instead, growing it if needed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			v, err := mount(cmd, fsys)
			if err != nil {
				return err
			}
			defer v.close(&err)

			f, err := v.fs.OpenWriter(args[0])
			if err != nil {
				return err
			}

			whence, pos := io.SeekEnd, int64(0)
			if cmd.Flags().Changed("offset") {
				whence, pos = io.SeekStart, offset
			}
			if _, err := f.Seek(pos, whence); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.SafePuts(args[1]); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", f.Name(), f.Size())
			return nil
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "Write at this offset instead of appending")
	return cmd
}

func newHexdumpCmd(fsys afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "hexdump BLOCK",
		Short: "Print a raw block of the image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			block, err := strconv.ParseUint(args[0], 0, 32)
			if err != nil {
				return fmt.Errorf("invalid block %q: %w", args[0], err)
			}

			v, err := mount(cmd, fsys)
			if err != nil {
				return err
			}
			defer v.close(&err)

			sh, err := shell.New(v.fs, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return sh.HexDump(uint32(block))
		},
	}
}

func newInfoCmd(fsys afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the geometry of the volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			v, err := mount(cmd, fsys)
			if err != nil {
				return err
			}
			defer v.close(&err)

			_, err = fmt.Fprint(cmd.OutOrStdout(), sdfat.Sdump(v.fs.Info()))
			return err
		},
	}
}
