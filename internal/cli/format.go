package cli

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/blockdev"
	"github.com/aligator/sdfat/mkfs"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

type formatOptions struct {
	fatType   string
	blocks    uint32
	cluster   uint8
	fats      uint8
	label     string
	partition uint32
	add       []string
	force     bool
}

func newFormatCmd(fsys afero.Fs) *cobra.Command {
	var opts formatOptions
	cmd := &cobra.Command{
		Use:   "format IMAGE",
		Short: "Create a new image with an empty FAT volume",
		Long: `Create a disk image and format it. Files given with --add are copied into
the root directory, each one as SRC or SRC=NAME.`,
		Example: `  sdfat format sd.img --type fat16 --blocks 32768 --add README.TXT
  sdfat format sd.img --type fat32 --blocks 131072 --partition 2048 --add notes.md=NOTES.TXT`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFormat(cmd, fsys, args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.fatType, "type", "fat16", "fat16 or fat32")
	flags.Uint32Var(&opts.blocks, "blocks", 32768, "Size of the volume in blocks of 512 bytes")
	flags.Uint8Var(&opts.cluster, "cluster", 0, "Blocks per cluster, 0 picks a default")
	flags.Uint8Var(&opts.fats, "fats", 2, "Number of FAT copies")
	flags.StringVar(&opts.label, "label", "SDFAT", "Volume label")
	flags.Uint32Var(&opts.partition, "partition", 0, "Start block of a partition behind a master boot record, 0 for none")
	flags.StringArrayVar(&opts.add, "add", nil, "Add a file as SRC or SRC=NAME")
	flags.BoolVarP(&opts.force, "force", "f", false, "Overwrite an existing image")
	return cmd
}

func runFormat(cmd *cobra.Command, fsys afero.Fs, image string, opts formatOptions) (err error) {
	var t sdfat.FATType
	switch strings.ToLower(opts.fatType) {
	case "fat16":
		t = sdfat.FAT16
	case "fat32":
		t = sdfat.FAT32
	default:
		return fmt.Errorf("unknown FAT type %q", opts.fatType)
	}

	if exists(fsys, image) && !opts.force {
		return fmt.Errorf("%s already exists, use --force to overwrite it", image)
	}

	dev, err := blockdev.CreateFile(fsys, image, opts.partition+opts.blocks)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dev.Close(); err == nil {
			err = cerr
		}
	}()

	vol, err := mkfs.Format(dev, mkfs.Options{
		Type:             t,
		Blocks:           opts.blocks,
		BlocksPerCluster: opts.cluster,
		NumFATs:          opts.fats,
		PartitionStart:   opts.partition,
		Label:            opts.label,
		VolumeID:         uint32(time.Now().Unix()),
	})
	if err != nil {
		return err
	}

	for _, arg := range opts.add {
		src, name := arg, path.Base(arg)
		if i := strings.LastIndexByte(arg, '='); i >= 0 {
			src, name = arg[:i], arg[i+1:]
		}

		data, err := afero.ReadFile(fsys, src)
		if err != nil {
			return err
		}
		if _, err := vol.AddFile(name, data); err != nil {
			return fmt.Errorf("adding %s: %w", src, err)
		}
	}

	geo := vol.Geometry()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %v with %d clusters of %d bytes\n",
		image, t, geo.Clusters, int(geo.BlocksPerCluster)*sdfat.BlockSize)
	return nil
}
