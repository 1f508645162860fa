package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/blockdev"
	"github.com/aligator/sdfat/internal/config"
	"github.com/aligator/sdfat/sd"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Execute runs the root command on the real filesystem.
func Execute() error {
	return NewRootCmd(afero.NewOsFs()).Execute()
}

// NewRootCmd creates the command tree. Images and the config file are read from fsys.
func NewRootCmd(fsys afero.Fs) *cobra.Command {
	root := &cobra.Command{
		Use:   "sdfat",
		Short: "Inspect and modify FAT16/FAT32 SD card images",
		Long: `sdfat mounts a FAT16 or FAT32 volume from a disk image and gives access
to the files of its root directory.

With --emulate-spi every block access goes through the SD card driver talking
to an emulated card, exactly like on the real hardware.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", config.FileName, "Config file")
	flags.StringP("image", "i", "", "Disk image, overrides the config file")
	flags.BoolP("verbose", "v", false, "Enable verbose diagnostics and debug logging, overrides the config file (on by default)")
	flags.Bool("verbose-blocks", false, "Hex dump boot sector and directory blocks")
	flags.Bool("emulate-spi", false, "Access the image through the SD card driver")
	flags.Bool("strict", false, "Abort on the first failed check")

	root.AddCommand(
		newLsCmd(fsys),
		newCatCmd(fsys),
		newPutsCmd(fsys),
		newHexdumpCmd(fsys),
		newInfoCmd(fsys),
		newFormatCmd(fsys),
	)
	return root
}

// loadConfig reads the config file and applies the flags on top of it.
// A missing config file is only an error if it was given explicitly.
func loadConfig(flags *pflag.FlagSet, fsys afero.Fs) (*config.Config, error) {
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(fsys, path)
	if errors.Is(err, config.ErrConfigNotFound) && !flags.Changed("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	if flags.Changed("image") {
		if cfg.Image, err = flags.GetString("image"); err != nil {
			return nil, err
		}
	}
	for name, target := range map[string]*bool{
		"verbose":        &cfg.Switches.Verbose,
		"verbose-blocks": &cfg.Switches.VerboseBlocks,
		"emulate-spi":    &cfg.EmulateSPI,
		"strict":         &cfg.Switches.Strict,
	} {
		if !flags.Changed(name) {
			continue
		}
		if *target, err = flags.GetBool(name); err != nil {
			return nil, err
		}
	}

	if cfg.Image == "" {
		return nil, errors.New("no image given, use --image or the config file")
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	log.SetLevel(logrus.WarnLevel)
	if cfg.Switches.Verbose || cfg.Switches.VerboseBlocks {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// volume is a mounted image.
type volume struct {
	fs    *sdfat.FS
	image *blockdev.File
}

// mount opens the configured image and mounts it.
func mount(cmd *cobra.Command, fsys afero.Fs) (*volume, error) {
	cfg, err := loadConfig(cmd.Flags(), fsys)
	if err != nil {
		return nil, err
	}
	log := newLogger(cmd, cfg)

	image, err := blockdev.OpenFile(fsys, cfg.Image)
	if err != nil {
		return nil, err
	}

	var dev sdfat.BlockDevice = image
	if cfg.EmulateSPI {
		emu := sd.NewEmulator(image, cfg.Card.HighCapacity)
		dev = sd.NewCard(emu, cfg.CardConfig(log))
	}

	fs := sdfat.New(dev, cfg.Options(log))
	if err := fs.Mount(); err != nil {
		_ = image.Close()
		return nil, err
	}
	return &volume{fs: fs, image: image}, nil
}

// close unmounts the volume and closes the image. It keeps the first error.
func (v *volume) close(err *error) {
	uerr := v.fs.Unmount()
	cerr := v.image.Close()
	if *err == nil {
		*err = uerr
	}
	if *err == nil {
		*err = cerr
	}
}

func exists(fsys afero.Fs, path string) bool {
	_, err := fsys.Stat(path)
	return !os.IsNotExist(err)
}
