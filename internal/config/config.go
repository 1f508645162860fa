package config

import (
	"errors"
	"io/fs"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/sd"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the config file does not exist.
// Callers can check for this with errors.Is(err, config.ErrConfigNotFound).
var ErrConfigNotFound = errors.New("config file not found")

// FileName is the config file looked up when no path is given.
const FileName = "sdfat.yaml"

// Switches are the optional behaviours of the filesystem.
type Switches struct {
	Verbose        bool `yaml:"verbose"`
	VerboseBlocks  bool `yaml:"verbose_blocks"`
	SpeedOverSpace bool `yaml:"speed_over_space"`
	Shell          bool `yaml:"shell"`
	Strict         bool `yaml:"strict"`
}

// Card describes how the card is reached when the SPI transport is used.
type Card struct {
	Pins         sd.Pins `yaml:"pins"`
	InitHz       uint32  `yaml:"init_hz,omitempty"`
	FastHz       uint32  `yaml:"fast_hz,omitempty"`
	HighCapacity bool    `yaml:"high_capacity"`
}

type Config struct {
	// Image is the disk image holding the volume.
	Image string `yaml:"image"`
	// EmulateSPI runs every block access through the SD card driver and an
	// emulated card instead of accessing the image directly.
	EmulateSPI bool     `yaml:"emulate_spi"`
	Card       Card     `yaml:"card"`
	Switches   Switches `yaml:"switches"`
}

// Default returns the configuration used for everything the config file does not set.
func Default() *Config {
	def := sdfat.DefaultOptions()
	return &Config{
		Card: Card{
			Pins:         sd.Pins{MOSI: 0, MISO: 1, SCLK: 2, CS: 3},
			InitHz:       sd.DefaultInitHz,
			FastHz:       sd.DefaultFastHz,
			HighCapacity: true,
		},
		Switches: Switches{
			Verbose:        def.Verbose,
			VerboseBlocks:  def.VerboseBlocks,
			SpeedOverSpace: def.SpeedOverSpace,
			Shell:          def.Shell,
			Strict:         def.Strict,
		},
	}
}

// Load reads the config file at path of fsys on top of Default.
func Load(fsys afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Options converts the switches into filesystem options logging to log.
func (c *Config) Options(log logrus.FieldLogger) sdfat.Options {
	return sdfat.Options{
		Verbose:        c.Switches.Verbose,
		VerboseBlocks:  c.Switches.VerboseBlocks,
		SpeedOverSpace: c.Switches.SpeedOverSpace,
		Shell:          c.Switches.Shell,
		Strict:         c.Switches.Strict,
		Logger:         log,
	}
}

// CardConfig returns the configuration of the SD card driver.
func (c *Config) CardConfig(log logrus.FieldLogger) sd.Config {
	return sd.Config{
		Pins:   c.Card.Pins,
		InitHz: c.Card.InitHz,
		FastHz: c.Card.FastHz,
		Logger: log,
	}
}
