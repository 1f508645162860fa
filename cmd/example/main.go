package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/blockdev"
	"github.com/aligator/sdfat/mkfs"
	"github.com/aligator/sdfat/sd"
	"github.com/spf13/afero"
)

// main is just a example main to play with sdfat. It runs completely in memory:
// a FAT16 volume is formatted on an emulated SD card which is then mounted
// through the SPI driver.
func main() {
	mem := blockdev.NewMemory(32768)
	vol, err := mkfs.Format(mem, mkfs.Options{Type: sdfat.FAT16, Blocks: 32768, Label: "EXAMPLE"})
	if err != nil {
		fmt.Println("could not format", err)
		os.Exit(1)
	}

	readme := strings.Repeat("Hello from an emulated SD card!\n", 400)
	if _, err := vol.AddFile("README.TXT", []byte(readme)); err != nil {
		fmt.Println("could not add the file", err)
		os.Exit(1)
	}

	card := sd.NewCard(sd.NewEmulator(mem, true), sd.Config{Pins: sd.Pins{MOSI: 0, MISO: 1, SCLK: 2, CS: 3}})
	fat := sdfat.New(card, sdfat.DefaultOptions())
	if err := fat.Mount(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Printf("Opened volume '%v' with type %v\n\n", fat.Label(), fat.FSType())

	afs := sdfat.NewAferoFs(fat)
	afero.Walk(afs, "", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			fmt.Println(err)
			return err
		}
		fmt.Println(path, info.IsDir(), info.ModTime())
		return nil
	})

	file, err := fat.Open("README.TXT")
	if err != nil {
		fmt.Println("could not open the root file", err)
		os.Exit(1)
	}

	buffer := make([]byte, file.Size())
	n, err := io.ReadFull(file, buffer)
	if err != nil {
		fmt.Println("could not read the file", err)
		os.Exit(1)
	}
	fmt.Println(file.Size(), n)
	fmt.Println("\n\nContent of " + file.Name() + ":\n\n" + string(buffer[:64]))

	buffer = make([]byte, 32)
	if _, err := file.Seek(9, io.SeekStart); err != nil {
		fmt.Println("could not seek", err)
		os.Exit(1)
	}
	offset, err := file.Seek(32*199, io.SeekCurrent)
	if err != nil {
		fmt.Println("could not seek", err)
		os.Exit(1)
	}
	fmt.Println(offset, file.Tell())

	n, err = file.Read(buffer)
	if err != nil {
		fmt.Println("could not read the file", err)
		os.Exit(1)
	}
	fmt.Println("\n\nContent of " + file.Name() + " using an offset and small buffer:\n\n" + string(buffer[:n]))

	if err := file.Close(); err != nil {
		fmt.Println("could not close", err)
		os.Exit(1)
	}
	if err := fat.Unmount(); err != nil {
		fmt.Println("could not unmount", err)
		os.Exit(1)
	}
}
