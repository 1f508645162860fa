package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the command line args on fsys and returns stdout.
func run(t *testing.T, fsys afero.Fs, args ...string) (string, error) {
	t.Helper()
	out, _, err := runWithLog(t, fsys, args...)
	return out, err
}

// runWithLog is run also returning stderr, which receives the log.
func runWithLog(t *testing.T, fsys afero.Fs, args ...string) (string, string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	cmd := NewRootCmd(fsys)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// testingImage creates sd.img holding README.TXT.
func testingImage(t *testing.T) afero.Fs {
	t.Helper()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "notes.md", []byte("hello sdfat"), 0644))

	out, err := run(t, fsys, "format", "sd.img", "--type", "fat16", "--blocks", "8192", "--cluster", "1", "--add", "notes.md=README.TXT")
	require.NoError(t, err)
	assert.Equal(t, "sd.img: FAT16 with 8095 clusters of 512 bytes\n", out)
	return fsys
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "fat32", args: []string{"format", "big.img", "--type", "FAT32", "--blocks", "70000", "--cluster", "1"}},
		{name: "partition", args: []string{"format", "part.img", "--blocks", "8192", "--partition", "63"}},
		{name: "unknown type", args: []string{"format", "x.img", "--type", "fat12"}, wantErr: "unknown FAT type"},
		{name: "existing image", args: []string{"format", "sd.img"}, wantErr: "already exists"},
		{name: "missing file", args: []string{"format", "y.img", "--add", "nope.txt"}, wantErr: "nope.txt"},
		{name: "invalid name", args: []string{"format", "z.img", "--add", "notes.md=LONGNAME1.TXT"}, wantErr: "adding notes.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := testingImage(t)

			_, err := run(t, fsys, tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			out, err := run(t, fsys, "ls", "-i", tt.args[1])
			require.NoError(t, err)
			assert.Empty(t, out)
		})
	}
}

func TestFormat_Force(t *testing.T) {
	fsys := testingImage(t)

	_, err := run(t, fsys, "format", "sd.img", "--blocks", "8192", "--force")
	require.NoError(t, err)

	out, err := run(t, fsys, "ls", "-i", "sd.img")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLs(t *testing.T) {
	for _, args := range [][]string{
		{"ls", "-i", "sd.img"},
		{"ls", "-i", "sd.img", "--emulate-spi"},
	} {
		fsys := testingImage(t)

		out, err := run(t, fsys, args...)
		require.NoError(t, err, "%v", args)

		fields := strings.Fields(out)
		require.GreaterOrEqual(t, len(fields), 3, "%v", args)
		assert.Equal(t, []string{"README.TXT", "11", "----a"}, fields[:3], "%v", args)
	}
}

func TestCat(t *testing.T) {
	fsys := testingImage(t)

	out, err := run(t, fsys, "cat", "-i", "sd.img", "readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello sdfat", out)

	_, err = run(t, fsys, "cat", "-i", "sd.img", "MISSING.TXT")
	assert.Error(t, err)
}

func TestPuts(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "append", args: []string{"README.TXT", ", bye"}, want: "hello sdfat, bye"},
		{name: "offset", args: []string{"README.TXT", "HELLO", "--offset", "0"}, want: "HELLO sdfat"},
		{name: "grow", args: []string{"README.TXT", "FAT!", "--offset", "9"}, want: "hello sdFAT!"},
		{name: "through the card", args: []string{"README.TXT", "!", "--emulate-spi"}, want: "hello sdfat!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := testingImage(t)

			out, err := run(t, fsys, append([]string{"puts", "-i", "sd.img"}, tt.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "README.TXT: ")

			out, err = run(t, fsys, "cat", "-i", "sd.img", "README.TXT")
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestInfo(t *testing.T) {
	fsys := testingImage(t)

	out, err := run(t, fsys, "info", "-i", "sd.img")
	require.NoError(t, err)
	assert.Contains(t, out, "Type: (sdfat.FATType) FAT16")
	assert.Contains(t, out, "Label: (string) (len=5) \"SDFAT\"")
}

func TestHexdump(t *testing.T) {
	fsys := testingImage(t)

	out, err := run(t, fsys, "hexdump", "-i", "sd.img", "0")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "block 0:\n0x0000: "))
	assert.Contains(t, out, "0x01f0: ")

	_, err = run(t, fsys, "hexdump", "-i", "sd.img", "zero")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid block")
}

func TestConfigFile(t *testing.T) {
	fsys := testingImage(t)

	// Without a config file an image has to be given.
	_, err := run(t, fsys, "ls")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no image given")

	_, err = run(t, fsys, "ls", "-c", "other.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading other.yaml")

	require.NoError(t, afero.WriteFile(fsys, "sdfat.yaml", []byte("image: sd.img\nemulate_spi: true\n"), 0644))
	out, err := run(t, fsys, "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "README.TXT")

	// Shell helpers can be switched off.
	require.NoError(t, afero.WriteFile(fsys, "sdfat.yaml", []byte("image: sd.img\nswitches:\n  shell: false\n"), 0644))
	_, err = run(t, fsys, "ls")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shell support is disabled")
}

func TestVerboseLogging(t *testing.T) {
	tests := []struct {
		name        string
		config      string
		args        []string
		wantVerbose bool
	}{
		{name: "default", config: "image: sd.img\n", wantVerbose: true},
		{name: "disabled in the config", config: "image: sd.img\nswitches:\n  verbose: false\n"},
		{name: "enabled in the config", config: "image: sd.img\nswitches:\n  verbose: true\n", wantVerbose: true},
		{name: "flag overrides the config", config: "image: sd.img\nswitches:\n  verbose: true\n", args: []string{"--verbose=false"}},
		{name: "flag enables", config: "image: sd.img\nswitches:\n  verbose: false\n", args: []string{"-v"}, wantVerbose: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := testingImage(t)
			require.NoError(t, afero.WriteFile(fsys, "sdfat.yaml", []byte(tt.config), 0644))

			_, log, err := runWithLog(t, fsys, append([]string{"info"}, tt.args...)...)
			require.NoError(t, err)
			if tt.wantVerbose {
				assert.Contains(t, log, "volume mounted")
				assert.Contains(t, log, "ClusterCount")
			} else {
				assert.Empty(t, log)
			}
		})
	}
}
