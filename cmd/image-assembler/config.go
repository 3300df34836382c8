package main

import (
	"io"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
)

type BuildConfigFile struct {
	// OutputPath is the raw image to produce.
	OutputPath string `toml:"output_path"`

	// ImageSize accepts human-readable sizes, e.g. "1 GB".
	ImageSize datasize.ByteSize `toml:"image_size"`

	// Strategy is one of uefi-stub, loader-entry, legacy-grub.
	Strategy string `toml:"strategy"`

	OSName       string `toml:"os_name"`
	CmdlineExtra string `toml:"cmdline_extra"`

	// StubPath is the UEFI stub for the uefi-stub strategy.
	StubPath string `toml:"stub_path"`

	// BootManagerPath is the boot manager binary for loader-entry.
	BootManagerPath string `toml:"boot_manager_path"`

	// ESPSize and BootSize override the 200 MiB defaults.
	ESPSize  datasize.ByteSize `toml:"esp_size"`
	BootSize datasize.ByteSize `toml:"boot_size"`

	// TreeDir is the bootstrapped root filesystem tree to package.
	TreeDir string `toml:"tree"`

	AuthorizedKeys string `toml:"authorized_keys"`
	KernelPackage  string `toml:"kernel_package"`

	AWS *struct {
		Region string `toml:"region"`
		Bucket string `toml:"bucket"`
		Key    string `toml:"key"`
		// Name is the AMI name; empty skips registration.
		Name string `toml:"name"`
	} `toml:"aws,omitempty"`
}

func LoadConfig(name string) (*BuildConfigFile, error) {
	c := BuildConfigFile{
		OutputPath: "image.raw",
		ImageSize:  datasize.GB,
		Strategy:   "uefi-stub",
		OSName:     "Ubuntu 22.04",
		StubPath:   "/usr/lib/systemd/boot/efi/linuxx64.efi.stub",
	}
	if _, err := toml.DecodeFile(name, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func DumpConfig(c *BuildConfigFile, w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
