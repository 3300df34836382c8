// Package boot prepares the boot-capable partitions of an assembled
// image. Three mutually incompatible boot architectures hide behind one
// Installer contract: a unified UEFI kernel stub, systemd-boot style
// loader entries, and legacy BIOS GRUB. The strategy is an explicit
// configuration axis, selected per build, not inferred from the layout.
package boot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashbrowncipher/ec2-images/internal/disk"
)

// Strategy selects the boot architecture of the image.
type Strategy string

const (
	// StrategyUEFIStub injects kernel, initrd and command line into a
	// single measured UEFI executable on the ESP.
	StrategyUEFIStub Strategy = "uefi-stub"
	// StrategyLoaderEntry places a boot manager plus loader-entry text
	// records on the ESP, pointing at separately copied kernel files.
	StrategyLoaderEntry Strategy = "loader-entry"
	// StrategyLegacyGRUB installs GRUB into a BIOS-boot partition and a
	// conventional boot filesystem.
	StrategyLegacyGRUB Strategy = "legacy-grub"
)

// Phase tracks an image build through its fixed state machine. Each
// Installer implements the PayloadWritten to Finalized transition; the
// assembler owns the rest.
type Phase int

const (
	Planned Phase = iota
	PartitionsReady
	PayloadWritten
	Finalized
)

func (p Phase) String() string {
	switch p {
	case Planned:
		return "planned"
	case PartitionsReady:
		return "partitions-ready"
	case PayloadWritten:
		return "payload-written"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// GPT partition names shared between layout and finalization.
const (
	espPartitionName   = "EFI System Partition"
	statePartitionName = "State Partition"
	rootPartitionName  = "Root Partition"
	bootPartitionName  = "Boot Partition"
	biosPartitionName  = "BIOS Boot Partition"
)

// Config carries the build-time boot configuration.
type Config struct {
	Strategy Strategy

	// OSReleaseName becomes the NAME field of the stub's os-release
	// section and the loader entry title.
	OSReleaseName string

	// CmdlineExtra is appended to the generated kernel command line.
	CmdlineExtra string

	// StubPath is the generic UEFI stub binary (uefi-stub strategy).
	StubPath string

	// BootManagerPath is the generic boot manager binary copied to the
	// well-known EFI path (loader-entry strategy).
	BootManagerPath string

	// ESPSectors overrides the EFI System Partition size; zero means the
	// conventional 200 MiB.
	ESPSectors uint64

	// BootSectors overrides the legacy boot partition size; zero means
	// 200 MiB.
	BootSectors uint64

	// StateUUID, when set, fixes the state partition GUID. The overlay
	// machinery baked into the initramfs names the partition by GUID, so
	// the GUID must be settled before the root tree is compressed.
	StateUUID string
}

// Installer finalizes the boot path of an assembled image. An installer
// only ever touches partitions it declared in Layout and is handed back
// through the Context.
type Installer interface {
	Strategy() Strategy

	// Layout returns the partitions this strategy needs, in on-disk
	// order, given the compressed root filesystem blob and its length.
	Layout(squashfsPath string, squashfsBytes uint64) []disk.PartitionRequest

	// Finalize implements the PayloadWritten to Finalized transition.
	Finalize(ctx *Context) error
}

// NewInstaller selects the installer for the configured strategy.
func NewInstaller(cfg Config) (Installer, error) {
	switch cfg.Strategy {
	case StrategyUEFIStub:
		return &stubInstaller{cfg: cfg}, nil
	case StrategyLoaderEntry:
		return &loaderEntryInstaller{cfg: cfg}, nil
	case StrategyLegacyGRUB:
		return &legacyInstaller{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown boot strategy %q", cfg.Strategy)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return nil
}
