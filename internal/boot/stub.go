package boot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/hashbrowncipher/ec2-images/internal/disk"
	"github.com/hashbrowncipher/ec2-images/internal/executor"
	"github.com/hashbrowncipher/ec2-images/internal/pecoff"
)

// stubInstaller builds a single measured UEFI executable carrying the
// kernel, initrd and command line, and drops it on the ESP at the
// well-known fallback boot path. The squashfs travels as a file on the
// state partition and is loop-mounted by the initramfs.
type stubInstaller struct {
	cfg Config
}

func (inst *stubInstaller) Strategy() Strategy {
	return StrategyUEFIStub
}

func (inst *stubInstaller) Layout(squashfsPath string, squashfsBytes uint64) []disk.PartitionRequest {
	espSectors := inst.cfg.ESPSectors
	if espSectors == 0 {
		espSectors = disk.ESPSectors
	}
	return []disk.PartitionRequest{
		{
			Name:       espPartitionName,
			Type:       disk.EFISystemPartitionGUID,
			Sectors:    espSectors,
			Filesystem: &disk.Filesystem{Type: "vfat"},
		},
		{
			Name:       statePartitionName,
			Type:       disk.FilesystemDataGUID,
			UUID:       inst.cfg.StateUUID,
			Grow:       true,
			Filesystem: &disk.Filesystem{Type: "ext4"},
		},
	}
}

func (inst *stubInstaller) Finalize(ctx *Context) error {
	state, stateDev, err := ctx.partition(statePartitionName)
	if err != nil {
		return err
	}
	_, espDev, err := ctx.partition(espPartitionName)
	if err != nil {
		return err
	}

	osrelPath := filepath.Join(ctx.WorkDir, "os-release")
	if err := os.WriteFile(osrelPath, []byte(fmt.Sprintf("NAME=%q\n", inst.cfg.OSReleaseName)), 0644); err != nil {
		return fmt.Errorf("writing os-release: %w", err)
	}

	cmdline := fmt.Sprintf("root=PARTUUID=%s loop=root.squashfs", state.UUID)
	if inst.cfg.CmdlineExtra != "" {
		cmdline += " " + inst.cfg.CmdlineExtra
	}
	cmdlinePath := filepath.Join(ctx.WorkDir, "cmdline")
	if err := os.WriteFile(cmdlinePath, []byte(cmdline), 0644); err != nil {
		return fmt.Errorf("writing cmdline: %w", err)
	}

	efiPath := filepath.Join(ctx.WorkDir, "appliance.efi")
	err = pecoff.AddSections(ctx.Runner, inst.cfg.StubPath, efiPath, pecoff.Sections{
		OSRelease: osrelPath,
		Cmdline:   cmdlinePath,
		Kernel:    filepath.Join(ctx.BootDir, "vmlinuz"),
		Initrd:    filepath.Join(ctx.BootDir, "initrd.img"),
	})
	if err != nil {
		return err
	}

	digest, err := pecoff.MeasureFile(efiPath)
	if err != nil {
		return err
	}
	logrus.Infof("expected TPM binary hash: %s", digest)
	fmt.Fprintf(ctx.Out, "sha256(%q): %s\n", efiPath, digest)

	err = executor.WithMount(ctx.Mounter, espDev, "vfat", ctx.WorkDir, func(mnt string) error {
		return copyFile(efiPath, filepath.Join(mnt, "EFI/boot/bootx64.efi"))
	})
	if err != nil {
		return err
	}

	return executor.WithMount(ctx.Mounter, stateDev, "ext4", ctx.WorkDir, func(mnt string) error {
		return copyFile(ctx.SquashfsPath, filepath.Join(mnt, "root.squashfs"))
	})
}
