package boot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashbrowncipher/ec2-images/internal/disk"
	"github.com/hashbrowncipher/ec2-images/internal/executor"
)

// legacyInstaller sets up BIOS boot: GRUB's boot sector and second-stage
// image land in a dedicated BIOS-boot partition that is never formatted
// or mounted, while kernel, initrd and the generated menu script live on
// a conventional ext4 boot partition. grub-install runs inside a
// disposable container rooted at the staged tree, against the whole loop
// device, so it can embed a second stage that finds the boot partition
// on its own.
type legacyInstaller struct {
	cfg Config
}

func (inst *legacyInstaller) Strategy() Strategy {
	return StrategyLegacyGRUB
}

// biosBootSectors is 1 MiB, ample for GRUB's core image.
const biosBootSectors = 2048

func (inst *legacyInstaller) Layout(squashfsPath string, squashfsBytes uint64) []disk.PartitionRequest {
	bootSectors := inst.cfg.BootSectors
	if bootSectors == 0 {
		bootSectors = disk.ESPSectors
	}
	return []disk.PartitionRequest{
		{
			Name:    biosPartitionName,
			Type:    disk.BIOSBootPartitionGUID,
			Sectors: biosBootSectors,
		},
		{
			Name:       bootPartitionName,
			Type:       disk.FilesystemDataGUID,
			Sectors:    bootSectors,
			Bootable:   true,
			Filesystem: &disk.Filesystem{Type: "ext4", Label: "boot"},
		},
		disk.NewBlobRequest(rootPartitionName, disk.RootPartitionX8664GUID, squashfsPath, squashfsBytes),
		{
			Name:       statePartitionName,
			Type:       disk.FilesystemDataGUID,
			UUID:       inst.cfg.StateUUID,
			Grow:       true,
			Filesystem: &disk.Filesystem{Type: "ext4"},
		},
	}
}

func (inst *legacyInstaller) grubConfig(rootUUID string) string {
	cmdline := "root=PARTUUID=" + rootUUID
	if inst.cfg.CmdlineExtra != "" {
		cmdline += " " + inst.cfg.CmdlineExtra
	}
	return fmt.Sprintf(`set default=0
set timeout=0

menuentry %q {
	linux /vmlinuz %s
	initrd /initrd.img
}
`, inst.cfg.OSReleaseName, cmdline)
}

func (inst *legacyInstaller) Finalize(ctx *Context) error {
	root, _, err := ctx.partition(rootPartitionName)
	if err != nil {
		return err
	}
	_, bootDev, err := ctx.partition(bootPartitionName)
	if err != nil {
		return err
	}

	return executor.WithMount(ctx.Mounter, bootDev, "ext4", ctx.WorkDir, func(mnt string) error {
		if err := copyFile(filepath.Join(ctx.BootDir, "vmlinuz"), filepath.Join(mnt, "vmlinuz")); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(ctx.BootDir, "initrd.img"), filepath.Join(mnt, "initrd.img")); err != nil {
			return err
		}

		grubDir := filepath.Join(mnt, "grub")
		if err := os.MkdirAll(grubDir, 0755); err != nil {
			return fmt.Errorf("creating grub directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(grubDir, "grub.cfg"), []byte(inst.grubConfig(root.UUID)), 0644); err != nil {
			return fmt.Errorf("writing grub.cfg: %w", err)
		}

		// grub-install embeds the core image into the BIOS-boot
		// partition and a boot sector referencing it into LBA 0
		nspawnArgs := []string{
			"--bind=/dev",
			"--bind=" + mnt + ":/boot",
		}
		_, err := executor.Nspawn(ctx.Runner, ctx.TreeDir, nspawnArgs,
			"grub-install", "--target=i386-pc", "--boot-directory=/boot", ctx.Device.Path)
		if err != nil {
			return fmt.Errorf("installing boot loader: %w", err)
		}
		return nil
	})
}
