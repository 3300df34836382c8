package boot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashbrowncipher/ec2-images/internal/disk"
	"github.com/hashbrowncipher/ec2-images/internal/executor"
)

// loaderEntryInstaller puts a generic boot manager on the ESP together
// with a loader-entry record pointing at separately copied kernel and
// initrd files. The squashfs root is embedded raw into its own
// partition, which the kernel mounts directly by partition GUID.
type loaderEntryInstaller struct {
	cfg Config
}

func (inst *loaderEntryInstaller) Strategy() Strategy {
	return StrategyLoaderEntry
}

func (inst *loaderEntryInstaller) Layout(squashfsPath string, squashfsBytes uint64) []disk.PartitionRequest {
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

func (inst *loaderEntryInstaller) entry(rootUUID string) string {
	cmdline := "root=PARTUUID=" + rootUUID
	if inst.cfg.CmdlineExtra != "" {
		cmdline += " " + inst.cfg.CmdlineExtra
	}
	return fmt.Sprintf("title %s\nlinux /vmlinuz\ninitrd /initrd.img\noptions %s\n",
		inst.cfg.OSReleaseName, cmdline)
}

func (inst *loaderEntryInstaller) Finalize(ctx *Context) error {
	root, _, err := ctx.partition(rootPartitionName)
	if err != nil {
		return err
	}
	_, espDev, err := ctx.partition(espPartitionName)
	if err != nil {
		return err
	}

	return executor.WithMount(ctx.Mounter, espDev, "vfat", ctx.WorkDir, func(mnt string) error {
		if err := copyFile(inst.cfg.BootManagerPath, filepath.Join(mnt, "EFI/BOOT/BOOTX64.EFI")); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(ctx.BootDir, "vmlinuz"), filepath.Join(mnt, "vmlinuz")); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(ctx.BootDir, "initrd.img"), filepath.Join(mnt, "initrd.img")); err != nil {
			return err
		}

		loaderDir := filepath.Join(mnt, "loader")
		if err := os.MkdirAll(filepath.Join(loaderDir, "entries"), 0755); err != nil {
			return fmt.Errorf("creating loader directory: %w", err)
		}
		loaderConf := "default appliance.conf\ntimeout 0\n"
		if err := os.WriteFile(filepath.Join(loaderDir, "loader.conf"), []byte(loaderConf), 0644); err != nil {
			return fmt.Errorf("writing loader.conf: %w", err)
		}
		entryPath := filepath.Join(loaderDir, "entries", "appliance.conf")
		if err := os.WriteFile(entryPath, []byte(inst.entry(root.UUID)), 0644); err != nil {
			return fmt.Errorf("writing loader entry: %w", err)
		}
		return nil
	})
}
