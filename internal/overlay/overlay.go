// Package overlay injects the writable-root machinery into a root
// filesystem tree before it is compressed. The immutable squashfs lower
// layer gets a read-write overlay whose upper and work directories live
// on a separate persistent partition. The partition is identified by its
// GPT partition GUID, never by a device path, because device enumeration
// order is not stable across reboots.
package overlay

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/unit"
)

const initramfsConf = "MODULES=list\nCOMPRESS=zstd\n"

// modulesHook makes sure the overlay module lands in the initramfs even
// though module auto-detection is off.
const modulesHook = `#!/bin/sh

PREREQ=""

prereqs()
{
  echo "$PREREQ"
}

case $1 in
# get pre-requisites
prereqs)
  prereqs
  exit 0
  ;;
esac

. /usr/share/initramfs-tools/hook-functions

manual_add_modules overlay
`

// mountScript runs at the init-bottom stage, after the squashfs root is
// mounted but before control passes to the real init. It mounts the
// persistent partition, creates the upper and work directories if the
// partition was freshly formatted, and layers the writable view over the
// read-only root.
func mountScript(statePartUUID string) string {
	return `#!/bin/sh -e

PREREQ=""
prereqs() {
  echo "$PREREQ"
}

case ${1} in
  prereqs)
    prereqs
    exit 0
    ;;
esac

mkdir -p /run/overlay
cd /run/overlay

mkdir host immutable-root
mount /dev/disk/by-partuuid/` + statePartUUID + ` host
mount -o move /root immutable-root
mkdir -p host/state host/work
mount -t overlay -o lowerdir=immutable-root,upperdir=host/state,workdir=host/work none /root
`
}

// stateOverlayUnit declares, inside the composed system, that the
// overlay must exist before anything mounts or writes under the root.
// The initramfs script does the actual work; this unit re-creates the
// upper directories if they are missing and acts as the ordering barrier
// for everything after local-fs.target.
func stateOverlayUnit() io.Reader {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "Writable state overlay for the read-only root"),
		unit.NewUnitOption("Unit", "DefaultDependencies", "no"),
		unit.NewUnitOption("Unit", "Before", "local-fs.target sysinit.target"),
		unit.NewUnitOption("Unit", "ConditionPathIsDirectory", "/run/overlay/host"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "ExecStart", "mkdir -p /run/overlay/host/state /run/overlay/host/work"),
		unit.NewUnitOption("Service", "RemainAfterExit", "yes"),
		unit.NewUnitOption("Install", "WantedBy", "sysinit.target"),
	}
	return unit.Serialize(opts)
}

func writeScript(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(contents), 0755)
}

// Compose writes the overlay machinery into treeDir: the initramfs
// configuration, the init-bottom mount script keyed to the persistent
// partition's GUID, the module hook, and the in-system ordering unit.
func Compose(treeDir, statePartUUID string) error {
	if statePartUUID == "" {
		return fmt.Errorf("overlay: state partition GUID is empty")
	}

	conf := filepath.Join(treeDir, "etc/initramfs-tools/initramfs.conf")
	if err := os.MkdirAll(filepath.Dir(conf), 0755); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	if err := os.WriteFile(conf, []byte(initramfsConf), 0644); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}

	script := filepath.Join(treeDir, "usr/share/initramfs-tools/scripts/init-bottom/overlay")
	if err := writeScript(script, mountScript(statePartUUID)); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}

	hook := filepath.Join(treeDir, "usr/share/initramfs-tools/hooks/copy-modules")
	if err := writeScript(hook, modulesHook); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}

	// microcode loading is useless in a cloud guest and bloats the
	// initramfs
	microcode := filepath.Join(treeDir, "usr/share/initramfs-tools/hooks/intel_microcode")
	if err := os.Remove(microcode); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("overlay: %w", err)
	}

	serialized, err := io.ReadAll(stateOverlayUnit())
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	unitPath := filepath.Join(treeDir, "etc/systemd/system/state-overlay.service")
	if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	if err := os.WriteFile(unitPath, serialized, 0644); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}

	wants := filepath.Join(treeDir, "etc/systemd/system/sysinit.target.wants")
	if err := os.MkdirAll(wants, 0755); err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	link := filepath.Join(wants, "state-overlay.service")
	if err := os.Symlink("/etc/systemd/system/state-overlay.service", link); err != nil && !os.IsExist(err) {
		return fmt.Errorf("overlay: %w", err)
	}

	return nil
}
