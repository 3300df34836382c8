package executor

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mounter mounts and unmounts filesystems.
type Mounter interface {
	Mount(device, dir, fstype string) error
	Unmount(dir string) error
}

type hostMounter struct{}

// NewHostMounter returns a Mounter backed by the mount(2) and umount(2)
// syscalls.
func NewHostMounter() Mounter {
	return &hostMounter{}
}

func (hostMounter) Mount(device, dir, fstype string) error {
	if err := unix.Mount(device, dir, fstype, 0, ""); err != nil {
		return fmt.Errorf("mounting %s on %s: %w", device, dir, err)
	}
	return nil
}

func (hostMounter) Unmount(dir string) error {
	if err := unix.Unmount(dir, 0); err != nil {
		return fmt.Errorf("unmounting %s: %w", dir, err)
	}
	return nil
}

// WithMount mounts device on a fresh directory under workDir, calls fn
// with the mountpoint and unmounts on the way out, success or failure.
func WithMount(m Mounter, device, fstype, workDir string, fn func(mountpoint string) error) error {
	mountpoint, err := os.MkdirTemp(workDir, "mnt-")
	if err != nil {
		return fmt.Errorf("creating mountpoint: %w", err)
	}
	defer os.Remove(mountpoint)

	if err := m.Mount(device, mountpoint, fstype); err != nil {
		return err
	}

	fnErr := fn(mountpoint)
	if err := m.Unmount(mountpoint); err != nil {
		if fnErr != nil {
			return fnErr
		}
		return err
	}
	return fnErr
}
