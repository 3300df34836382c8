// Package loopback manages the lifetime of kernel loop devices bound to
// image files. A Device is owned by exactly one caller and must be
// detached on every exit path; Detach is safe to defer and to call more
// than once.
//
// Attachment is a single attempt with no retry: the loop-device table is
// host-global, and a collision means the build environment is
// misconfigured, not that the condition is transient.
package loopback

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hashbrowncipher/ec2-images/internal/executor"
)

// DeviceError is a loop-device attach or detach failure, carrying the
// underlying OS error.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("loop device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Device is an attached loop device.
type Device struct {
	// Path is the resolved device node, e.g. /dev/loop3.
	Path string

	runner   executor.Runner
	detached bool
}

// Attach binds the image file at path to a free loop device with
// partition scanning enabled, so that the image's partitions appear as
// numbered sub-devices. On failure nothing is left attached.
func Attach(r executor.Runner, path string) (*Device, error) {
	out, err := r.Run("losetup", "--find", "--show", "--partscan", path)
	if err != nil {
		return nil, &DeviceError{Op: "attach", Err: err}
	}

	devPath := strings.TrimSpace(string(out))
	if devPath == "" {
		return nil, &DeviceError{Op: "attach", Err: errors.New("losetup reported no device")}
	}

	logrus.Debugf("attached %s as %s", path, devPath)
	return &Device{Path: devPath, runner: r}, nil
}

// Partition returns the device node of the n-th partition (1-based) of
// the attached image.
func (d *Device) Partition(n int) string {
	return fmt.Sprintf("%sp%d", d.Path, n)
}

// Detach releases the loop device. Calling Detach a second time is a
// no-op, so it can sit in a defer while the happy path also detaches
// explicitly to observe the error.
func (d *Device) Detach() error {
	if d.detached {
		return nil
	}
	d.detached = true

	if _, err := d.runner.Run("losetup", "--detach", d.Path); err != nil {
		return &DeviceError{Op: "detach", Err: err}
	}

	logrus.Debugf("detached %s", d.Path)
	return nil
}
