// Package executor provides narrow, synchronous interfaces to the host
// facilities the assembler needs: running external tools, mounting
// filesystems and entering a disposable container for bootloader
// installation. Core logic depends on these interfaces, never on os/exec
// or the mount syscalls directly, so it stays testable without real block
// devices.
package executor

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(name string, arg ...string) ([]byte, error)
	RunWithStdin(stdin []byte, name string, arg ...string) ([]byte, error)
}

type hostRunner struct{}

// NewHostRunner returns a Runner backed by os/exec.
func NewHostRunner() Runner {
	return &hostRunner{}
}

func (hostRunner) Run(name string, arg ...string) ([]byte, error) {
	return runCommand(nil, name, arg...)
}

func (hostRunner) RunWithStdin(stdin []byte, name string, arg ...string) ([]byte, error) {
	return runCommand(stdin, name, arg...)
}

func runCommand(stdin []byte, name string, arg ...string) ([]byte, error) {
	logrus.Debugf("running %s %s", name, strings.Join(arg, " "))

	cmd := exec.Command(name, arg...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return stdout.Bytes(), nil
}

// Mkfs creates a filesystem of the given type on device. The filesystem
// type is used verbatim to select the mkfs binary, e.g. "vfat" runs
// mkfs.vfat. An empty label leaves the filesystem unlabeled.
func Mkfs(r Runner, device, fstype, label string) error {
	var args []string
	if label != "" {
		// mkfs.vfat spells the label flag differently
		flag := "-L"
		if fstype == "vfat" {
			flag = "-n"
		}
		args = append(args, flag, label)
	}
	args = append(args, device)
	if _, err := r.Run("mkfs."+fstype, args...); err != nil {
		return fmt.Errorf("formatting %s as %s: %w", device, fstype, err)
	}
	return nil
}

// Nspawn runs a command inside a disposable systemd-nspawn container
// rooted at treeDir. Mutations the command performs are confined to the
// tree and whatever is explicitly bound into the container via nspawnArgs.
func Nspawn(r Runner, treeDir string, nspawnArgs []string, arg ...string) ([]byte, error) {
	args := append([]string{"-D", treeDir, "--resolv-conf=bind-host"}, nspawnArgs...)
	args = append(args, arg...)
	return r.Run("systemd-nspawn", args...)
}
