// Package treeprep turns a bootstrapped root filesystem tree into the
// appliance payload: account cleanup, cloud-specific configuration,
// kernel extraction and squashfs creation. Everything here runs against
// a plain directory; nothing touches block devices.
package treeprep

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/sirupsen/logrus"

	"github.com/hashbrowncipher/ec2-images/internal/executor"
)

// Config carries the per-build customization inputs.
type Config struct {
	// AuthorizedKeys is written verbatim to root's authorized_keys.
	AuthorizedKeys string
}

// ResetRootPassword blanks the root password field in the tree's shadow
// file, so first boot allows console login before any key material
// exists.
func ResetRootPassword(treeDir string) error {
	shadowPath := filepath.Join(treeDir, "etc/shadow")
	data, err := os.ReadFile(shadowPath)
	if err != nil {
		return fmt.Errorf("resetting root password: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		fields := strings.Split(line, ":")
		if fields[0] == "root" && len(fields) > 1 {
			fields[1] = ""
			lines[i] = strings.Join(fields, ":")
		}
	}

	if err := os.WriteFile(shadowPath, []byte(strings.Join(lines, "\n")), 0640); err != nil {
		return fmt.Errorf("resetting root password: %w", err)
	}
	return nil
}

// enaNetwork configures DHCP on the cloud NIC. WithoutRA skips waiting
// for an inbound RA packet before performing DHCPv6.
func enaNetwork() io.Reader {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Match", "Driver", "ena"),
		unit.NewUnitOption("Network", "DHCP", "yes"),
		unit.NewUnitOption("DHCPv4", "UseHostname", "no"),
		unit.NewUnitOption("DHCPv6", "WithoutRA", "solicit"),
	}
	return unit.Serialize(opts)
}

func sshKeygenUnit() io.Reader {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", "Create SSH host key"),
		unit.NewUnitOption("Unit", "Before", "ssh.service"),
		unit.NewUnitOption("Unit", "ConditionPathExists", "!/var/lib/ssh/ssh_host_ed25519_key"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "ExecStart", "mkdir -p /var/lib/ssh"),
		unit.NewUnitOption("Service", "ExecStart", "ssh-keygen -q -f /var/lib/ssh/ssh_host_ed25519_key -N '' -t ed25519"),
		unit.NewUnitOption("Service", "RemainAfterExit", "yes"),
	}
	return unit.Serialize(opts)
}

func imdsUnit() io.Reader {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "After", "network.target"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "ExecStart", "bash -c 'exec curl --no-progress-meter -v --retry 2 169.254.169.254/latest/dynamic/instance-identity/document > /run/instance-identity'"),
		unit.NewUnitOption("Service", "RemainAfterExit", "yes"),
	}
	return unit.Serialize(opts)
}

func hostnameUnit() io.Reader {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Requires", "imds.service"),
		unit.NewUnitOption("Unit", "After", "imds.service"),
		unit.NewUnitOption("Service", "Type", "oneshot"),
		unit.NewUnitOption("Service", "ExecStart", `bash -c 'hostname $(jq -r ".instanceId" /run/instance-identity)'`),
		unit.NewUnitOption("Service", "RemainAfterExit", "yes"),
	}
	return unit.Serialize(opts)
}

const accountingConf = "[Manager]\nDefaultCPUAccounting=yes\n"

// makeUnit writes a unit file into the tree and, when wants is
// non-empty, links it into that target's wants directory.
func makeUnit(treeDir, name string, contents io.Reader, wants string) error {
	unitsDir := filepath.Join(treeDir, "etc/systemd/system")
	if err := os.MkdirAll(unitsDir, 0755); err != nil {
		return err
	}

	data, err := io.ReadAll(contents)
	if err != nil {
		return err
	}
	unitPath := filepath.Join(unitsDir, name)
	if err := os.WriteFile(unitPath, data, 0644); err != nil {
		return err
	}

	if wants == "" {
		return nil
	}
	wantsDir := filepath.Join(unitsDir, wants)
	if err := os.MkdirAll(wantsDir, 0755); err != nil {
		return err
	}
	link := filepath.Join(wantsDir, name)
	if err := os.Symlink("/etc/systemd/system/"+name, link); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

// maskService points a service at /dev/null so the package's own unit
// can never start.
func maskService(treeDir, name string) error {
	unitsDir := filepath.Join(treeDir, "etc/systemd/system")
	if err := os.MkdirAll(unitsDir, 0755); err != nil {
		return err
	}
	link := filepath.Join(unitsDir, name+".service")
	if err := os.Symlink("/dev/null", link); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

// Customize applies the cloud-guest configuration to the tree: networkd
// DHCP on the ena NIC, root's authorized_keys, host keys regenerated at
// first boot out of /var/lib/ssh, a tmpfs /tmp, resource accounting, and
// the instance-metadata hostname units.
func Customize(treeDir string, cfg Config) error {
	networkDir := filepath.Join(treeDir, "etc/systemd/network")
	if err := os.MkdirAll(networkDir, 0755); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}
	ena, err := io.ReadAll(enaNetwork())
	if err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(networkDir, "ena.network"), ena, 0644); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}
	if err := makeUnit(treeDir, "imds.service", imdsUnit(), "multi-user.target.wants"); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}
	if err := makeUnit(treeDir, "hostname.service", hostnameUnit(), "multi-user.target.wants"); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}
	if err := makeUnit(treeDir, "ssh-keygen.service", sshKeygenUnit(), ""); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}

	// networkd ships disabled; enable it the way systemctl would
	wantsDir := filepath.Join(treeDir, "etc/systemd/system/multi-user.target.wants")
	networkdLink := filepath.Join(wantsDir, "systemd-networkd.service")
	if err := os.Symlink("/lib/systemd/system/systemd-networkd.service", networkdLink); err != nil && !os.IsExist(err) {
		return fmt.Errorf("customizing tree: %w", err)
	}

	requiresDir := filepath.Join(treeDir, "etc/systemd/system/ssh.service.requires")
	if err := os.MkdirAll(requiresDir, 0755); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}
	keygenLink := filepath.Join(requiresDir, "ssh-keygen.service")
	if err := os.Symlink("/etc/systemd/system/ssh-keygen.service", keygenLink); err != nil && !os.IsExist(err) {
		return fmt.Errorf("customizing tree: %w", err)
	}

	if err := os.WriteFile(filepath.Join(treeDir, "etc/systemd/system.conf"), []byte(accountingConf), 0644); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}

	if err := maskService(treeDir, "e2scrub_reap"); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}

	for _, dir := range []string{"efi", "root/.ssh"} {
		if err := os.MkdirAll(filepath.Join(treeDir, dir), 0755); err != nil {
			return fmt.Errorf("customizing tree: %w", err)
		}
	}
	if cfg.AuthorizedKeys != "" {
		keys := filepath.Join(treeDir, "root/.ssh/authorized_keys")
		if err := os.WriteFile(keys, []byte(cfg.AuthorizedKeys), 0600); err != nil {
			return fmt.Errorf("customizing tree: %w", err)
		}
	}

	if err := relocateHostKeys(treeDir); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}

	fstab := "none /tmp tmpfs defaults 0 0\n"
	if err := os.WriteFile(filepath.Join(treeDir, "etc/fstab"), []byte(fstab), 0644); err != nil {
		return fmt.Errorf("customizing tree: %w", err)
	}

	return nil
}

// relocateHostKeys removes the host keys baked in at bootstrap time.
// Every instance of the image would otherwise share an identity. Private
// keys become symlinks into /var/lib/ssh, where ssh-keygen.service
// creates fresh ones on first boot; stale public keys are just removed.
func relocateHostKeys(treeDir string) error {
	private, err := filepath.Glob(filepath.Join(treeDir, "etc/ssh/ssh_host_*_key"))
	if err != nil {
		return err
	}
	for _, key := range private {
		name := filepath.Base(key)
		if err := os.Remove(key); err != nil {
			return err
		}
		if err := os.Symlink("/var/lib/ssh/"+name, key); err != nil {
			return err
		}
	}

	public, err := filepath.Glob(filepath.Join(treeDir, "etc/ssh/ssh_host_*_key.pub"))
	if err != nil {
		return err
	}
	for _, key := range public {
		if err := os.Remove(key); err != nil {
			return err
		}
	}
	return nil
}

// ExtractKernel installs the kernel package inside the tree and pulls
// vmlinuz and initrd.img out to bootDir. The tree's own boot directory
// and apt caches are removed afterwards: they would only bloat the
// squashfs. The tree's resolv.conf is parked during the container run so
// systemd-nspawn can bind the host's over it. An empty pkg installs the
// cloud kernel, linux-image-aws.
func ExtractKernel(r executor.Runner, treeDir, bootDir, pkg string) error {
	if pkg == "" {
		pkg = "linux-image-aws"
	}

	resolv := filepath.Join(treeDir, "etc/resolv.conf")
	parked := resolv + ".bak"
	if err := os.Rename(resolv, parked); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("extracting kernel: %w", err)
	}

	_, err := executor.Nspawn(r, treeDir, nil,
		"apt-get", "install", "-y", "--no-install-recommends", pkg)
	if restoreErr := os.Rename(parked, resolv); restoreErr != nil && !os.IsNotExist(restoreErr) && err == nil {
		err = restoreErr
	}
	if err != nil {
		return fmt.Errorf("extracting kernel: %w", err)
	}

	if err := os.RemoveAll(bootDir); err != nil {
		return fmt.Errorf("extracting kernel: %w", err)
	}
	if err := os.MkdirAll(bootDir, 0755); err != nil {
		return fmt.Errorf("extracting kernel: %w", err)
	}
	for _, name := range []string{"vmlinuz", "initrd.img"} {
		src := filepath.Join(treeDir, "boot", name)
		if err := copyFile(src, filepath.Join(bootDir, name)); err != nil {
			return fmt.Errorf("extracting kernel: %w", err)
		}
	}

	// apt lists are huge and make the image slower to copy to and from
	// S3, with no runtime benefit
	for _, dir := range []string{"boot", "var/cache/apt", "var/lib/apt/lists"} {
		if err := os.RemoveAll(filepath.Join(treeDir, dir)); err != nil {
			return fmt.Errorf("extracting kernel: %w", err)
		}
	}

	logrus.Infof("extracted %s kernel from tree", pkg)
	return nil
}

// MakeSquashfs compresses the tree into out with zstd, excluding the
// boot directory contents. Any stale output is removed first because
// mksquashfs appends to existing archives.
func MakeSquashfs(r executor.Runner, treeDir, out string) error {
	if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("creating squashfs: %w", err)
	}
	_, err := r.Run("mksquashfs", treeDir, out,
		"-comp", "zstd", "-processors", "1",
		"-wildcards",
		"-e", "boot/*")
	if err != nil {
		return fmt.Errorf("creating squashfs: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
