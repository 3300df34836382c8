package assembler_test

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashbrowncipher/ec2-images/internal/assembler"
	"github.com/hashbrowncipher/ec2-images/internal/boot"
	"github.com/hashbrowncipher/ec2-images/internal/disk"
	"github.com/hashbrowncipher/ec2-images/internal/mocks/hostexec"
)

const gib = 1024 * 1024 * 1024

func testOptions(t *testing.T, strategy boot.Strategy) (assembler.Options, *hostexec.FakeRunner, *hostexec.FakeMounter) {
	t.Helper()

	bootDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "vmlinuz"), []byte("kernel"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "initrd.img"), []byte("initrd"), 0644))

	bootMgr := filepath.Join(t.TempDir(), "systemd-bootx64.efi")
	require.NoError(t, os.WriteFile(bootMgr, []byte("boot-manager"), 0644))

	squashfs := filepath.Join(t.TempDir(), "image.squashfs")
	require.NoError(t, os.WriteFile(squashfs, []byte("squashfs-payload"), 0644))

	inst, err := boot.NewInstaller(boot.Config{
		Strategy:        strategy,
		OSReleaseName:   "Ubuntu 22.04",
		StubPath:        "/usr/lib/systemd/boot/efi/linuxx64.efi.stub",
		BootManagerPath: bootMgr,
	})
	require.NoError(t, err)

	runner := hostexec.NewFakeRunner()
	runner.Respond("losetup", []byte("/dev/loop3\n"), nil)
	runner.Hooks["objcopy"] = func(call hostexec.Call) error {
		img := make([]byte, 4416)
		rand.New(rand.NewSource(3)).Read(img)
		img[152] = 0x0b
		img[153] = 0x02
		for i := 296; i < 304; i++ {
			img[i] = 0
		}
		return os.WriteFile(call.Args[len(call.Args)-1], img, 0644)
	}
	mounter := &hostexec.FakeMounter{}

	return assembler.Options{
		OutputPath:   filepath.Join(t.TempDir(), "image.raw"),
		ImageBytes:   gib,
		SquashfsPath: squashfs,
		TreeDir:      t.TempDir(),
		BootDir:      bootDir,
		Installer:    inst,
		Runner:       runner,
		Mounter:      mounter,
		Out:          &bytes.Buffer{},
	}, runner, mounter
}

func detachCalls(r *hostexec.FakeRunner) int {
	n := 0
	for _, c := range r.CallsTo("losetup") {
		if len(c.Args) > 0 && c.Args[0] == "--detach" {
			n++
		}
	}
	return n
}

func TestPlanRejectsBeforeAnyIO(t *testing.T) {
	opts, _, _ := testOptions(t, boot.StrategyUEFIStub)
	opts.ImageBytes = 100 * 1024 * 1024 // smaller than the ESP alone

	err := assembler.Assemble(opts)
	var layoutErr *disk.LayoutError
	require.ErrorAs(t, err, &layoutErr)

	_, statErr := os.Stat(opts.OutputPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPlanRejectsUnalignedSize(t *testing.T) {
	opts, _, _ := testOptions(t, boot.StrategyUEFIStub)
	opts.ImageBytes = gib + 100

	_, err := assembler.Plan(opts)
	var layoutErr *disk.LayoutError
	require.ErrorAs(t, err, &layoutErr)
}

func TestAssembleStub(t *testing.T) {
	opts, runner, mounter := testOptions(t, boot.StrategyUEFIStub)
	require.NoError(t, assembler.Assemble(opts))

	info, err := os.Stat(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, int64(gib), info.Size())

	// sfdisk receives the layout on stdin, targeting the image file
	sfdisks := runner.CallsTo("sfdisk")
	require.Len(t, sfdisks, 1)
	assert.Contains(t, sfdisks[0].Args, opts.OutputPath)
	assert.Contains(t, string(sfdisks[0].Stdin), "label: gpt")

	// both declared filesystems are created on loop partitions
	vfat := runner.CallsTo("mkfs.vfat")
	require.Len(t, vfat, 1)
	assert.Equal(t, []string{"/dev/loop3p1"}, vfat[0].Args)
	ext4 := runner.CallsTo("mkfs.ext4")
	require.Len(t, ext4, 1)
	assert.Equal(t, []string{"/dev/loop3p2"}, ext4[0].Args)

	assert.Equal(t, 1, detachCalls(runner))
	assert.Len(t, mounter.Mounts, 2)
	assert.Len(t, mounter.Unmounts, 2)

	out := opts.Out.(*bytes.Buffer).String()
	assert.Contains(t, out, "sha256(")
}

func TestAssembleEmbedsRawPayload(t *testing.T) {
	opts, _, _ := testOptions(t, boot.StrategyLoaderEntry)
	require.NoError(t, assembler.Assemble(opts))

	table, err := assembler.Plan(opts)
	require.NoError(t, err)
	root := table.FindByName("Root Partition")
	require.NotNil(t, root)

	f, err := os.Open(opts.OutputPath)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, len("squashfs-payload"))
	_, err = f.ReadAt(buf, int64(root.StartBytes()))
	require.NoError(t, err)
	assert.Equal(t, "squashfs-payload", string(buf))
}

func TestAssembleLegacyLabelsBootPartition(t *testing.T) {
	opts, runner, _ := testOptions(t, boot.StrategyLegacyGRUB)
	require.NoError(t, assembler.Assemble(opts))

	ext4 := runner.CallsTo("mkfs.ext4")
	require.Len(t, ext4, 2)
	assert.Equal(t, []string{"-L", "boot", "/dev/loop3p2"}, ext4[0].Args)
	assert.Equal(t, []string{"/dev/loop3p4"}, ext4[1].Args)

	// the BIOS-boot and root partitions are never formatted
	assert.Empty(t, runner.CallsTo("mkfs.vfat"))
}

func TestAssembleReleasesDeviceOnFailure(t *testing.T) {
	opts, runner, _ := testOptions(t, boot.StrategyUEFIStub)
	runner.Respond("mkfs.ext4", nil, errors.New("no space left on device"))

	err := assembler.Assemble(opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "formatting /dev/loop3p2 as ext4")

	// the device is released exactly once and the partial image survives
	assert.Equal(t, 1, detachCalls(runner))
	_, statErr := os.Stat(opts.OutputPath)
	assert.NoError(t, statErr)
}

func TestAssembleNamesFailingStage(t *testing.T) {
	opts, runner, _ := testOptions(t, boot.StrategyUEFIStub)
	runner.Respond("sfdisk", nil, errors.New("sfdisk: cannot open"))

	err := assembler.Assemble(opts)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "partition table"))
	assert.Equal(t, 0, detachCalls(runner))
}
