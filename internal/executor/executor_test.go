package executor_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashbrowncipher/ec2-images/internal/executor"
	"github.com/hashbrowncipher/ec2-images/internal/mocks/hostexec"
)

func TestMkfs(t *testing.T) {
	runner := hostexec.NewFakeRunner()

	require.NoError(t, executor.Mkfs(runner, "/dev/loop0p1", "vfat", ""))
	require.NoError(t, executor.Mkfs(runner, "/dev/loop0p2", "ext4", "boot"))
	require.NoError(t, executor.Mkfs(runner, "/dev/loop0p3", "vfat", "ESP"))

	vfat := runner.CallsTo("mkfs.vfat")
	require.Len(t, vfat, 2)
	assert.Equal(t, []string{"/dev/loop0p1"}, vfat[0].Args)
	assert.Equal(t, []string{"-n", "ESP", "/dev/loop0p3"}, vfat[1].Args)

	ext4 := runner.CallsTo("mkfs.ext4")
	require.Len(t, ext4, 1)
	assert.Equal(t, []string{"-L", "boot", "/dev/loop0p2"}, ext4[0].Args)
}

func TestMkfsError(t *testing.T) {
	runner := hostexec.NewFakeRunner()
	runner.Respond("mkfs.ext4", nil, errors.New("mke2fs: device busy"))

	err := executor.Mkfs(runner, "/dev/loop0p2", "ext4", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "formatting /dev/loop0p2 as ext4")
}

func TestNspawn(t *testing.T) {
	runner := hostexec.NewFakeRunner()

	_, err := executor.Nspawn(runner, "/tmp/tree", []string{"--bind=/dev"}, "grub-install", "/dev/loop0")
	require.NoError(t, err)

	calls := runner.CallsTo("systemd-nspawn")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{
		"-D", "/tmp/tree", "--resolv-conf=bind-host",
		"--bind=/dev",
		"grub-install", "/dev/loop0",
	}, calls[0].Args)
}

func TestWithMount(t *testing.T) {
	mounter := &hostexec.FakeMounter{}
	workDir := t.TempDir()

	var seen string
	err := executor.WithMount(mounter, "/dev/loop0p1", "vfat", workDir, func(mnt string) error {
		seen = mnt
		return nil
	})
	require.NoError(t, err)

	require.Len(t, mounter.Mounts, 1)
	assert.Contains(t, mounter.Mounts[0], "/dev/loop0p1 "+seen+" vfat")
	assert.Equal(t, []string{seen}, mounter.Unmounts)
}

func TestWithMountUnmountsOnCallbackFailure(t *testing.T) {
	mounter := &hostexec.FakeMounter{}

	wantErr := errors.New("copy failed")
	err := executor.WithMount(mounter, "/dev/loop0p1", "vfat", t.TempDir(), func(mnt string) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Len(t, mounter.Unmounts, 1)
}

func TestWithMountMountFailure(t *testing.T) {
	mounter := &hostexec.FakeMounter{MountErr: errors.New("no such device")}

	called := false
	err := executor.WithMount(mounter, "/dev/loop0p1", "vfat", t.TempDir(), func(mnt string) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Empty(t, mounter.Unmounts)
}
