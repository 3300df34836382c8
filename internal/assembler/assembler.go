// Package assembler drives a complete image build: compute the layout,
// materialize the partition table, populate every partition, and hand
// the boot strategy its finalization window. The assembler owns the
// image file and the loop device; installers only ever see partitions
// they declared.
package assembler

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hashbrowncipher/ec2-images/internal/blob"
	"github.com/hashbrowncipher/ec2-images/internal/boot"
	"github.com/hashbrowncipher/ec2-images/internal/disk"
	"github.com/hashbrowncipher/ec2-images/internal/executor"
	"github.com/hashbrowncipher/ec2-images/internal/loopback"
)

// Options collects everything one build needs. Runner and Mounter are
// injected so the whole pipeline can run against fakes.
type Options struct {
	// OutputPath is the raw image file to produce. Created sparse at
	// ImageBytes; on failure the partial file is left for inspection.
	OutputPath string
	ImageBytes uint64

	// SquashfsPath is the compressed root filesystem blob.
	SquashfsPath string

	// TreeDir is the staged root tree (bootloader installs run in a
	// container rooted here).
	TreeDir string

	// BootDir holds the extracted vmlinuz and initrd.img.
	BootDir string

	Installer boot.Installer
	Runner    executor.Runner
	Mounter   executor.Mounter

	// Out receives the measured-artifact report; defaults to stdout.
	Out io.Writer
}

// Plan computes the partition table for the configured strategy without
// touching the output file. A layout that cannot fit fails here, before
// any byte of the image exists.
func Plan(opts Options) (*disk.PartitionTable, error) {
	if opts.ImageBytes%disk.SectorSize != 0 {
		return nil, &disk.LayoutError{
			Msg: fmt.Sprintf("image size %d is not a multiple of the %d-byte sector", opts.ImageBytes, disk.SectorSize),
		}
	}

	info, err := os.Stat(opts.SquashfsPath)
	if err != nil {
		return nil, fmt.Errorf("planning layout: %w", err)
	}

	requests := opts.Installer.Layout(opts.SquashfsPath, uint64(info.Size()))
	return disk.NewPlan(opts.ImageBytes/disk.SectorSize, requests)
}

// Assemble runs the build end to end. The loop device is released on
// every path out of the attach window, including failures.
func Assemble(opts Options) (err error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	table, err := Plan(opts)
	if err != nil {
		return err
	}
	logPhase(opts.OutputPath, boot.Planned)

	if err := truncate(opts.OutputPath, opts.ImageBytes); err != nil {
		return err
	}
	if err := disk.WriteTable(opts.Runner, table, opts.OutputPath); err != nil {
		return fmt.Errorf("writing partition table: %w", err)
	}
	logPhase(opts.OutputPath, boot.PartitionsReady)

	// Raw payloads are written straight into the image file at their
	// partition offsets; no device node is needed for them.
	for i := range table.Partitions {
		p := &table.Partitions[i]
		if p.RawPayload == "" {
			continue
		}
		if err := blob.Embed(p.RawPayload, opts.OutputPath, p.Start); err != nil {
			return fmt.Errorf("embedding %s: %w", p.Name, err)
		}
	}

	dev, err := loopback.Attach(opts.Runner, opts.OutputPath)
	if err != nil {
		return err
	}
	defer func() {
		if derr := dev.Detach(); derr != nil && err == nil {
			err = derr
		}
	}()

	for i := range table.Partitions {
		p := &table.Partitions[i]
		if p.Filesystem == nil {
			continue
		}
		node := dev.Partition(table.Number(p))
		if err := executor.Mkfs(opts.Runner, node, p.Filesystem.Type, p.Filesystem.Label); err != nil {
			return err
		}
	}
	logPhase(opts.OutputPath, boot.PayloadWritten)

	workDir, err := os.MkdirTemp("", "image-assembler-")
	if err != nil {
		return fmt.Errorf("creating work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	ctx := &boot.Context{
		Runner:       opts.Runner,
		Mounter:      opts.Mounter,
		Device:       dev,
		Table:        table,
		TreeDir:      opts.TreeDir,
		BootDir:      opts.BootDir,
		SquashfsPath: opts.SquashfsPath,
		WorkDir:      workDir,
		Out:          opts.Out,
	}
	if err := opts.Installer.Finalize(ctx); err != nil {
		return fmt.Errorf("finalizing %s boot: %w", opts.Installer.Strategy(), err)
	}
	logPhase(opts.OutputPath, boot.Finalized)

	return nil
}

func truncate(path string, size uint64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating image file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return fmt.Errorf("sizing image file: %w", err)
	}
	return f.Close()
}

func logPhase(path string, phase boot.Phase) {
	logrus.WithField("image", path).Infof("build phase: %s", phase)
}
