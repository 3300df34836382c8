package boot

import (
	"fmt"
	"io"

	"github.com/hashbrowncipher/ec2-images/internal/disk"
	"github.com/hashbrowncipher/ec2-images/internal/executor"
	"github.com/hashbrowncipher/ec2-images/internal/loopback"
)

// Context hands an installer everything it may touch: the loop device
// over the assembled image, the computed partition table, and the staged
// inputs. Installers must not reach for any other host resource.
type Context struct {
	Runner  executor.Runner
	Mounter executor.Mounter

	// Device is the loop device the image is attached to; partitions the
	// installer declared are reachable as numbered sub-devices.
	Device *loopback.Device

	// Table is the computed layout, including the generated partition
	// GUIDs that boot configuration must reference.
	Table *disk.PartitionTable

	// TreeDir is the staged root filesystem tree, used as the root of
	// the disposable container that bootloader installers run in.
	TreeDir string

	// BootDir holds the extracted vmlinuz and initrd.img.
	BootDir string

	// SquashfsPath is the compressed root filesystem blob.
	SquashfsPath string

	// WorkDir is scratch space for mountpoints and intermediate files.
	WorkDir string

	// Out receives the measured-artifact report line.
	Out io.Writer
}

// partition resolves a declared partition by name, with its device node.
func (ctx *Context) partition(name string) (*disk.Partition, string, error) {
	p := ctx.Table.FindByName(name)
	if p == nil {
		return nil, "", fmt.Errorf("layout has no %q partition", name)
	}
	return p, ctx.Device.Partition(ctx.Table.Number(p)), nil
}
