package disk

import (
	"fmt"
	"strings"

	"github.com/hashbrowncipher/ec2-images/internal/executor"
)

// SfdiskScript renders the table as sfdisk(8) input: a gpt label line, the
// first usable LBA, and one line per partition in on-disk order.
func (pt *PartitionTable) SfdiskScript() string {
	lines := []string{
		"label: gpt",
		fmt.Sprintf("first-lba: %d", FirstLBA),
	}

	for idx := range pt.Partitions {
		p := &pt.Partitions[idx]
		fields := []string{
			fmt.Sprintf("start=%d", p.Start),
			fmt.Sprintf("size=%d", p.Size),
			fmt.Sprintf("uuid=%s", p.UUID),
			fmt.Sprintf("type=%s", p.Type),
			fmt.Sprintf("name=%q", p.Name),
		}
		if p.Bootable {
			fields = append(fields, `attrs="LegacyBIOSBootable"`)
		}
		lines = append(lines, strings.Join(fields, ", "))
	}

	return strings.Join(lines, "\n") + "\n"
}

// WriteTable writes the layout to the image at path by feeding the
// rendered script to sfdisk. The image file must already be truncated to
// its final size.
func WriteTable(r executor.Runner, pt *PartitionTable, path string) error {
	script := pt.SfdiskScript()
	if _, err := r.RunWithStdin([]byte(script), "sfdisk", "--color=never", path); err != nil {
		return fmt.Errorf("writing partition table to %s: %w", path, err)
	}
	return nil
}
