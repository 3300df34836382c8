// Package blob writes filesystem blobs directly into a partition's
// sector extent of a raw disk image, bypassing any filesystem layer. The
// partition's type GUID and the boot tooling must recognize the blob's
// native format (e.g. a squashfs the kernel mounts directly).
package blob

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hashbrowncipher/ec2-images/internal/disk"
)

// copyBufSectors keeps the copy buffer a whole number of sectors.
const copyBufSectors = 64

// Embed copies the blob byte-exactly into diskPath starting at
// startSector. The disk file must already be truncated to its final
// size; no padding is inserted after the blob. That the partition is
// long enough is the planner's guarantee, not checked here.
func Embed(blobPath, diskPath string, startSector uint64) error {
	src, err := os.Open(blobPath)
	if err != nil {
		return fmt.Errorf("opening blob: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(diskPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening disk image: %w", err)
	}
	defer dst.Close()

	offset := int64(startSector * disk.SectorSize)
	if _, err := dst.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to sector %d: %w", startSector, err)
	}

	buf := make([]byte, copyBufSectors*disk.SectorSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		return fmt.Errorf("embedding %s into %s: %w", blobPath, diskPath, err)
	}

	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing disk image: %w", err)
	}

	logrus.Debugf("embedded %d bytes of %s at sector %d of %s", n, blobPath, startSector, diskPath)
	return nil
}
