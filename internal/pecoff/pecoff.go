// Package pecoff builds a unified kernel boot executable from a generic
// UEFI stub and computes its measured-boot digest.
//
// The digest must agree byte-for-byte with what a measured-boot verifier
// independently recomputes over the same binary, so the hashing procedure
// is fixed: the PE header up to and including the checksum offset, minus
// the 4-byte checksum itself, then the data directories, then everything
// after the (required-empty) security directory entry.
package pecoff

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/hashbrowncipher/ec2-images/internal/executor"
)

// Fixed virtual addresses of the sections a systemd-style UEFI stub
// expects to find appended to it.
const (
	osrelVMA   = 0x20000
	cmdlineVMA = 0x30000
	linuxVMA   = 0x2000000
	initrdVMA  = 0x3000000
)

// Sections names the files to inject into the stub.
type Sections struct {
	OSRelease string
	Cmdline   string
	Kernel    string
	Initrd    string
}

// AddSections appends the named sections to the stub binary at their
// fixed virtual addresses and writes the result to outPath.
func AddSections(r executor.Runner, stubPath, outPath string, s Sections) error {
	args := []string{
		"--add-section", ".osrel=" + s.OSRelease, "--change-section-vma", fmt.Sprintf(".osrel=%#x", osrelVMA),
		"--add-section", ".cmdline=" + s.Cmdline, "--change-section-vma", fmt.Sprintf(".cmdline=%#x", cmdlineVMA),
		"--add-section", ".linux=" + s.Kernel, "--change-section-vma", fmt.Sprintf(".linux=%#x", linuxVMA),
		"--add-section", ".initrd=" + s.Initrd, "--change-section-vma", fmt.Sprintf(".initrd=%#x", initrdVMA),
		stubPath,
		outPath,
	}
	if _, err := r.Run("objcopy", args...); err != nil {
		return fmt.Errorf("injecting stub sections: %w", err)
	}
	return nil
}

// FormatMismatchError means the stub binary does not have the structure
// the measurement procedure requires. It indicates an incompatible
// upstream binary and is fatal, never retried.
type FormatMismatchError struct {
	Msg string
}

func (e *FormatMismatchError) Error() string {
	return "boot stub format: " + e.Msg
}

const (
	// headSize covers the image up to and including the optional-header
	// checksum field.
	headSize = 216
	// magicOffset is where the optional-header magic lives within the
	// head.
	magicOffset = 152
	// pe32PlusMagic marks the 64-bit optional-header variant.
	pe32PlusMagic = 0x020b
	// postChecksumSize covers the rest of the optional header and the
	// data directories preceding the security directory entry.
	postChecksumSize = 76
	// chunkSize for hashing the remainder of the image.
	chunkSize = 4096
)

// Measure computes the measured-boot digest of a PE32+ image, returned
// as lowercase hex. The image must be unsigned: a non-empty security
// directory entry is a FormatMismatchError.
func Measure(r io.Reader) (string, error) {
	hasher := sha256.New()

	head := make([]byte, headSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return "", fmt.Errorf("reading image header: %w", err)
	}
	if magic := binary.LittleEndian.Uint16(head[magicOffset : magicOffset+2]); magic != pe32PlusMagic {
		return "", &FormatMismatchError{Msg: fmt.Sprintf("optional header magic %#04x, want PE32+ (%#04x)", magic, pe32PlusMagic)}
	}
	hasher.Write(head)

	// the checksum field is excluded from the digest
	if _, err := io.CopyN(io.Discard, r, 4); err != nil {
		return "", fmt.Errorf("skipping checksum: %w", err)
	}

	post := make([]byte, postChecksumSize)
	if _, err := io.ReadFull(r, post); err != nil {
		return "", fmt.Errorf("reading data directories: %w", err)
	}
	hasher.Write(post)

	security := make([]byte, 8)
	if _, err := io.ReadFull(r, security); err != nil {
		return "", fmt.Errorf("reading security directory: %w", err)
	}
	for _, b := range security {
		if b != 0 {
			return "", &FormatMismatchError{Msg: "security directory is not empty; image is already signed"}
		}
	}

	if _, err := io.CopyBuffer(hasher, r, make([]byte, chunkSize)); err != nil {
		return "", fmt.Errorf("hashing image body: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// MeasureFile is Measure over the file at path.
func MeasureFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	return Measure(f)
}
