// Package artifact finishes a built image for distribution: compression
// of the sparse raw file and the digest report that lets a consumer
// verify what they downloaded.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// Compress writes a zstd-compressed copy of src next to it, as
// src + ".zst", and returns the compressed path. Object storage has no
// sparse encoding, so the zero regions of the raw image are squeezed out
// before upload. Any stale output is replaced.
func Compress(src string) (string, error) {
	dst := src + ".zst"

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("compressing %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("compressing %s: %w", src, err)
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return "", fmt.Errorf("compressing %s: %w", src, err)
	}

	written, err := io.Copy(enc, in)
	if err == nil {
		err = enc.Close()
	} else {
		enc.Close()
	}
	if err != nil {
		out.Close()
		return "", fmt.Errorf("compressing %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("compressing %s: %w", src, err)
	}

	logrus.Infof("compressed %s (%d bytes raw) to %s", src, written, dst)
	return dst, nil
}

// SHA256 returns the hex digest of the file at path.
func SHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PrintSHA256 emits the digest report line for path on w.
func PrintSHA256(w io.Writer, path string) error {
	digest, err := SHA256(path)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "sha256(%q): %s\n", path, digest)
	return err
}
