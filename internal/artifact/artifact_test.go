package artifact_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashbrowncipher/ec2-images/internal/artifact"
)

func TestCompressRoundTrip(t *testing.T) {
	// mostly zeros, like a sparse raw image
	payload := make([]byte, 4*1024*1024)
	copy(payload[1024*1024:], []byte("partition contents"))

	src := filepath.Join(t.TempDir(), "image.raw")
	require.NoError(t, os.WriteFile(src, payload, 0644))

	dst, err := artifact.Compress(src)
	require.NoError(t, err)
	assert.Equal(t, src+".zst", dst)

	compressed, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(payload)/10)

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	defer dec.Close()
	decompressed, err := io.ReadAll(dec)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)
}

func TestCompressReplacesStaleOutput(t *testing.T) {
	src := filepath.Join(t.TempDir(), "image.raw")
	require.NoError(t, os.WriteFile(src, []byte("fresh"), 0644))
	require.NoError(t, os.WriteFile(src+".zst", []byte("stale"), 0644))

	dst, err := artifact.Compress(src)
	require.NoError(t, err)

	compressed, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.NotEqual(t, "stale", string(compressed))
}

func TestCompressMissingSource(t *testing.T) {
	_, err := artifact.Compress(filepath.Join(t.TempDir(), "nope.raw"))
	require.Error(t, err)
}

func TestPrintSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.raw.zst")
	contents := []byte("compressed image")
	require.NoError(t, os.WriteFile(path, contents, 0644))

	sum := sha256.Sum256(contents)
	var buf bytes.Buffer
	require.NoError(t, artifact.PrintSHA256(&buf, path))
	assert.Equal(t, fmt.Sprintf("sha256(%q): %s\n", path, hex.EncodeToString(sum[:])), buf.String())
}
