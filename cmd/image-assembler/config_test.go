package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "image-assembler.toml")
	require.NoError(t, os.WriteFile(name, []byte(contents), 0644))
	return name
}

func TestLoadConfigDefaults(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "image.raw", c.OutputPath)
	assert.Equal(t, datasize.GB, c.ImageSize)
	assert.Equal(t, "uefi-stub", c.Strategy)
	assert.Nil(t, c.AWS)
}

func TestLoadConfigOverrides(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, `
output_path = "appliance.raw"
image_size = "2 GB"
strategy = "legacy-grub"
tree = "/srv/tree"

[aws]
region = "us-east-1"
bucket = "images"
key = "appliance.raw.zst"
`))
	require.NoError(t, err)

	assert.Equal(t, "appliance.raw", c.OutputPath)
	assert.Equal(t, 2*datasize.GB, c.ImageSize)
	assert.Equal(t, "legacy-grub", c.Strategy)
	assert.Equal(t, "/srv/tree", c.TreeDir)
	require.NotNil(t, c.AWS)
	assert.Equal(t, "us-east-1", c.AWS.Region)
	assert.Equal(t, "", c.AWS.Name)
}

func TestDumpConfigRoundTrip(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, `os_name = "Ubuntu 24.04"`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, DumpConfig(c, &buf))
	assert.Contains(t, buf.String(), `os_name = "Ubuntu 24.04"`)

	var back BuildConfigFile
	_, err = toml.Decode(buf.String(), &back)
	require.NoError(t, err)
	assert.Equal(t, *c, back)
}
