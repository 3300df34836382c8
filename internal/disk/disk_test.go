package disk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hashbrowncipher/ec2-images/internal/disk"
)

func TestSectors(t *testing.T) {
	assert.Equal(t, uint64(0), disk.Sectors(0))
	assert.Equal(t, uint64(1), disk.Sectors(1))
	assert.Equal(t, uint64(1), disk.Sectors(512))
	assert.Equal(t, uint64(2), disk.Sectors(513))
	assert.Equal(t, uint64(2097152), disk.Sectors(1024*1024*1024))
}

func TestRoundUpMiB(t *testing.T) {
	const mib = 1024 * 1024

	// already aligned: unchanged
	assert.Equal(t, uint64(37*mib), disk.RoundUpMiB(37*mib))

	// 37.2 MiB rounds up to 38 MiB
	assert.Equal(t, uint64(38*mib), disk.RoundUpMiB(37*mib+mib/5))

	assert.Equal(t, uint64(0), disk.RoundUpMiB(0))
	assert.Equal(t, uint64(mib), disk.RoundUpMiB(1))
}

func TestSectorsToBytes(t *testing.T) {
	assert.Equal(t, uint64(1024*1024), disk.SectorsToBytes(2048))
}
