// Package disk computes GPT partition layouts for appliance disk images.
//
// All on-disk addressing is done in 512-byte sectors; sizes cross into
// bytes only at the edges (file truncation, blob lengths). The layout
// algorithm is deliberately simple: partitions are placed in declared
// order starting at the conventional 1 MiB boundary, and a fixed footer
// region is reserved at the end of the image for the GPT backup header
// and partition array.
package disk

// SectorSize is the sole atomic unit of on-disk addressing.
const SectorSize = 512

const MiB = 1024 * 1024

const (
	// FirstLBA is the first usable sector, 1 MiB into the image by
	// convention.
	FirstLBA = 2048

	// FooterSectors is the size of the reserved trailing region: the GPT
	// backup header plus the backup partition entry array.
	FooterSectors = 34

	// ESPSectors is the conventional 200 MiB EFI System Partition size.
	ESPSectors = 409600
)

// GPT partition type GUIDs.
const (
	EFISystemPartitionGUID = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	RootPartitionX8664GUID = "4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709"
	FilesystemDataGUID     = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	BIOSBootPartitionGUID  = "21686148-6449-6E6F-744E-656564454649"
)

// Sectors converts a byte count to sectors, rounding up.
func Sectors(bytes uint64) uint64 {
	return (bytes + SectorSize - 1) / SectorSize
}

// SectorsToBytes converts a sector count to bytes.
func SectorsToBytes(sectors uint64) uint64 {
	return sectors * SectorSize
}

// RoundUpMiB aligns a byte count up to the next MiB boundary.
func RoundUpMiB(bytes uint64) uint64 {
	return (bytes + MiB - 1) &^ (MiB - 1)
}
