package disk

import (
	"fmt"

	"github.com/google/uuid"
)

// LayoutError means the requested partitions cannot fit in the target
// image. It is always returned before any disk I/O has happened.
type LayoutError struct {
	Msg string
}

func (e *LayoutError) Error() string {
	return "partition layout: " + e.Msg
}

// Filesystem describes a conventional filesystem to be created on a
// partition. A partition without one is raw: its contents, if any, are
// written directly into its sector extent.
type Filesystem struct {
	// Type selects the mkfs binary, e.g. "vfat" or "ext4".
	Type  string
	Label string
}

// Partition is one entry of a computed layout. Start and Size are in
// sectors.
type Partition struct {
	Start uint64
	Size  uint64
	// Type is the GPT partition type GUID.
	Type string
	// UUID is the GPT partition GUID, random per build. Boot-time
	// references to the partition use this value, never a device path.
	UUID string
	Name string
	// Bootable sets the legacy-BIOS-bootable GPT attribute bit.
	Bootable bool
	// If nil, the partition is raw; it doesn't contain a filesystem.
	Filesystem *Filesystem
	// RawPayload is the path of a blob to write verbatim into the
	// partition's extent. Only meaningful when Filesystem is nil.
	RawPayload string
}

// StartBytes returns the partition's byte offset within the image.
func (p *Partition) StartBytes() uint64 {
	return SectorsToBytes(p.Start)
}

// PartitionRequest describes one partition to be laid out. Exactly one
// sizing mode applies: a fixed sector count, or Grow, which receives all
// space left before the footer. Use NewBlobRequest for blob-backed
// partitions so the MiB rounding rule cannot be missed.
type PartitionRequest struct {
	Name       string
	Type       string
	Sectors    uint64
	Grow       bool
	Bootable   bool
	Filesystem *Filesystem
	RawPayload string
	// UUID may be preset for reproducible layouts; a random v4 GUID is
	// generated otherwise.
	UUID string
}

// NewBlobRequest describes a raw partition holding byteLen bytes of blob
// payload. The partition size is the blob length rounded up to a MiB
// boundary; rounding here, rather than at call sites, is what keeps a
// misrounded blob partition from overlapping its successor.
func NewBlobRequest(name, typeGUID, payloadPath string, byteLen uint64) PartitionRequest {
	return PartitionRequest{
		Name:       name,
		Type:       typeGUID,
		Sectors:    RoundUpMiB(byteLen) / SectorSize,
		RawPayload: payloadPath,
	}
}

// PartitionTable is a computed GPT layout for an image of Size sectors.
// Partitions are in on-disk order, non-overlapping, and never reach into
// the trailing footer region.
type PartitionTable struct {
	// Size of the image in sectors.
	Size       uint64
	Partitions []Partition
}

// NewPlan lays out the requested partitions for an image of imageSectors
// sectors. Placement starts at FirstLBA and follows the declared order;
// at most one request may Grow, and it must be last. Returns a
// LayoutError if the requests cannot fit.
func NewPlan(imageSectors uint64, requests []PartitionRequest) (*PartitionTable, error) {
	var fixed uint64
	for idx, req := range requests {
		if req.Grow {
			if req.Sectors != 0 {
				return nil, &LayoutError{Msg: fmt.Sprintf("partition %q both grows and has a fixed size", req.Name)}
			}
			if idx != len(requests)-1 {
				return nil, &LayoutError{Msg: fmt.Sprintf("growing partition %q must be last", req.Name)}
			}
			continue
		}
		if req.Sectors == 0 {
			return nil, &LayoutError{Msg: fmt.Sprintf("partition %q has no size", req.Name)}
		}
		fixed += req.Sectors
	}

	if FirstLBA+fixed+FooterSectors > imageSectors {
		var available uint64
		if imageSectors > FirstLBA+FooterSectors {
			available = imageSectors - FirstLBA - FooterSectors
		}
		return nil, &LayoutError{
			Msg: fmt.Sprintf("%d sectors requested, %d available", fixed, available),
		}
	}
	remaining := imageSectors - FirstLBA - fixed - FooterSectors

	pt := &PartitionTable{Size: imageSectors}
	start := uint64(FirstLBA)
	for _, req := range requests {
		size := req.Sectors
		if req.Grow {
			if remaining == 0 {
				return nil, &LayoutError{Msg: fmt.Sprintf("no space left for growing partition %q", req.Name)}
			}
			size = remaining
		}

		partUUID := req.UUID
		if partUUID == "" {
			partUUID = uuid.New().String()
		}

		pt.Partitions = append(pt.Partitions, Partition{
			Start:      start,
			Size:       size,
			Type:       req.Type,
			UUID:       partUUID,
			Name:       req.Name,
			Bootable:   req.Bootable,
			Filesystem: req.Filesystem,
			RawPayload: req.RawPayload,
		})
		start += size
	}

	return pt, nil
}

// FindByName returns the partition with the given GPT name, or nil.
func (pt *PartitionTable) FindByName(name string) *Partition {
	for idx := range pt.Partitions {
		if pt.Partitions[idx].Name == name {
			return &pt.Partitions[idx]
		}
	}
	return nil
}

// Number returns the 1-based partition number of p within the table, as
// used in loop-device partition names. Returns -1 if p is not an element
// of the table.
func (pt *PartitionTable) Number(p *Partition) int {
	for idx := range pt.Partitions {
		if &pt.Partitions[idx] == p {
			return idx + 1
		}
	}
	return -1
}
