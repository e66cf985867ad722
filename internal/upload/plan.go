package upload

const (
	MiB = 1 << 20
	GiB = 1 << 30

	// MultipartThreshold is the smallest file uploaded in parts.
	MultipartThreshold = 100 * MiB
)

type Mode int

const (
	SinglePart Mode = iota
	Multipart
)

func (m Mode) String() string {
	if m == Multipart {
		return "multipart"
	}
	return "single"
}

// Plan describes how one file is split. PartSize is zero for single part
// uploads, which always have exactly one part.
type Plan struct {
	Mode      Mode
	PartSize  uint64
	PartCount uint32
}

// ByteRange is the half-open range [Offset, Offset+Length).
type ByteRange struct {
	Offset uint64
	Length uint64
}

// NewPlan decides between a single PUT and a multipart upload for a file of
// the given size.
func NewPlan(size uint64) Plan {
	if size < MultipartThreshold {
		return Plan{Mode: SinglePart, PartCount: 1}
	}
	partSize := partSizeFor(size)
	count := size / partSize
	if size%partSize != 0 {
		count++
	}
	return Plan{
		Mode:      Multipart,
		PartSize:  partSize,
		PartCount: uint32(count),
	}
}

func partSizeFor(size uint64) uint64 {
	switch {
	case size < 1*GiB:
		return 10 * MiB
	case size < 10*GiB:
		return 50 * MiB
	default:
		return 100 * MiB
	}
}

// Ranges returns the byte range of every part in part order. The ranges
// partition [0, size).
func (p Plan) Ranges(size uint64) []ByteRange {
	if p.Mode == SinglePart {
		return []ByteRange{{Offset: 0, Length: size}}
	}
	ranges := make([]ByteRange, p.PartCount)
	for i := range ranges {
		off := uint64(i) * p.PartSize
		end := off + p.PartSize
		if end > size {
			end = size
		}
		ranges[i] = ByteRange{Offset: off, Length: end - off}
	}
	return ranges
}
