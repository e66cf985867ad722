package internal

import (
	"io"

	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
)

// ContentType sniffs the media type from the head of r.
func ContentType(r io.Reader) (string, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", err
	}
	return mt.String(), nil
}

// HumanSize formats a byte count with binary units, e.g. "2.5GiB".
func HumanSize(n uint64) string {
	return units.BytesSize(float64(n))
}
