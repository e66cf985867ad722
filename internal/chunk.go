package internal

import (
	"io"
	"os"
)

const defaultContentType = "application/octet-stream"

// FileSource is a local file opened for upload. Chunk readers share the
// underlying file through ReadAt so parts can be read concurrently.
type FileSource struct {
	filename string

	file        *os.File
	name        string
	contentType string
	size        int64
}

func NewFileSource(filename string) *FileSource {
	return &FileSource{
		filename: filename,
	}
}

func (r *FileSource) Open() error {
	file, err := os.Open(r.filename)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	size := fi.Size()
	contentType := defaultContentType
	if size > 0 {
		if ct, err := ContentType(io.NewSectionReader(file, 0, size)); err == nil {
			contentType = ct
		}
	}

	r.file = file
	r.name = fi.Name()
	r.size = size
	r.contentType = contentType
	return nil
}

func (r *FileSource) Close() error {
	if r.file == nil {
		return os.ErrInvalid
	}
	return r.file.Close()
}

// ReadAt makes the source usable as the payload of an upload request.
func (r *FileSource) ReadAt(p []byte, off int64) (int, error) {
	if r.file == nil {
		return 0, os.ErrInvalid
	}
	return r.file.ReadAt(p, off)
}

func (r *FileSource) Filename() string {
	return r.filename
}

func (r *FileSource) Name() string {
	return r.name
}

func (r *FileSource) ContentType() string {
	return r.contentType
}

func (r *FileSource) Size() int64 {
	return r.size
}

// ChunkReader reads the byte range [base, limit) of an io.ReaderAt.
type ChunkReader struct {
	src   io.ReaderAt
	base  int64
	off   int64
	limit int64
}

func NewChunkReader(src io.ReaderAt, off, limit int64) *ChunkReader {
	return &ChunkReader{
		src:   src,
		base:  off,
		off:   off,
		limit: limit,
	}
}

// MD5 checksums the whole range without moving r.
func (r *ChunkReader) MD5() (string, string, error) {
	return MD5Sum(NewChunkReader(r.src, r.base, r.limit))
}

func (r *ChunkReader) Read(p []byte) (int, error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if max := r.limit - r.off; int64(len(p)) > max {
		p = p[0:max]
	}
	n, err := r.src.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && r.off < r.limit {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}
