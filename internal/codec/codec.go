// Package codec implements the stream transforms applied to backup chunks:
// compression, encryption and encoding, composable into a single codec.
package codec

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Compression names a compression algorithm recorded on every stored chunk.
type Compression string

const (
	None   Compression = "NONE"
	Gzip   Compression = "GZIP"
	Snappy Compression = "SNAPPY"
	Zstd   Compression = "ZSTD"
)

// ParseCompression parses a case-insensitive compression name.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToUpper(strings.TrimSpace(s))); c {
	case None, Gzip, Snappy, Zstd:
		return c, nil
	}
	return "", fmt.Errorf("unknown compression codec %q", s)
}

// StreamCodec wraps writers and readers with a reversible transform.
//
// Closing the WriteCloser returned by Output flushes the transform but never
// closes w. Closing the ReadCloser returned by Input releases the transform's
// resources but never closes r.
type StreamCodec interface {
	Output(w io.Writer) (io.WriteCloser, error)
	Input(r io.Reader) (io.ReadCloser, error)
}

// Combine stacks codecs. Output applies each member in order, so the first
// codec sits closest to the sink and data passes through the last one first.
// Input applies the members in the same order, which undoes Output.
func Combine(codecs ...StreamCodec) StreamCodec {
	return combined(codecs)
}

type combined []StreamCodec

func (c combined) Output(w io.Writer) (io.WriteCloser, error) {
	var layers []io.Closer
	cur := w
	for _, codec := range c {
		wc, err := codec.Output(cur)
		if err != nil {
			closeReverse(layers)
			return nil, err
		}
		layers = append(layers, wc)
		cur = wc
	}
	return &stackWriter{Writer: cur, layers: layers}, nil
}

func (c combined) Input(r io.Reader) (io.ReadCloser, error) {
	var layers []io.Closer
	cur := r
	for _, codec := range c {
		rc, err := codec.Input(cur)
		if err != nil {
			closeReverse(layers)
			return nil, err
		}
		layers = append(layers, rc)
		cur = rc
	}
	return &stackReader{Reader: cur, layers: layers}, nil
}

type stackWriter struct {
	io.Writer
	layers []io.Closer
}

// Close flushes the outermost layer first so every inner layer sees the
// complete output of the one above it.
func (s *stackWriter) Close() error {
	return closeReverse(s.layers)
}

type stackReader struct {
	io.Reader
	layers []io.Closer
}

func (s *stackReader) Close() error {
	return closeReverse(s.layers)
}

func closeReverse(layers []io.Closer) error {
	var errs []error
	for i := len(layers) - 1; i >= 0; i-- {
		if err := layers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Null passes data through unchanged.
type Null struct{}

func (Null) Output(w io.Writer) (io.WriteCloser, error) { return nopWriteCloser{w}, nil }
func (Null) Input(r io.Reader) (io.ReadCloser, error)   { return io.NopCloser(r), nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// writerOnly hides any Close method of the wrapped writer.
type writerOnly struct{ io.Writer }
