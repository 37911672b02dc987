package codec

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// GzipCodec compresses with gzip.
type GzipCodec struct{}

func (GzipCodec) Output(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriter(w), nil
}

func (GzipCodec) Input(r io.Reader) (io.ReadCloser, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr, nil
}

// SnappyCodec writes the Snappy framing format so chunks stay readable by any
// Snappy stream decoder.
type SnappyCodec struct{}

func (SnappyCodec) Output(w io.Writer) (io.WriteCloser, error) {
	return s2.NewWriter(w, s2.WriterSnappyCompat(), s2.WriterConcurrency(1)), nil
}

func (SnappyCodec) Input(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(s2.NewReader(r)), nil
}

// ZstdCodec compresses with Zstandard.
type ZstdCodec struct{}

func (ZstdCodec) Output(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (ZstdCodec) Input(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

// Compressions returns the codec for every supported compression algorithm.
func Compressions() map[Compression]StreamCodec {
	return map[Compression]StreamCodec{
		None:   Null{},
		Gzip:   GzipCodec{},
		Snappy: SnappyCodec{},
		Zstd:   ZstdCodec{},
	}
}
