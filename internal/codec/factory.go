package codec

import (
	"fmt"
	"strings"
)

// Factory hands out the codec chain for a chunk.
type Factory struct {
	defaultCompression Compression
	compressions       map[Compression]StreamCodec
	encryption         StreamCodec
	extensions         []string
}

// NewFactory builds a factory. encryption may be nil to store chunks in the
// clear. Filenames ending in one of compressedExtensions skip compression.
func NewFactory(defaultCompression Compression, encryption StreamCodec, compressedExtensions []string) (*Factory, error) {
	compressions := Compressions()
	if _, ok := compressions[defaultCompression]; !ok {
		return nil, fmt.Errorf("unsupported default compression %q", defaultCompression)
	}
	exts := make([]string, 0, len(compressedExtensions))
	for _, ext := range compressedExtensions {
		exts = append(exts, strings.ToLower(ext))
	}
	return &Factory{
		defaultCompression: defaultCompression,
		compressions:       compressions,
		encryption:         encryption,
		extensions:         exts,
	}, nil
}

// DefaultCompression returns the configured default algorithm.
func (f *Factory) DefaultCompression() Compression {
	return f.defaultCompression
}

// CompressionFor picks the algorithm for a new file.
func (f *Factory) CompressionFor(filename string) Compression {
	lower := strings.ToLower(filename)
	for _, ext := range f.extensions {
		if strings.HasSuffix(lower, ext) {
			return None
		}
	}
	return f.defaultCompression
}

// Get returns the codec chain for a compression algorithm. The canonical chain
// compresses and then encrypts. flip selects the reverse order used by records
// written before the order was fixed.
func (f *Factory) Get(c Compression, flip bool) (StreamCodec, error) {
	compression, ok := f.compressions[c]
	if !ok {
		return nil, fmt.Errorf("unsupported compression %q", c)
	}
	if f.encryption == nil {
		return compression, nil
	}
	if flip {
		return Combine(compression, f.encryption), nil
	}
	return Combine(f.encryption, compression), nil
}
