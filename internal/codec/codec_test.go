package codec

import (
	"bytes"
	"crypto/rand"
	"io"
	"strings"
	"testing"
)

func testEncryption(t *testing.T) *AESCodec {
	t.Helper()
	c, err := NewAESCodec(EncryptionConfig{Secret: "s3cret", Salt: "salty", Iterations: DefaultIterations, Length: DefaultKeyLength})
	if err != nil {
		t.Fatalf("NewAESCodec: %v", err)
	}
	return c
}

func roundTrip(t *testing.T, c StreamCodec, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := c.Output(&buf)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close writer: %v", err)
	}
	r, err := c.Input(&buf)
	if err != nil {
		t.Fatalf("Input: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return got
}

func TestRoundTrip(t *testing.T) {
	random := make([]byte, 256*1024)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	text := []byte(strings.Repeat("backup data compresses well ", 10000))

	enc := testEncryption(t)
	codecs := map[string]StreamCodec{
		"null":        Null{},
		"gzip":        GzipCodec{},
		"snappy":      SnappyCodec{},
		"zstd":        ZstdCodec{},
		"aes":         enc,
		"base64":      Base64Codec{},
		"aes+snappy":  Combine(enc, SnappyCodec{}),
		"snappy+aes":  Combine(SnappyCodec{}, enc),
		"aes+zstd+64": Combine(Base64Codec{}, enc, ZstdCodec{}),
		"empty chain": Combine(),
	}
	for name, c := range codecs {
		for _, data := range [][]byte{random, text, []byte("x")} {
			got := roundTrip(t, c, data)
			if !bytes.Equal(got, data) {
				t.Errorf("%s: round trip of %d bytes returned %d different bytes", name, len(data), len(got))
			}
		}
	}
}

func TestCompressionShrinksText(t *testing.T) {
	text := []byte(strings.Repeat("aaaaaaaaaaaaaaaa", 4096))
	for name, c := range map[string]StreamCodec{"gzip": GzipCodec{}, "snappy": SnappyCodec{}, "zstd": ZstdCodec{}} {
		var buf bytes.Buffer
		w, _ := c.Output(&buf)
		w.Write(text)
		w.Close()
		if buf.Len() >= len(text) {
			t.Errorf("%s: compressed size %d >= original %d", name, buf.Len(), len(text))
		}
	}
}

func TestAESDifferentKeysDoNotDecrypt(t *testing.T) {
	a := testEncryption(t)
	b, err := NewAESCodec(EncryptionConfig{Secret: "other", Salt: "salty", Iterations: DefaultIterations, Length: 256})
	if err != nil {
		t.Fatalf("NewAESCodec: %v", err)
	}
	data := []byte("the quick brown fox")
	var buf bytes.Buffer
	w, _ := a.Output(&buf)
	w.Write(data)
	w.Close()
	r, err := b.Input(&buf)
	if err != nil {
		t.Fatalf("Input: %v", err)
	}
	got, _ := io.ReadAll(r)
	if bytes.Equal(got, data) {
		t.Error("decrypting with a different key returned the plaintext")
	}
}

func TestEncryptionConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  EncryptionConfig
		ok   bool
	}{
		{"valid", EncryptionConfig{"s", "salt", 10_000, 128}, true},
		{"valid 256", EncryptionConfig{"s", "salt", 1_000, 256}, true},
		{"no secret", EncryptionConfig{"", "salt", 10_000, 128}, false},
		{"no salt", EncryptionConfig{"s", "", 10_000, 128}, false},
		{"few iterations", EncryptionConfig{"s", "salt", 999, 128}, false},
		{"many iterations", EncryptionConfig{"s", "salt", 1_000_001, 128}, false},
		{"bad length", EncryptionConfig{"s", "salt", 10_000, 100}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"snappy": Snappy, "GZIP": Gzip, " zstd ": Zstd, "none": None} {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Errorf("ParseCompression(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseCompression("lz4"); err == nil {
		t.Error("ParseCompression(\"lz4\") succeeded, want error")
	}
}

func TestFactory(t *testing.T) {
	f, err := NewFactory(Snappy, testEncryption(t), []string{".gz", ".BZ2", ".zip"})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	tests := []struct {
		filename string
		want     Compression
	}{
		{"db.tar", Snappy},
		{"db.tar.gz", None},
		{"DB.TAR.GZ", None},
		{"logs.bz2", None},
		{"archive.zip", None},
		{"gz", Snappy},
	}
	for _, tt := range tests {
		if got := f.CompressionFor(tt.filename); got != tt.want {
			t.Errorf("CompressionFor(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}

	data := []byte(strings.Repeat("chunk ", 1000))
	for _, c := range []Compression{None, Gzip, Snappy, Zstd} {
		for _, flip := range []bool{false, true} {
			codec, err := f.Get(c, flip)
			if err != nil {
				t.Fatalf("Get(%s, %v): %v", c, flip, err)
			}
			if got := roundTrip(t, codec, data); !bytes.Equal(got, data) {
				t.Errorf("Get(%s, %v) round trip mismatch", c, flip)
			}
		}
	}

	if _, err := f.Get("LZ4", false); err == nil {
		t.Error("Get(LZ4) succeeded, want error")
	}
	if _, err := NewFactory("LZ4", nil, nil); err == nil {
		t.Error("NewFactory(LZ4) succeeded, want error")
	}
}

func TestFlipOrderIsNotInterchangeable(t *testing.T) {
	f, err := NewFactory(Gzip, testEncryption(t), nil)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	canonical, _ := f.Get(Gzip, false)
	legacy, _ := f.Get(Gzip, true)

	var buf bytes.Buffer
	w, _ := canonical.Output(&buf)
	w.Write([]byte("some backup bytes"))
	w.Close()

	r, err := legacy.Input(&buf)
	if err == nil {
		got, _ := io.ReadAll(r)
		if string(got) == "some backup bytes" {
			t.Error("legacy chain decoded a canonical stream")
		}
	}
}
