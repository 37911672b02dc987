package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Encryption key derivation defaults.
const (
	DefaultIterations = 10_000
	DefaultKeyLength  = 128
)

// EncryptionConfig describes how the AES key is derived from a shared secret.
type EncryptionConfig struct {
	Secret     string `yaml:"secret"`
	Salt       string `yaml:"salt"`
	Iterations int    `yaml:"iterations"`
	// Length is the key length in bits: 128, 192 or 256.
	Length int `yaml:"length"`
}

// Validate checks the bounds of the key derivation parameters.
func (c EncryptionConfig) Validate() error {
	if c.Secret == "" || c.Salt == "" {
		return fmt.Errorf("encryption secret and salt are required")
	}
	if c.Iterations < 1_000 || c.Iterations > 1_000_000 {
		return fmt.Errorf("encryption iterations must be between 1000 and 1000000, got %d", c.Iterations)
	}
	switch c.Length {
	case 128, 192, 256:
	default:
		return fmt.Errorf("encryption key length must be 128, 192 or 256 bits, got %d", c.Length)
	}
	return nil
}

// AESCodec encrypts with AES in CTR mode. Every stream starts with a random IV.
// Integrity is covered by the chunk MD5 checked on download.
type AESCodec struct {
	block cipher.Block
}

// NewAESCodec derives the key with PBKDF2-HMAC-SHA1.
func NewAESCodec(cfg EncryptionConfig) (*AESCodec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(cfg.Secret), []byte(cfg.Salt), cfg.Iterations, cfg.Length/8, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return &AESCodec{block: block}, nil
}

func (c *AESCodec) Output(w io.Writer) (io.WriteCloser, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}
	if _, err := w.Write(iv); err != nil {
		return nil, fmt.Errorf("writing IV: %w", err)
	}
	sw := cipher.StreamWriter{S: cipher.NewCTR(c.block, iv), W: writerOnly{w}}
	return nopWriteCloser{sw}, nil
}

func (c *AESCodec) Input(r io.Reader) (io.ReadCloser, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(r, iv); err != nil {
		return nil, fmt.Errorf("reading IV: %w", err)
	}
	return io.NopCloser(cipher.StreamReader{S: cipher.NewCTR(c.block, iv), R: r}), nil
}

// Base64Codec encodes with standard base64.
type Base64Codec struct{}

func (Base64Codec) Output(w io.Writer) (io.WriteCloser, error) {
	return base64.NewEncoder(base64.StdEncoding, w), nil
}

func (Base64Codec) Input(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(base64.NewDecoder(base64.StdEncoding, r)), nil
}
