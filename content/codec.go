package content

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"golang.org/x/crypto/nacl/secretbox"
)

// CompressionThreshold is the default byte length above which Codec
// transparently compresses a content payload.
const CompressionThreshold = 1024

// defaultEncryptedTypes is the default set of content types eligible for
// encryption when a codec key is configured. RAW is the durability point
// and the most sensitive payload, so it is encrypted by
// default; operators can widen this set via Codec.EncryptTypes.
var defaultEncryptedTypes = map[Type]bool{
	TypeRaw: true,
}

// Codec transparently compresses and encrypts MessageContent payloads on
// write and reverses both on read. Compression uses brotli; encryption
// uses NaCl secretbox (golang.org/x/crypto).
type Codec struct {
	Threshold     int
	EncryptTypes  map[Type]bool
	encryptionKey *[32]byte
}

// NewCodec builds a Codec. encryptionKey may be nil, in which case
// encryption is disabled regardless of EncryptTypes.
func NewCodec(encryptionKey *[32]byte) *Codec {
	return &Codec{
		Threshold:    CompressionThreshold,
		EncryptTypes: defaultEncryptedTypes,
		encryptionKey: encryptionKey,
	}
}

// DeriveKey reduces an arbitrary-length passphrase (as configured via
// MIRTH_ENCRYPTION_KEY) to the 32-byte secretbox key. It is intentionally
// simple (not a KDF like scrypt/argon2) because the source key is expected
// to already be a high-entropy secret provisioned by the deployer, not a
// user password.
func DeriveKey(passphrase string) *[32]byte {
	var key [32]byte
	copy(key[:], padOrTruncate([]byte(passphrase), 32))
	return &key
}

func padOrTruncate(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Encode prepares a Content for storage: compresses Text if it exceeds the
// threshold, then encrypts if the type is in EncryptTypes and a key is
// configured. The Compressed/Encrypted flags record what was done so
// Decode can reverse it deterministically. Only a compressed or encrypted
// payload is base64-encoded; otherwise Text is stored as given.
func (c *Codec) Encode(in *Content) (*Content, error) {
	out := &Content{Type: in.Type, DataType: in.DataType}
	payload := []byte(in.Text)

	if c.Threshold > 0 && len(payload) > c.Threshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, fmt.Errorf("content: compress %s: %w", in.Type, err)
		}
		payload = compressed
		out.Compressed = true
	}

	if c.encryptionKey != nil && c.EncryptTypes[in.Type] {
		sealed, err := encrypt(payload, c.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("content: encrypt %s: %w", in.Type, err)
		}
		payload = sealed
		out.Encrypted = true
	}

	if out.Compressed || out.Encrypted {
		out.Text = base64.StdEncoding.EncodeToString(payload)
	} else {
		out.Text = in.Text
	}
	return out, nil
}

// Decode reverses Encode, honoring whichever of Compressed/Encrypted the
// stored row declares, regardless of the codec's current configuration —
// a row written under an old key rotation or threshold must still decode.
func (c *Codec) Decode(in *Content) (*Content, error) {
	if !in.Compressed && !in.Encrypted {
		return &Content{Type: in.Type, DataType: in.DataType, Text: in.Text}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(in.Text)
	if err != nil {
		return nil, fmt.Errorf("content: base64 decode %s: %w", in.Type, err)
	}

	if in.Encrypted {
		if c.encryptionKey == nil {
			return nil, fmt.Errorf("content: %s is encrypted but no encryption key is configured", in.Type)
		}
		opened, err := decrypt(raw, c.encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("content: decrypt %s: %w", in.Type, err)
		}
		raw = opened
	}

	if in.Compressed {
		decompressed, err := decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("content: decompress %s: %w", in.Type, err)
		}
		raw = decompressed
	}

	return &Content{
		Type:     in.Type,
		DataType: in.DataType,
		Text:     string(raw),
	}, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}

func encrypt(data []byte, key *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], data, &nonce, key)
	return sealed, nil
}

func decrypt(data []byte, key *[32]byte) ([]byte, error) {
	if len(data) < 24 {
		return nil, fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], data[:24])
	opened, ok := secretbox.Open(nil, data[24:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("secretbox: decryption failed")
	}
	return opened, nil
}
