package lockstep

import (
	"fmt"

	"github.com/golang/snappy"
)

// Envelope layout: [version][flags][salt?][body]. The salt is present
// only for password-derived encryption so payloads written by earlier
// runs stay readable.
const (
	codecVersion = 1

	codecFlagSnappy    = 0x01
	codecFlagEncrypted = 0x02
	codecFlagSalted    = 0x04
)

// payloadCodec encodes payload bytes for storage: optional snappy
// compression followed by optional AES-256-GCM encryption.
type payloadCodec struct {
	compress bool
	minSize  int
	keys     *Keyring
}

// newPayloadCodec builds a codec from the compression and encryption
// sections of the engine config.
func newPayloadCodec(comp CompressionConfig, enc *EncryptionConfig) (*payloadCodec, error) {
	c := &payloadCodec{
		compress: !comp.Disabled,
		minSize:  comp.MinSize,
	}
	if enc != nil {
		k, err := NewKeyring(*enc)
		if err != nil {
			return nil, err
		}
		c.keys = k
	}
	return c, nil
}

// Encode wraps p in a storage envelope. Empty payloads stay empty.
func (c *payloadCodec) Encode(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}

	var flags byte
	body := p
	if c.compress && len(p) >= c.minSize {
		compressed := snappy.Encode(nil, p)
		if len(compressed) < len(p) {
			body = compressed
			flags |= codecFlagSnappy
		}
	}

	var salt []byte
	if c.keys != nil {
		sealed, s, err := c.keys.Seal(body)
		if err != nil {
			return nil, err
		}
		body = sealed
		flags |= codecFlagEncrypted
		if len(s) > 0 {
			salt = s
			flags |= codecFlagSalted
		}
	}

	out := make([]byte, 0, 2+len(salt)+len(body))
	out = append(out, codecVersion, flags)
	out = append(out, salt...)
	out = append(out, body...)
	return out, nil
}

// Decode unwraps a storage envelope produced by Encode.
func (c *payloadCodec) Decode(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if len(p) < 2 {
		return nil, newStorageError(StorageErrorTypeCorruption, "payload envelope too short", "", nil)
	}
	if p[0] != codecVersion {
		return nil, newStorageError(StorageErrorTypeCorruption,
			fmt.Sprintf("unknown payload envelope version %d", p[0]), "", nil)
	}
	flags := p[1]
	body := p[2:]

	var salt []byte
	if flags&codecFlagSalted != 0 {
		if len(body) < EncryptionSaltSize {
			return nil, newStorageError(StorageErrorTypeCorruption, "payload envelope missing salt", "", nil)
		}
		salt = body[:EncryptionSaltSize]
		body = body[EncryptionSaltSize:]
	}

	if flags&codecFlagEncrypted != 0 {
		if c.keys == nil {
			return nil, newStorageError(StorageErrorTypeCorruption,
				"encrypted payload but encryption is not configured", "", nil)
		}
		plain, err := c.keys.Open(body, salt)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "payload decrypt failed", "", err)
		}
		body = plain
	}

	if flags&codecFlagSnappy != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "payload decompress failed", "", err)
		}
		body = decoded
	}
	return body, nil
}
