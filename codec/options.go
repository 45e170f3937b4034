package codec

import (
	"errors"
	"fmt"
)

var (
	ErrKeyLength = errors.New("cipher key must be 16, 24 or 32 bytes")
)

// ChannelMode names an operation a channel permits.
type ChannelMode string

const (
	ModePublish           ChannelMode = "publish"
	ModeSubscribe         ChannelMode = "subscribe"
	ModePresence          ChannelMode = "presence"
	ModePresenceSubscribe ChannelMode = "presence_subscribe"
)

// ChannelOptions configures how payloads on a channel are encoded and
// which operations the channel permits. Modes are checked on the
// client only; the Attach frame does not carry them.
type ChannelOptions struct {
	// Encrypted enables the cipher step of the pipeline. Cipher must
	// be set when Encrypted is true.
	Encrypted bool

	Cipher *CipherParams

	Modes []ChannelMode
}

// CipherParams describes the symmetric cipher applied by the pipeline
// when a channel is encrypted.
type CipherParams struct {
	// Algorithm and Mode name the cipher in encoding labels. Only
	// "aes" in "cbc" mode is supported.
	Algorithm string
	Mode      string

	// KeyLength is the key size in bits, derived from Key.
	KeyLength int

	Key []byte

	// IV, when set, is used for every message. Leave it unset outside
	// of tests: a fresh random IV is generated per message.
	IV []byte
}

// DefaultCipherParams returns AES-CBC params for the given key. The
// key length picks the AES variant: 16 bytes is AES-128, 24 AES-192,
// 32 AES-256.
func DefaultCipherParams(key []byte) (*CipherParams, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w, got %d", ErrKeyLength, len(key))
	}

	return &CipherParams{
		Algorithm: "aes",
		Mode:      "cbc",
		KeyLength: len(key) * 8,
		Key:       key,
	}, nil
}

// label returns the encoding label for this cipher, e.g.
// "cipher+aes-128-cbc".
func (p *CipherParams) label() string {
	return fmt.Sprintf("cipher+%s-%d-%s", p.Algorithm, p.KeyLength, p.Mode)
}
