package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/luma/beacon/protocol"
)

var (
	// ErrPayloadTypeUnsupported is returned for bare scalar payloads.
	// Numbers, booleans and dates cannot be sent on their own; wrap
	// them in a map or a list.
	ErrPayloadTypeUnsupported = errors.New("unsupported payload type, wrap scalars in a structured value")

	// ErrEncryptionMisconfigured is returned when a channel is marked
	// encrypted but carries no usable cipher params, or when an inbound
	// cipher label does not match the configured cipher.
	ErrEncryptionMisconfigured = errors.New("encryption misconfigured")

	ErrCipherFailure          = errors.New("cipher failure")
	ErrMalformedEncodingLabel = errors.New("malformed encoding label")
	ErrBase64Malformed        = errors.New("payload is not valid base64")
	ErrJSONMalformed          = errors.New("payload is not valid JSON")
)

// payload is the mutable view of a message's (data, encoding) pair
// that encoders operate on. Labels are kept split; they are joined
// back into the message's encoding field when the pipeline finishes.
type payload struct {
	data   interface{}
	labels []string
}

func (p *payload) push(label string) {
	p.labels = append(p.labels, label)
}

func (p *payload) pop() {
	p.labels = p.labels[:len(p.labels)-1]
}

func (p *payload) encoding() string {
	return strings.Join(p.labels, "/")
}

func splitEncoding(encoding string) []string {
	if encoding == "" {
		return nil
	}

	return strings.Split(encoding, "/")
}

// encoder is one step of the pipeline. Each encoder owns the decision
// of whether it applies: on encode it inspects the current payload, on
// decode it inspects the trailing label. Keeping label detection in
// the encoders keeps the chain open to new transforms.
type encoder interface {
	name() string

	encode(p *payload, opts *ChannelOptions) error

	// decode reverses the transform named by label. It reports whether
	// it recognised the label; the pipeline strips a recognised label
	// after a successful decode.
	decode(p *payload, label string, opts *ChannelOptions) (bool, error)
}

// Pipeline is the ordered encoder chain. Encoders run in declared
// order on encode and in reverse on decode.
//
// A pipeline is stateless and safe for concurrent use; the binary
// flag records whether the wire carries binary frames, in which case
// byte payloads travel raw and the base64 step stays inactive.
type Pipeline struct {
	encoders []encoder
}

// NewPipeline builds the standard chain: json, utf-8, cipher, base64.
func NewPipeline(binaryWire bool) *Pipeline {
	return &Pipeline{
		encoders: []encoder{
			jsonEncoder{},
			utf8Encoder{},
			cipherEncoder{},
			base64Encoder{binaryWire: binaryWire},
		},
	}
}

// EncodeMessage transforms m.Data into its wire-safe representation,
// appending the labels of the applied transforms to m.Encoding. On
// error the message is left untouched.
func (pl *Pipeline) EncodeMessage(m *protocol.Message, opts *ChannelOptions) error {
	p := &payload{data: m.Data, labels: splitEncoding(m.Encoding)}

	if err := pl.encode(p, opts); err != nil {
		return err
	}

	m.Data = p.data
	m.Encoding = p.encoding()
	return nil
}

// DecodeMessage reverses the transforms named by m.Encoding, from the
// right. On error the partially decoded state is written back, so the
// caller can surface the residual data and encoding alongside the
// error.
func (pl *Pipeline) DecodeMessage(m *protocol.Message, opts *ChannelOptions) error {
	p := &payload{data: m.Data, labels: splitEncoding(m.Encoding)}

	err := pl.decode(p, opts)

	m.Data = p.data
	m.Encoding = p.encoding()
	return err
}

// EncodePresence runs the presence payload through the same chain.
func (pl *Pipeline) EncodePresence(m *protocol.PresenceMessage, opts *ChannelOptions) error {
	p := &payload{data: m.Data, labels: splitEncoding(m.Encoding)}

	if err := pl.encode(p, opts); err != nil {
		return err
	}

	m.Data = p.data
	m.Encoding = p.encoding()
	return nil
}

// DecodePresence reverses the transforms on a presence payload.
func (pl *Pipeline) DecodePresence(m *protocol.PresenceMessage, opts *ChannelOptions) error {
	p := &payload{data: m.Data, labels: splitEncoding(m.Encoding)}

	err := pl.decode(p, opts)

	m.Data = p.data
	m.Encoding = p.encoding()
	return err
}

func (pl *Pipeline) encode(p *payload, opts *ChannelOptions) error {
	for _, e := range pl.encoders {
		if err := e.encode(p, opts); err != nil {
			return err
		}
	}

	return nil
}

func (pl *Pipeline) decode(p *payload, opts *ChannelOptions) error {
	for len(p.labels) > 0 {
		label := p.labels[len(p.labels)-1]

		consumed := false
		for i := len(pl.encoders) - 1; i >= 0; i-- {
			ok, err := pl.encoders[i].decode(p, label, opts)
			if err != nil {
				return err
			}

			if ok {
				p.pop()
				consumed = true
				break
			}
		}

		if !consumed {
			return fmt.Errorf("%w: %q", ErrMalformedEncodingLabel, label)
		}
	}

	return nil
}

// jsonEncoder serialises structured values to JSON text. It is also
// where bare scalars are rejected: a number or bool on its own has no
// unambiguous wire form, the caller must wrap it.
type jsonEncoder struct{}

func (jsonEncoder) name() string { return "json" }

func (jsonEncoder) encode(p *payload, opts *ChannelOptions) error {
	switch d := p.data.(type) {
	case nil, string, []byte:
		return nil
	case json.RawMessage:
		p.data = string(d)
		p.push("json")
		return nil
	case time.Time:
		return ErrPayloadTypeUnsupported
	default:
		_ = d
	}

	switch reflect.ValueOf(p.data).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Ptr:
		text, err := json.Marshal(p.data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrJSONMalformed, err)
		}

		p.data = string(text)
		p.push("json")
		return nil

	default:
		// Bool, ints, uints, floats and anything else exotic.
		return ErrPayloadTypeUnsupported
	}
}

func (jsonEncoder) decode(p *payload, label string, opts *ChannelOptions) (bool, error) {
	if label != "json" {
		return false, nil
	}

	var text []byte
	switch d := p.data.(type) {
	case string:
		text = []byte(d)
	case []byte:
		text = d
	default:
		return false, fmt.Errorf("%w: json label on %T payload", ErrJSONMalformed, p.data)
	}

	var value interface{}
	if err := json.Unmarshal(text, &value); err != nil {
		return false, fmt.Errorf("%w: %v", ErrJSONMalformed, err)
	}

	p.data = value
	return true, nil
}

// utf8Encoder converts between strings and their UTF-8 bytes. String
// payloads need no transform on encode; the label appears only when a
// later step (the cipher) needs the bytes.
type utf8Encoder struct{}

func (utf8Encoder) name() string { return "utf-8" }

func (utf8Encoder) encode(p *payload, opts *ChannelOptions) error {
	return nil
}

func (utf8Encoder) decode(p *payload, label string, opts *ChannelOptions) (bool, error) {
	if label != "utf-8" {
		return false, nil
	}

	if b, ok := p.data.([]byte); ok {
		p.data = string(b)
	}

	return true, nil
}

// cipherEncoder encrypts byte payloads when the channel is encrypted.
// String payloads are converted to UTF-8 bytes first, recording the
// conversion with a utf-8 label so the receiver can reverse it.
type cipherEncoder struct{}

func (cipherEncoder) name() string { return "cipher" }

func (cipherEncoder) encode(p *payload, opts *ChannelOptions) error {
	if opts == nil || !opts.Encrypted {
		return nil
	}

	if opts.Cipher == nil {
		return ErrEncryptionMisconfigured
	}

	var plaintext []byte
	switch d := p.data.(type) {
	case nil:
		return nil
	case string:
		plaintext = []byte(d)
		p.push("utf-8")
	case []byte:
		plaintext = d
	default:
		return ErrPayloadTypeUnsupported
	}

	c, err := NewCBCCipher(opts.Cipher)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncryptionMisconfigured, err)
	}

	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}

	p.data = ciphertext
	p.push(opts.Cipher.label())
	return nil
}

func (cipherEncoder) decode(p *payload, label string, opts *ChannelOptions) (bool, error) {
	if !strings.HasPrefix(label, "cipher+") {
		return false, nil
	}

	if opts == nil || opts.Cipher == nil {
		return false, fmt.Errorf("%w: received %q but channel has no cipher", ErrEncryptionMisconfigured, label)
	}

	if label != opts.Cipher.label() {
		return false, fmt.Errorf("%w: received %q, configured %q", ErrEncryptionMisconfigured, label, opts.Cipher.label())
	}

	var data []byte
	switch d := p.data.(type) {
	case []byte:
		data = d
	case string:
		data = []byte(d)
	default:
		return false, fmt.Errorf("%w: cipher label on %T payload", ErrCipherFailure, p.data)
	}

	c, err := NewCBCCipher(opts.Cipher)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEncryptionMisconfigured, err)
	}

	plaintext, err := c.Decrypt(data)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCipherFailure, err)
	}

	p.data = plaintext
	return true, nil
}

// base64Encoder makes byte payloads safe for a text wire. On a binary
// wire bytes travel as they are and this step stays inactive.
type base64Encoder struct {
	binaryWire bool
}

func (base64Encoder) name() string { return "base64" }

func (e base64Encoder) encode(p *payload, opts *ChannelOptions) error {
	if e.binaryWire {
		return nil
	}

	if b, ok := p.data.([]byte); ok {
		p.data = base64.StdEncoding.EncodeToString(b)
		p.push("base64")
	}

	return nil
}

func (e base64Encoder) decode(p *payload, label string, opts *ChannelOptions) (bool, error) {
	if label != "base64" {
		return false, nil
	}

	var text string
	switch d := p.data.(type) {
	case string:
		text = d
	case []byte:
		text = string(d)
	default:
		return false, fmt.Errorf("%w: base64 label on %T payload", ErrBase64Malformed, p.data)
	}

	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBase64Malformed, err)
	}

	p.data = decoded
	return true, nil
}
