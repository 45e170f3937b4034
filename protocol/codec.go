package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire format names. The format is chosen when a connection is dialed
// and is fixed for its lifetime.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Codec turns ProtocolMessages into wire frames and back. Marshal
// prunes empty fields before encoding; Unmarshal expands derived
// message fields after decoding, so callers always see fully
// populated frames.
type Codec interface {
	Name() string

	// Binary reports whether frames should travel as binary transport
	// frames (as opposed to text).
	Binary() bool

	Marshal(p *ProtocolMessage) ([]byte, error)
	Unmarshal(data []byte, p *ProtocolMessage) error
}

var codecFactories = map[string]func() Codec{
	FormatJSON:    func() Codec { return jsonCodec{} },
	FormatMsgpack: func() Codec { return msgpackCodec{} },
}

// NewCodec returns the codec for a wire format name.
func NewCodec(name string) (Codec, error) {
	if factory, ok := codecFactories[name]; ok {
		return factory(), nil
	}

	return nil, fmt.Errorf("unsupported wire format %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return FormatJSON }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(p *ProtocolMessage) ([]byte, error) {
	p.Prune()
	return json.Marshal(p)
}

func (jsonCodec) Unmarshal(data []byte, p *ProtocolMessage) error {
	if err := json.Unmarshal(data, p); err != nil {
		return err
	}

	p.Expand()
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return FormatMsgpack }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(p *ProtocolMessage) ([]byte, error) {
	p.Prune()
	return msgpack.Marshal(p)
}

func (msgpackCodec) Unmarshal(data []byte, p *ProtocolMessage) error {
	if err := msgpack.Unmarshal(data, p); err != nil {
		return err
	}

	p.Expand()
	return nil
}

var _ Codec = jsonCodec{}
var _ Codec = msgpackCodec{}
