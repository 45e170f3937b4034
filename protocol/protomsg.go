package protocol

import "strconv"

// ProtocolMessage is the envelope exchanged with the transport. Every
// frame, in either direction, is one of these.
type ProtocolMessage struct {
	Action            Action             `json:"action" msgpack:"action"`
	Flags             Flag               `json:"flags,omitempty" msgpack:"flags,omitempty"`
	Count             int                `json:"count,omitempty" msgpack:"count,omitempty"`
	Error             *ErrorInfo         `json:"error,omitempty" msgpack:"error,omitempty"`
	ID                string             `json:"id,omitempty" msgpack:"id,omitempty"`
	Channel           string             `json:"channel,omitempty" msgpack:"channel,omitempty"`
	ChannelSerial     string             `json:"channelSerial,omitempty" msgpack:"channelSerial,omitempty"`
	ConnectionID      string             `json:"connectionId,omitempty" msgpack:"connectionId,omitempty"`
	ConnectionKey     string             `json:"connectionKey,omitempty" msgpack:"connectionKey,omitempty"`
	ConnectionSerial  int64              `json:"connectionSerial,omitempty" msgpack:"connectionSerial,omitempty"`
	MsgSerial         int64              `json:"msgSerial" msgpack:"msgSerial"`
	Timestamp         int64              `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Messages          []*Message         `json:"messages,omitempty" msgpack:"messages,omitempty"`
	Presence          []*PresenceMessage `json:"presence,omitempty" msgpack:"presence,omitempty"`
	ConnectionDetails *ConnectionDetails `json:"connectionDetails,omitempty" msgpack:"connectionDetails,omitempty"`
}

// Prune drops structurally empty entries from Messages and Presence
// so they serialise as absent, per the wire rules. If every entry of
// an array is empty the array itself becomes absent. Codecs call this
// before marshalling; it is idempotent.
func (p *ProtocolMessage) Prune() {
	if len(p.Messages) > 0 {
		kept := p.Messages[:0]
		for _, m := range p.Messages {
			if !m.Empty() {
				kept = append(kept, m)
			}
		}

		p.Messages = kept
		if len(p.Messages) == 0 {
			p.Messages = nil
		}
	}

	if len(p.Presence) > 0 {
		kept := p.Presence[:0]
		for _, m := range p.Presence {
			if !m.Empty() {
				kept = append(kept, m)
			}
		}

		p.Presence = kept
		if len(p.Presence) == 0 {
			p.Presence = nil
		}
	}
}

// Expand fills in the fields of contained messages that the server
// elides when they can be derived from the envelope:
//
// - a missing message timestamp inherits the frame timestamp
// - a missing message id becomes `<frame id>:<index>`
// - a missing connectionId is filled from the frame
//
// Codecs call this after unmarshalling an inbound frame.
func (p *ProtocolMessage) Expand() {
	for i, m := range p.Messages {
		if m == nil {
			continue
		}

		if m.ID == "" && p.ID != "" {
			m.ID = p.ID + ":" + strconv.Itoa(i)
		}

		if m.ConnectionID == "" {
			m.ConnectionID = p.ConnectionID
		}

		if m.Timestamp == 0 {
			m.Timestamp = p.Timestamp
		}
	}

	for i, m := range p.Presence {
		if m == nil {
			continue
		}

		if m.ID == "" && p.ID != "" {
			m.ID = p.ID + ":" + strconv.Itoa(i)
		}

		if m.ConnectionID == "" {
			m.ConnectionID = p.ConnectionID
		}

		if m.Timestamp == 0 {
			m.Timestamp = p.Timestamp
		}
	}
}
