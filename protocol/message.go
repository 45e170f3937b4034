package protocol

// Message is a single user-level payload published to, or delivered
// from, a channel.
//
// Data is opaque to the protocol layer: it may be a string, a []byte,
// or a structured value, depending on where the message sits in the
// payload codec pipeline. Encoding names the transforms that have been
// applied to Data, as a slash-separated list read left to right; the
// rightmost label is the transform applied most recently.
type Message struct {
	ID           string                 `json:"id,omitempty" msgpack:"id,omitempty"`
	ClientID     string                 `json:"clientId,omitempty" msgpack:"clientId,omitempty"`
	ConnectionID string                 `json:"connectionId,omitempty" msgpack:"connectionId,omitempty"`
	Name         string                 `json:"name,omitempty" msgpack:"name,omitempty"`
	Data         interface{}            `json:"data,omitempty" msgpack:"data,omitempty"`
	Encoding     string                 `json:"encoding,omitempty" msgpack:"encoding,omitempty"`
	Timestamp    int64                  `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
	Extras       map[string]interface{} `json:"extras,omitempty" msgpack:"extras,omitempty"`
}

// Empty reports whether the message carries nothing at all. Empty
// entries are pruned from outgoing frames.
func (m *Message) Empty() bool {
	if m == nil {
		return true
	}

	return m.ID == "" &&
		m.ClientID == "" &&
		m.ConnectionID == "" &&
		m.Name == "" &&
		m.Data == nil &&
		m.Encoding == "" &&
		m.Timestamp == 0 &&
		len(m.Extras) == 0
}

// PresenceAction is the kind of presence transition a PresenceMessage
// describes. The numeric codes are fixed by the wire protocol.
type PresenceAction int64

const (
	PresenceAbsent  PresenceAction = 0
	PresencePresent PresenceAction = 1
	PresenceEnter   PresenceAction = 2
	PresenceLeave   PresenceAction = 3
	PresenceUpdate  PresenceAction = 4
)

var presenceActionNames = map[PresenceAction]string{
	PresenceAbsent:  "ABSENT",
	PresencePresent: "PRESENT",
	PresenceEnter:   "ENTER",
	PresenceLeave:   "LEAVE",
	PresenceUpdate:  "UPDATE",
}

func (a PresenceAction) String() string {
	if name, ok := presenceActionNames[a]; ok {
		return name
	}

	return "UNKNOWN"
}

// PresenceMessage is a presence transition for a single member of a
// channel. Data and Encoding follow the same rules as Message.
type PresenceMessage struct {
	ID           string         `json:"id,omitempty" msgpack:"id,omitempty"`
	ClientID     string         `json:"clientId,omitempty" msgpack:"clientId,omitempty"`
	ConnectionID string         `json:"connectionId,omitempty" msgpack:"connectionId,omitempty"`
	Action       PresenceAction `json:"action" msgpack:"action"`
	Data         interface{}    `json:"data,omitempty" msgpack:"data,omitempty"`
	Encoding     string         `json:"encoding,omitempty" msgpack:"encoding,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`
}

// Empty reports whether the entry carries nothing beyond the zero
// action. Empty entries are pruned from outgoing frames.
func (m *PresenceMessage) Empty() bool {
	if m == nil {
		return true
	}

	return m.ID == "" &&
		m.ClientID == "" &&
		m.ConnectionID == "" &&
		m.Action == PresenceAbsent &&
		m.Data == nil &&
		m.Encoding == "" &&
		m.Timestamp == 0
}
