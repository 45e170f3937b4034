// This package implements the wire model for the protocol that Beacon
// uses to communicate with its realtime endpoints.
//
// Everything that moves across the transport is a single envelope, the
// `ProtocolMessage`. An envelope carries an action (what the frame
// means), routing metadata (channel, serials, connection identity) and
// zero or more user-level `Message` or `PresenceMessage` entries.
//
// - `Action`          - What a frame means. The numeric codes are fixed
//                       by the protocol and shared with every peer
//                       implementation; they must never be reordered.
// - `ProtocolMessage` - The envelope exchanged with the transport.
// - `Message`         - A user payload published on a channel.
// - `PresenceMessage` - A presence transition on a channel.
// - `ErrorInfo`       - A protocol-level error, attached to Error,
//                       Nack, Disconnected and similar frames.
//
// === Wire formats
//
// Two representations of the same abstract model are supported:
//
// - a textual JSON encoding, used on text transports
// - a compact binary msgpack encoding, used on binary transports
//
// The format is negotiated when a connection is dialed and is fixed
// for the lifetime of that connection. Both formats use the same
// lowercase field names. `Codec` abstracts over the two.
//
// === Serialisation rules
//
// - An empty `channel` serialises as absent.
// - Structurally empty entries are pruned from `messages` and
//   `presence` before sending; if every entry is empty the array
//   itself is omitted.
// - On receive, a frame's `timestamp` is inherited by every contained
//   message that lacks one, a missing message `id` becomes
//   `<frame id>:<index>`, and a missing `connectionId` is filled from
//   the frame. See `(*ProtocolMessage).Expand`.
package protocol
