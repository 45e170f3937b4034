// This package implements the payload codec pipeline: the ordered,
// reversible chain of transforms that turns user payloads into a
// wire-safe representation and back.
//
// Each transform that is applied appends a label to the message's
// `encoding` field, so a message's encoding reads as a recipe:
//
//   "json/utf-8/cipher+aes-128-cbc/base64"
//
// means the original structured value was serialised to JSON text,
// the text was converted to UTF-8 bytes, the bytes were encrypted
// with AES-128-CBC, and the ciphertext was base64'd for a text wire.
// Decoding peels labels off from the right, reversing each transform,
// until none remain.
//
// The pipeline is a pure function of (payload, channel options); it
// performs no I/O. It must round-trip bit-exactly with peer
// implementations in other languages, which is why the label grammar
// and the cipher framing (IV prepended to ciphertext) are fixed here
// and never inferred.
package codec
