package codec_test

import (
	"encoding/base64"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/beacon/codec"
	"github.com/luma/beacon/protocol"
)

var _ = Describe("Pipeline", func() {
	var textWire *codec.Pipeline
	var binaryWire *codec.Pipeline

	BeforeEach(func() {
		textWire = codec.NewPipeline(false)
		binaryWire = codec.NewPipeline(true)
	})

	Describe("EncodeMessage()", func() {
		It("leaves a plain string untouched with no encoding", func() {
			m := &protocol.Message{Data: "hello"}

			Expect(textWire.EncodeMessage(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal("hello"))
			Expect(m.Encoding).To(Equal(""))
		})

		It("base64s bytes on a text wire", func() {
			m := &protocol.Message{Data: []byte{0x01, 0x02, 0x03, 0x04, 0x05}}

			Expect(textWire.EncodeMessage(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal("AQIDBAU="))
			Expect(m.Encoding).To(Equal("base64"))
		})

		It("leaves bytes raw on a binary wire", func() {
			m := &protocol.Message{Data: []byte{0x01, 0x02, 0x03}}

			Expect(binaryWire.EncodeMessage(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal([]byte{0x01, 0x02, 0x03}))
			Expect(m.Encoding).To(Equal(""))
		})

		It("serialises structured values to JSON text", func() {
			m := &protocol.Message{Data: map[string]interface{}{"temp": 21.5}}

			Expect(textWire.EncodeMessage(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal(`{"temp":21.5}`))
			Expect(m.Encoding).To(Equal("json"))
		})

		It("rejects a bare number", func() {
			m := &protocol.Message{Data: 10}

			err := textWire.EncodeMessage(m, nil)
			Expect(errors.Is(err, codec.ErrPayloadTypeUnsupported)).To(BeTrue())
			Expect(m.Data).To(Equal(10))
			Expect(m.Encoding).To(Equal(""))
		})

		It("rejects a bare bool", func() {
			m := &protocol.Message{Data: true}

			err := textWire.EncodeMessage(m, nil)
			Expect(errors.Is(err, codec.ErrPayloadTypeUnsupported)).To(BeTrue())
		})

		It("fails when a channel is encrypted without cipher params", func() {
			m := &protocol.Message{Data: "secret"}

			err := textWire.EncodeMessage(m, &codec.ChannelOptions{Encrypted: true})
			Expect(errors.Is(err, codec.ErrEncryptionMisconfigured)).To(BeTrue())
		})
	})

	Describe("DecodeMessage()", func() {
		It("reverses base64", func() {
			m := &protocol.Message{Data: "AQIDBAU=", Encoding: "base64"}

			Expect(textWire.DecodeMessage(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal([]byte{0x01, 0x02, 0x03, 0x04, 0x05}))
			Expect(m.Encoding).To(Equal(""))
		})

		It("reverses json into a structured value", func() {
			m := &protocol.Message{Data: `{"temp":21.5}`, Encoding: "json"}

			Expect(textWire.DecodeMessage(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal(map[string]interface{}{"temp": 21.5}))
			Expect(m.Encoding).To(Equal(""))
		})

		It("converts utf-8 labelled bytes to a string", func() {
			m := &protocol.Message{Data: []byte("hello"), Encoding: "utf-8"}

			Expect(textWire.DecodeMessage(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal("hello"))
		})

		It("errors on an unknown label, leaving the residue in place", func() {
			m := &protocol.Message{Data: "x", Encoding: "json/vnd.wat"}

			err := textWire.DecodeMessage(m, nil)
			Expect(errors.Is(err, codec.ErrMalformedEncodingLabel)).To(BeTrue())
			Expect(m.Encoding).To(Equal("json/vnd.wat"))
		})

		It("errors on malformed base64, keeping the label", func() {
			m := &protocol.Message{Data: "!!not base64!!", Encoding: "base64"}

			err := textWire.DecodeMessage(m, nil)
			Expect(errors.Is(err, codec.ErrBase64Malformed)).To(BeTrue())
			Expect(m.Encoding).To(Equal("base64"))
		})

		It("errors on malformed json", func() {
			m := &protocol.Message{Data: "{nope", Encoding: "json"}

			err := textWire.DecodeMessage(m, nil)
			Expect(errors.Is(err, codec.ErrJSONMalformed)).To(BeTrue())
		})

		It("refuses a cipher label when the channel has no cipher", func() {
			m := &protocol.Message{Data: []byte{1, 2, 3}, Encoding: "cipher+aes-128-cbc"}

			err := textWire.DecodeMessage(m, nil)
			Expect(errors.Is(err, codec.ErrEncryptionMisconfigured)).To(BeTrue())
		})

		It("refuses a cipher label that names a different cipher", func() {
			params, err := codec.DefaultCipherParams(make([]byte, 16))
			Expect(err).To(Succeed())

			opts := &codec.ChannelOptions{Encrypted: true, Cipher: params}
			m := &protocol.Message{Data: []byte{1, 2, 3}, Encoding: "cipher+aes-256-cbc"}

			decodeErr := textWire.DecodeMessage(m, opts)
			Expect(errors.Is(decodeErr, codec.ErrEncryptionMisconfigured)).To(BeTrue())
		})
	})

	Describe("round trips", func() {
		It("round-trips a plain string", func() {
			m := &protocol.Message{Name: "greeting", Data: "hello"}

			Expect(textWire.EncodeMessage(m, nil)).To(Succeed())
			Expect(textWire.DecodeMessage(m, nil)).To(Succeed())

			Expect(m.Data).To(Equal("hello"))
			Expect(m.Encoding).To(Equal(""))
			Expect(m.Name).To(Equal("greeting"))
		})

		It("round-trips binary data over a text wire", func() {
			payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
			m := &protocol.Message{Data: payload}

			Expect(textWire.EncodeMessage(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal("AQIDBAU="))
			Expect(m.Encoding).To(Equal("base64"))

			Expect(textWire.DecodeMessage(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal(payload))
			Expect(m.Encoding).To(Equal(""))
		})

		It("round-trips a structured value", func() {
			m := &protocol.Message{Data: []interface{}{"a", "b"}}

			Expect(textWire.EncodeMessage(m, nil)).To(Succeed())
			Expect(textWire.DecodeMessage(m, nil)).To(Succeed())

			Expect(m.Data).To(Equal([]interface{}{"a", "b"}))
			Expect(m.Encoding).To(Equal(""))
		})
	})

	Describe("encryption", func() {
		var opts *codec.ChannelOptions

		BeforeEach(func() {
			params, err := codec.DefaultCipherParams(make([]byte, 16))
			Expect(err).To(Succeed())

			// A fixed IV keeps the ciphertext deterministic for the
			// assertions below; production leaves IV unset.
			params.IV = make([]byte, 16)

			opts = &codec.ChannelOptions{Encrypted: true, Cipher: params}
		})

		It("encrypts a string as utf-8/cipher/base64 on a text wire", func() {
			m := &protocol.Message{Data: "EncryptionTest"}

			Expect(textWire.EncodeMessage(m, opts)).To(Succeed())
			Expect(m.Encoding).To(Equal("utf-8/cipher+aes-128-cbc/base64"))

			// The wire payload is base64 of iv||ciphertext: one IV
			// block plus one padded plaintext block.
			raw, err := base64.StdEncoding.DecodeString(m.Data.(string))
			Expect(err).To(Succeed())
			Expect(raw).To(HaveLen(32))
			Expect(raw[:16]).To(Equal(make([]byte, 16)))
		})

		It("round-trips an encrypted string", func() {
			m := &protocol.Message{Data: "EncryptionTest"}

			Expect(textWire.EncodeMessage(m, opts)).To(Succeed())
			Expect(textWire.DecodeMessage(m, opts)).To(Succeed())

			Expect(m.Data).To(Equal("EncryptionTest"))
			Expect(m.Encoding).To(Equal(""))
		})

		It("round-trips encrypted bytes without a utf-8 label", func() {
			payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
			m := &protocol.Message{Data: payload}

			Expect(textWire.EncodeMessage(m, opts)).To(Succeed())
			Expect(m.Encoding).To(Equal("cipher+aes-128-cbc/base64"))

			Expect(textWire.DecodeMessage(m, opts)).To(Succeed())
			Expect(m.Data).To(Equal(payload))
			Expect(m.Encoding).To(Equal(""))
		})

		It("round-trips an encrypted structured value", func() {
			m := &protocol.Message{Data: map[string]interface{}{"pin": "0000"}}

			Expect(textWire.EncodeMessage(m, opts)).To(Succeed())
			Expect(m.Encoding).To(Equal("json/utf-8/cipher+aes-128-cbc/base64"))

			Expect(textWire.DecodeMessage(m, opts)).To(Succeed())
			Expect(m.Data).To(Equal(map[string]interface{}{"pin": "0000"}))
			Expect(m.Encoding).To(Equal(""))
		})

		It("skips base64 for encrypted payloads on a binary wire", func() {
			m := &protocol.Message{Data: "EncryptionTest"}

			Expect(binaryWire.EncodeMessage(m, opts)).To(Succeed())
			Expect(m.Encoding).To(Equal("utf-8/cipher+aes-128-cbc"))
			Expect(m.Data).To(BeAssignableToTypeOf([]byte{}))

			Expect(binaryWire.DecodeMessage(m, opts)).To(Succeed())
			Expect(m.Data).To(Equal("EncryptionTest"))
		})
	})

	Describe("presence payloads", func() {
		It("round-trips presence data through the same chain", func() {
			m := &protocol.PresenceMessage{
				Action: protocol.PresenceEnter,
				Data:   map[string]interface{}{"mood": "curious"},
			}

			Expect(textWire.EncodePresence(m, nil)).To(Succeed())
			Expect(m.Encoding).To(Equal("json"))

			Expect(textWire.DecodePresence(m, nil)).To(Succeed())
			Expect(m.Data).To(Equal(map[string]interface{}{"mood": "curious"}))
			Expect(m.Encoding).To(Equal(""))
		})
	})
})
