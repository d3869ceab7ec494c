package types

import "fmt"

// EnvelopeVersion is the only wire version this engine reads and writes
const EnvelopeVersion = "1.0"

const (
	// Possible cipher algorithm identifiers on the wire
	CipherAlgorithmAES256GCM        = "aes-256-gcm"
	CipherAlgorithmChaCha20Poly1305 = "chacha20-poly1305"
)

// MessageType is a closed set. Anything else is rejected at parse time.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
	MessageTypeAudio MessageType = "audio"
	MessageTypeFile  MessageType = "file"
)

// ParseMessageType fails closed on unknown types
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeFile:
		return MessageType(s), nil
	}
	return "", fmt.Errorf("%w: unknown message type %q", ErrProtocol, s)
}

// EncryptedEnvelope is the wire and storage form of an encrypted message.
// The authentication tag travels detached from the ciphertext. Routing fields
// are bound into the AEAD additional data, so any change to them fails the
// integrity check on decrypt.
type EncryptedEnvelope struct {
	Version       string      `json:"version" validate:"required"`
	Algorithm     string      `json:"algorithm" validate:"required"`
	SessionID     string      `json:"sessionId" validate:"required"`
	SenderID      string      `json:"senderId" validate:"required"`
	RecipientID   string      `json:"recipientId" validate:"required"`
	MessageType   MessageType `json:"messageType" validate:"required"`
	MessageNumber int64       `json:"messageNumber" validate:"gte=0"`
	Nonce         string      `json:"nonce" validate:"required,base64"`
	AuthTag       string      `json:"authTag" validate:"required,base64"`
	Ciphertext    string      `json:"ciphertext" validate:"required,base64"`
	Timestamp     int64       `json:"timestamp"`
}

// PayloadMeta is the inner frame serialized to cbor and prepended to the raw
// payload before padding and encryption. Checksum is the sha256 hex of the
// plaintext payload, verified after decryption.
type PayloadMeta struct {
	Type      MessageType `json:"type" cbor:"1,keyasint"`
	Size      int64       `json:"size" cbor:"2,keyasint"`
	Timestamp int64       `json:"timestamp" cbor:"3,keyasint"`
	Checksum  string      `json:"checksum" cbor:"4,keyasint"`
}

// AttachmentEnvelope describes an encrypted media or file object. The content
// key is generated per object and stored only wrapped.
type AttachmentEnvelope struct {
	BaseDocument `json:",inline"`
	ObjectID     string `json:"objectId" validate:"required"`
	Algorithm    string `json:"algorithm"`
	WrappedKey   string `json:"wrappedKey"` // base64 nonce||ciphertext of the content key
	ChunkSize    int    `json:"chunkSize"`
	Chunks       int    `json:"chunks"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum"` // sha256 hex of the whole plaintext object
	Bucket       string `json:"bucket,omitempty"`
	Path         string `json:"path,omitempty"`
	Created      int64  `json:"created"`
}
