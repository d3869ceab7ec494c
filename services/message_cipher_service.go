package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/types"
)

// legacyAlgorithmSignal is accepted on decrypt only, old envelopes carried it
// as an alias for aes-256-gcm
const legacyAlgorithmSignal = "signal"

// MessageCipherService turns plaintext payloads into encrypted envelopes and
// back. Pairwise messages ride the session ratchet, room messages use a
// managed room key. Routing fields are bound into the AEAD additional data.
type MessageCipherService struct {
	sessions   *SessionStoreService
	ratchet    *RatchetService
	keyService *KeyManagerService
	audit      AuditEmitter
}

func NewMessageCipherService(sessions *SessionStoreService, ratchet *RatchetService, keyService *KeyManagerService, audit AuditEmitter) *MessageCipherService {
	return &MessageCipherService{
		sessions:   sessions,
		ratchet:    ratchet,
		keyService: keyService,
		audit:      audit,
	}
}

// EncryptMessage encrypts one payload for the active session with the
// recipient. The ratchet advances exactly once, the derived message key is
// used for this envelope and dropped.
func (mc *MessageCipherService) EncryptMessage(ctx context.Context, senderID, recipientID string, messageType string, payload []byte) (*types.EncryptedEnvelope, error) {
	messageTypeParsed, err := types.ParseMessageType(messageType)
	if err != nil {
		return nil, err
	}

	session, err := mc.sessions.Get(ctx, senderID, recipientID)
	if err != nil {
		return nil, err
	}

	messageKey, messageNumber, err := mc.ratchet.Advance(ctx, senderID, session.SessionID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(messageKey)

	algorithm := global.Conf.AlgorithmOrDefault()
	envelope := &types.EncryptedEnvelope{
		Version:       types.EnvelopeVersion,
		Algorithm:     algorithm,
		SessionID:     session.SessionID,
		SenderID:      senderID,
		RecipientID:   recipientID,
		MessageType:   messageTypeParsed,
		MessageNumber: messageNumber,
		Timestamp:     time.Now().UTC().UnixMilli(),
	}
	if err := mc.seal(envelope, messageKey, algorithm, messageTypeParsed, payload); err != nil {
		return nil, err
	}
	return envelope, nil
}

// DecryptMessage authenticates and decrypts an envelope for its recipient.
// The receiving chain moves before the tag is checked, so a tampered envelope
// burns its message number, the chain never rewinds.
func (mc *MessageCipherService) DecryptMessage(ctx context.Context, recipientID string, envelope *types.EncryptedEnvelope) ([]byte, *types.PayloadMeta, error) {
	if vErr := validate.Struct(envelope); vErr != nil {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrProtocol, vErr.Error())
	}
	if envelope.Version != types.EnvelopeVersion {
		return nil, nil, fmt.Errorf("%w: unsupported envelope version %q", types.ErrProtocol, envelope.Version)
	}
	if _, err := types.ParseMessageType(string(envelope.MessageType)); err != nil {
		return nil, nil, err
	}
	algorithm, err := normalizeAlgorithm(envelope.Algorithm)
	if err != nil {
		return nil, nil, err
	}
	if envelope.RecipientID != recipientID {
		return nil, nil, fmt.Errorf("%w: envelope addressed to %s", types.ErrBadRequest, envelope.RecipientID)
	}

	session, err := mc.sessions.GetBySessionID(ctx, recipientID, envelope.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if !participant(session, envelope.SenderID) || !participant(session, recipientID) {
		return nil, nil, fmt.Errorf("%w: envelope parties do not match the session", types.ErrNotAuthorized)
	}

	messageKey, err := mc.ratchet.AdvanceTo(ctx, recipientID, envelope.SessionID, envelope.MessageNumber)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(messageKey)

	payload, meta, err := mc.open(envelope, messageKey, algorithm)
	if err != nil {
		mc.auditDecryptFailure(envelope, err)
		return nil, nil, err
	}
	return payload, meta, nil
}

// EncryptRoomMessage encrypts a payload under a managed room key. There is no
// ratchet for rooms, the envelope carries the room key id in the session
// field and message number zero.
func (mc *MessageCipherService) EncryptRoomMessage(ctx context.Context, roomKeyID, senderID, roomID string, messageType string, payload []byte) (*types.EncryptedEnvelope, error) {
	messageTypeParsed, err := types.ParseMessageType(messageType)
	if err != nil {
		return nil, err
	}

	material, key, err := mc.keyService.KeyForEncrypt(ctx, roomKeyID, senderID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(material)

	algorithm := key.Algorithm
	envelope := &types.EncryptedEnvelope{
		Version:       types.EnvelopeVersion,
		Algorithm:     algorithm,
		SessionID:     roomKeyID,
		SenderID:      senderID,
		RecipientID:   roomID,
		MessageType:   messageTypeParsed,
		MessageNumber: 0,
		Timestamp:     time.Now().UTC().UnixMilli(),
	}
	if err := mc.seal(envelope, material, algorithm, messageTypeParsed, payload); err != nil {
		return nil, err
	}
	return envelope, nil
}

// DecryptRoomMessage decrypts a room envelope for a member. Rotated room keys
// keep decrypting through their grace window.
func (mc *MessageCipherService) DecryptRoomMessage(ctx context.Context, memberID string, envelope *types.EncryptedEnvelope) ([]byte, *types.PayloadMeta, error) {
	if vErr := validate.Struct(envelope); vErr != nil {
		return nil, nil, fmt.Errorf("%w: %s", types.ErrProtocol, vErr.Error())
	}
	if envelope.Version != types.EnvelopeVersion {
		return nil, nil, fmt.Errorf("%w: unsupported envelope version %q", types.ErrProtocol, envelope.Version)
	}
	if _, err := types.ParseMessageType(string(envelope.MessageType)); err != nil {
		return nil, nil, err
	}
	algorithm, err := normalizeAlgorithm(envelope.Algorithm)
	if err != nil {
		return nil, nil, err
	}

	material, _, err := mc.keyService.KeyForDecrypt(ctx, envelope.SessionID, memberID)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(material)

	payload, meta, err := mc.open(envelope, material, algorithm)
	if err != nil {
		mc.auditDecryptFailure(envelope, err)
		return nil, nil, err
	}
	return payload, meta, nil
}

// EncryptField encrypts a single value under a managed field key into a
// compact token, keyid.nonce.ciphertext.tag with base64 parts
func (mc *MessageCipherService) EncryptField(ctx context.Context, keyID, principal string, value []byte) (string, error) {
	material, key, err := mc.keyService.KeyForEncrypt(ctx, keyID, principal)
	if err != nil {
		return "", err
	}
	defer crypto.Zero(material)

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return "", err
	}
	ciphertext, tag, err := crypto.Seal(key.Algorithm, material, nonce, value, []byte(keyID))
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		keyID,
		base64.RawURLEncoding.EncodeToString(nonce),
		base64.RawURLEncoding.EncodeToString(ciphertext),
		base64.RawURLEncoding.EncodeToString(tag),
	}, "."), nil
}

// DecryptField reverses EncryptField. The key id inside the token picks the
// key, so rotated field keys decrypt old tokens through their grace window.
func (mc *MessageCipherService) DecryptField(ctx context.Context, principal string, token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: malformed field token", types.ErrProtocol)
	}
	keyID := parts[0]
	nonce, nErr := base64.RawURLEncoding.DecodeString(parts[1])
	ciphertext, cErr := base64.RawURLEncoding.DecodeString(parts[2])
	tag, tErr := base64.RawURLEncoding.DecodeString(parts[3])
	if nErr != nil || cErr != nil || tErr != nil {
		return nil, fmt.Errorf("%w: malformed field token", types.ErrProtocol)
	}

	material, key, err := mc.keyService.KeyForDecrypt(ctx, keyID, principal)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(material)

	return crypto.Open(key.Algorithm, material, nonce, ciphertext, tag, []byte(keyID))
}

// seal runs the shared envelope encryption path: meta frame, padding, fresh
// nonce, AEAD with the routing fields as additional data
func (mc *MessageCipherService) seal(envelope *types.EncryptedEnvelope, key []byte, algorithm string, messageType types.MessageType, payload []byte) error {
	meta := types.PayloadMeta{
		Type:      messageType,
		Size:      int64(len(payload)),
		Timestamp: envelope.Timestamp,
		Checksum:  crypto.Checksum(payload),
	}
	frame, err := cbor.Marshal(meta)
	if err != nil {
		return err
	}
	frame = append(frame, payload...)
	padded := crypto.Pad(frame, crypto.PaddingBlockSize)

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return err
	}
	ciphertext, tag, err := crypto.Seal(algorithm, key, nonce, padded, envelopeAAD(envelope))
	if err != nil {
		return err
	}
	envelope.Nonce = base64.StdEncoding.EncodeToString(nonce)
	envelope.Ciphertext = base64.StdEncoding.EncodeToString(ciphertext)
	envelope.AuthTag = base64.StdEncoding.EncodeToString(tag)
	return nil
}

// open runs the shared decryption path and verifies the inner frame
func (mc *MessageCipherService) open(envelope *types.EncryptedEnvelope, key []byte, algorithm string) ([]byte, *types.PayloadMeta, error) {
	nonce, nErr := base64.StdEncoding.DecodeString(envelope.Nonce)
	ciphertext, cErr := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	tag, tErr := base64.StdEncoding.DecodeString(envelope.AuthTag)
	if nErr != nil || cErr != nil || tErr != nil {
		return nil, nil, fmt.Errorf("%w: undecodable envelope fields", types.ErrProtocol)
	}

	padded, err := crypto.Open(algorithm, key, nonce, ciphertext, tag, envelopeAAD(envelope))
	if err != nil {
		return nil, nil, err
	}
	frame, err := crypto.Unpad(padded, crypto.PaddingBlockSize)
	if err != nil {
		return nil, nil, err
	}

	var meta types.PayloadMeta
	payload, err := cbor.UnmarshalFirst(frame, &meta)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: undecodable payload frame", types.ErrProtocol)
	}
	if meta.Size != int64(len(payload)) {
		return nil, nil, fmt.Errorf("%w: payload size does not match the frame", types.ErrChecksum)
	}
	if crypto.Checksum(payload) != meta.Checksum {
		return nil, nil, fmt.Errorf("%w: payload checksum does not verify", types.ErrChecksum)
	}
	return payload, &meta, nil
}

// envelopeAAD binds the routing fields. The algorithm goes in as written on
// the wire, legacy aliases included, otherwise old envelopes would fail to
// authenticate.
func envelopeAAD(envelope *types.EncryptedEnvelope) []byte {
	return []byte(strings.Join([]string{
		envelope.Version,
		envelope.Algorithm,
		envelope.SessionID,
		envelope.SenderID,
		envelope.RecipientID,
		strconv.FormatInt(envelope.MessageNumber, 10),
	}, "|"))
}

// normalizeAlgorithm maps wire identifiers to cipher implementations
func normalizeAlgorithm(algorithm string) (string, error) {
	switch algorithm {
	case types.CipherAlgorithmAES256GCM, types.CipherAlgorithmChaCha20Poly1305:
		return algorithm, nil
	case legacyAlgorithmSignal:
		return types.CipherAlgorithmAES256GCM, nil
	}
	return "", fmt.Errorf("%w: %s", types.ErrUnsupportedAlgorithm, algorithm)
}

func (mc *MessageCipherService) auditDecryptFailure(envelope *types.EncryptedEnvelope, cause error) {
	event := NewAuditEvent(types.AuditDecryptFailed)
	event.SessionID = envelope.SessionID
	event.Principal = envelope.RecipientID
	event.Reason = cause.Error()
	event.Detail = map[string]string{
		"senderId":      envelope.SenderID,
		"messageNumber": strconv.FormatInt(envelope.MessageNumber, 10),
	}
	mc.audit.Emit(event)
}

func participant(session *types.Session, userID string) bool {
	for _, p := range session.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
