package services

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/types"
)

func testAttachmentService(t *testing.T) (*AttachmentService, *KeyManagerService) {
	global.Conf.E2EE = global.E2EEConfig{
		Rotation: global.RotationConfig{GracePeriodMinutes: 60},
	}
	selector := repository.NewMemorySelector(repository.EncryptionKeys, repository.Attachments)
	keys := NewKeyManagerService(selector, testKekProvider(t), &NopAuditEmitter{})
	return NewAttachmentService(selector, keys, nil), keys
}

func newAttachmentKey(t *testing.T, keys *KeyManagerService, owner string) *types.EncryptionKey {
	key, err := keys.GenerateKey(context.Background(), GenerateKeyInput{
		Purpose:   types.KeyPurposeAttachment,
		Algorithm: types.CipherAlgorithmAES256GCM,
		Owner:     owner,
	})
	require.NoError(t, err)
	_, err = keys.ActivateKey(context.Background(), key.KeyID)
	require.NoError(t, err)
	return key
}

func TestAttachmentRoundtrip(t *testing.T) {
	service, keys := testAttachmentService(t)
	ctx := context.Background()
	wrappingKey := newAttachmentKey(t, keys, "media-service")

	// spans many chunks with a partial last one
	content := make([]byte, 5*1024*1024+37)
	_, err := rand.Read(content)
	require.NoError(t, err)

	envelope, blob, err := service.EncryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-1", content)
	require.NoError(t, err)
	assert.Equal(t, "obj-1", envelope.ObjectID)
	assert.Equal(t, AttachmentChunkSize, envelope.ChunkSize)
	assert.Equal(t, 81, envelope.Chunks)
	assert.Equal(t, int64(len(content)), envelope.Size)
	assert.Equal(t, crypto.Checksum(content), envelope.Checksum)
	assert.NotEmpty(t, envelope.WrappedKey)
	assert.Len(t, blob, len(content)+envelope.Chunks*crypto.TagSize)

	decrypted, err := service.DecryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-1", blob)
	require.NoError(t, err)
	assert.Equal(t, content, decrypted)

	// the envelope is retrievable on its own
	stored, err := service.GetAttachment(ctx, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, envelope.Checksum, stored.Checksum)
}

func TestAttachmentSingleChunk(t *testing.T) {
	service, keys := testAttachmentService(t)
	ctx := context.Background()
	wrappingKey := newAttachmentKey(t, keys, "media-service")

	content := []byte("tiny file")
	envelope, blob, err := service.EncryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-tiny", content)
	require.NoError(t, err)
	assert.Equal(t, 1, envelope.Chunks)

	decrypted, err := service.DecryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-tiny", blob)
	require.NoError(t, err)
	assert.Equal(t, content, decrypted)
}

func TestAttachmentWrongWrappingKey(t *testing.T) {
	service, keys := testAttachmentService(t)
	ctx := context.Background()
	rightKey := newAttachmentKey(t, keys, "media-service")
	wrongKey := newAttachmentKey(t, keys, "media-service")

	_, blob, err := service.EncryptAttachment(ctx, rightKey.KeyID, "media-service", "obj-2", []byte("sealed content"))
	require.NoError(t, err)

	_, err = service.DecryptAttachment(ctx, wrongKey.KeyID, "media-service", "obj-2", blob)
	assert.ErrorIs(t, err, types.ErrKeyUnwrap)
}

func TestAttachmentTamperedBlob(t *testing.T) {
	service, keys := testAttachmentService(t)
	ctx := context.Background()
	wrappingKey := newAttachmentKey(t, keys, "media-service")

	content := make([]byte, 3*AttachmentChunkSize)
	_, err := rand.Read(content)
	require.NoError(t, err)
	_, blob, err := service.EncryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-3", content)
	require.NoError(t, err)

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)/2] ^= 0x01
	_, err = service.DecryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-3", flipped)
	assert.ErrorIs(t, err, types.ErrIntegrity)

	// chunks are bound to their index, reordering fails authentication
	chunkLen := AttachmentChunkSize + crypto.TagSize
	swapped := append([]byte(nil), blob...)
	copy(swapped[:chunkLen], blob[chunkLen:2*chunkLen])
	copy(swapped[chunkLen:2*chunkLen], blob[:chunkLen])
	_, err = service.DecryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-3", swapped)
	assert.ErrorIs(t, err, types.ErrIntegrity)

	// a truncated blob does not even reach the cipher
	_, err = service.DecryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-3", blob[:len(blob)-1])
	assert.ErrorIs(t, err, types.ErrProtocol)
}

func TestAttachmentChecksumMismatch(t *testing.T) {
	service, keys := testAttachmentService(t)
	ctx := context.Background()
	wrappingKey := newAttachmentKey(t, keys, "media-service")

	_, blob, err := service.EncryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-4", []byte("over the wire"))
	require.NoError(t, err)

	envelope, err := service.GetAttachment(ctx, "obj-4")
	require.NoError(t, err)
	envelope.Checksum = crypto.Checksum([]byte("something else"))
	require.NoError(t, service.attachmentRepo.Update(ctx, envelope.ObjectID, envelope))

	_, err = service.DecryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-4", blob)
	assert.ErrorIs(t, err, types.ErrChecksum)
}

func TestAttachmentRejectsBadInput(t *testing.T) {
	service, keys := testAttachmentService(t)
	ctx := context.Background()
	wrappingKey := newAttachmentKey(t, keys, "media-service")

	_, _, err := service.EncryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-5", nil)
	assert.ErrorIs(t, err, types.ErrBadRequest)
	_, _, err = service.EncryptAttachment(ctx, wrappingKey.KeyID, "media-service", "", []byte("content"))
	assert.ErrorIs(t, err, types.ErrBadRequest)

	// a suspended wrapping key refuses new encryptions
	require.NoError(t, keys.SuspendKey(ctx, wrappingKey.KeyID, "investigation"))
	_, _, err = service.EncryptAttachment(ctx, wrappingKey.KeyID, "media-service", "obj-6", []byte("content"))
	assert.ErrorIs(t, err, types.ErrKeyLifecycle)

	_, err = service.Upload(ctx, &types.AttachmentEnvelope{ObjectID: "obj-5"}, []byte("blob"))
	assert.Error(t, err)
}
