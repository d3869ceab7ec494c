package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/go-kit/log/level"

	"github.com/parley-chat/go-parley-e2ee/crypto"
	"github.com/parley-chat/go-parley-e2ee/global"
	"github.com/parley-chat/go-parley-e2ee/repository"
	"github.com/parley-chat/go-parley-e2ee/types"
)

// AttachmentChunkSize is the plaintext chunk length for attachment encryption.
// Each chunk is sealed on its own so large objects stream without holding the
// whole AEAD state.
const AttachmentChunkSize = 64 * 1024

// AttachmentService encrypts media and file objects under a per object content
// key. The content key is generated fresh for every object and stored only
// wrapped under a managed attachment key, ciphertext optionally goes to object
// storage.
type AttachmentService struct {
	attachmentRepo repository.Repository
	keyService     *KeyManagerService
	env            *types.Environment
}

func NewAttachmentService(dbSelector repository.DBSelector, keyService *KeyManagerService, env *types.Environment) *AttachmentService {
	attachmentRepo, err := dbSelector.ChooseDB(repository.Attachments)
	if err != nil {
		level.Error(global.Logger).Log("msg", "failed to choose attachment database", "err", err)
		panic(err)
	}
	return &AttachmentService{
		attachmentRepo: attachmentRepo,
		keyService:     keyService,
		env:            env,
	}
}

// EncryptAttachment seals content under a fresh 32 byte content key and wraps
// that key under the managed attachment key. Returns the stored envelope and
// the ciphertext blob, the plaintext never reaches storage.
func (as *AttachmentService) EncryptAttachment(ctx context.Context, wrappingKeyID, principal, objectID string, content []byte) (*types.AttachmentEnvelope, []byte, error) {
	if len(content) == 0 {
		return nil, nil, fmt.Errorf("%w: empty attachment", types.ErrBadRequest)
	}
	if objectID == "" {
		return nil, nil, fmt.Errorf("%w: missing object id", types.ErrBadRequest)
	}

	wrapMaterial, wrappingKey, err := as.keyService.KeyForEncrypt(ctx, wrappingKeyID, principal)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(wrapMaterial)

	contentKey := make([]byte, crypto.KeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(contentKey)

	algorithm := wrappingKey.Algorithm
	blob, chunks, err := sealChunks(algorithm, contentKey, objectID, content)
	if err != nil {
		return nil, nil, err
	}

	wrappedKey, err := wrapContentKey(algorithm, wrapMaterial, objectID, contentKey)
	if err != nil {
		return nil, nil, err
	}

	envelope := &types.AttachmentEnvelope{
		ObjectID:   objectID,
		Algorithm:  algorithm,
		WrappedKey: wrappedKey,
		ChunkSize:  AttachmentChunkSize,
		Chunks:     chunks,
		Size:       int64(len(content)),
		Checksum:   crypto.Checksum(content),
		Created:    time.Now().UTC().UnixMilli(),
	}
	if err := as.attachmentRepo.Save(ctx, objectID, envelope); err != nil {
		return nil, nil, err
	}
	return envelope, blob, nil
}

// DecryptAttachment reverses EncryptAttachment. A wrapping key that cannot
// open the stored content key fails with ErrKeyUnwrap, a reassembled object
// that does not match the recorded size or checksum fails with ErrChecksum.
func (as *AttachmentService) DecryptAttachment(ctx context.Context, wrappingKeyID, principal, objectID string, blob []byte) ([]byte, error) {
	envelope, err := as.GetAttachment(ctx, objectID)
	if err != nil {
		return nil, err
	}

	wrapMaterial, _, err := as.keyService.KeyForDecrypt(ctx, wrappingKeyID, principal)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(wrapMaterial)

	contentKey, err := unwrapContentKey(envelope.Algorithm, wrapMaterial, objectID, envelope.WrappedKey)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(contentKey)

	content, err := openChunks(envelope, contentKey, objectID, blob)
	if err != nil {
		return nil, err
	}
	if int64(len(content)) != envelope.Size {
		return nil, fmt.Errorf("%w: object size does not match the envelope", types.ErrChecksum)
	}
	if crypto.Checksum(content) != envelope.Checksum {
		return nil, fmt.Errorf("%w: object checksum does not verify", types.ErrChecksum)
	}
	return content, nil
}

// GetAttachment loads the stored envelope for an object
func (as *AttachmentService) GetAttachment(ctx context.Context, objectID string) (*types.AttachmentEnvelope, error) {
	response, err := as.attachmentRepo.GetByID(ctx, objectID)
	if err != nil {
		return nil, err
	}
	var envelope types.AttachmentEnvelope
	if mErr := repository.MapToObject(response, &envelope); mErr != nil {
		return nil, mErr
	}
	return &envelope, nil
}

// Upload pushes the ciphertext blob to object storage and records the location
// on the envelope
func (as *AttachmentService) Upload(ctx context.Context, envelope *types.AttachmentEnvelope, blob []byte) (string, error) {
	if as.env == nil || as.env.S3Uploader == nil {
		return "", fmt.Errorf("object storage is not configured")
	}
	if len(blob) == 0 {
		return "", types.ErrBadRequest
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bucket := global.Conf.Storage.Bucket
	path := "/attachments/" + envelope.ObjectID
	_, uErr := as.env.S3Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(blob),
	})
	if uErr != nil {
		level.Error(global.Logger).Log("error", "failed to upload attachment", "path", path, "err", uErr.Error())
		return "", uErr
	}

	envelope.Bucket = bucket
	envelope.Path = path
	if err := as.attachmentRepo.Update(ctx, envelope.ObjectID, envelope); err != nil {
		return "", err
	}
	return fmt.Sprintf("s3://%s%s", bucket, path), nil
}

// Download fetches the ciphertext blob for an object from storage
func (as *AttachmentService) Download(ctx context.Context, objectID string) ([]byte, error) {
	if as.env == nil || as.env.S3Downloader == nil {
		return nil, fmt.Errorf("object storage is not configured")
	}
	envelope, err := as.GetAttachment(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if envelope.Bucket == "" || envelope.Path == "" {
		return nil, fmt.Errorf("%w: object was never uploaded", types.ErrNotFound)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	buf := manager.NewWriteAtBuffer([]byte{})
	_, dErr := as.env.S3Downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(envelope.Bucket),
		Key:    aws.String(envelope.Path),
	})
	if dErr != nil {
		return nil, mapS3Error(dErr, envelope.Path)
	}
	return buf.Bytes(), nil
}

// DeleteObject removes the stored envelope and, when uploaded, the ciphertext
// object behind it
func (as *AttachmentService) DeleteObject(ctx context.Context, objectID string) error {
	envelope, err := as.GetAttachment(ctx, objectID)
	if err != nil {
		return err
	}
	if envelope.Bucket != "" && envelope.Path != "" && as.env != nil && as.env.S3Client != nil {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, dErr := as.env.S3Client.DeleteObject(sctx, &s3.DeleteObjectInput{
			Bucket: aws.String(envelope.Bucket),
			Key:    aws.String(envelope.Path),
		})
		if dErr != nil {
			mapped := mapS3Error(dErr, envelope.Path)
			if !errors.Is(mapped, types.ErrNotFound) {
				return mapped
			}
		}
	}
	return as.attachmentRepo.Delete(ctx, objectID)
}

func mapS3Error(err error, path string) error {
	var noKey *s3Types.NoSuchKey
	var apiErr *smithy.GenericAPIError
	if errors.As(err, &noKey) {
		level.Error(global.Logger).Log("warning", "object does not exist", "objectKey", path)
		return types.ErrNotFound
	}
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey":
			return types.ErrNotFound
		case "AccessDenied":
			level.Error(global.Logger).Log("warning", "access denied", "objectKey", path)
			return types.ErrNotAuthorized
		}
	}
	return err
}

// sealChunks encrypts content chunk by chunk with a counter nonce and the
// object id and chunk index bound into the additional data. Tags ride inline
// after each chunk.
func sealChunks(algorithm string, contentKey []byte, objectID string, content []byte) ([]byte, int, error) {
	chunks := (len(content) + AttachmentChunkSize - 1) / AttachmentChunkSize
	out := make([]byte, 0, len(content)+chunks*crypto.TagSize)
	for index := 0; index < chunks; index++ {
		start := index * AttachmentChunkSize
		end := start + AttachmentChunkSize
		if end > len(content) {
			end = len(content)
		}
		ciphertext, tag, err := crypto.Seal(algorithm, contentKey, chunkNonce(index), content[start:end], chunkAAD(objectID, index))
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ciphertext...)
		out = append(out, tag...)
	}
	return out, chunks, nil
}

// openChunks decrypts a chunked blob produced by sealChunks
func openChunks(envelope *types.AttachmentEnvelope, contentKey []byte, objectID string, blob []byte) ([]byte, error) {
	if int64(len(blob)) != envelope.Size+int64(envelope.Chunks*crypto.TagSize) {
		return nil, fmt.Errorf("%w: ciphertext length does not match the envelope", types.ErrProtocol)
	}
	out := make([]byte, 0, envelope.Size)
	offset := 0
	for index := 0; index < envelope.Chunks; index++ {
		plainLen := envelope.ChunkSize
		if index == envelope.Chunks-1 {
			plainLen = int(envelope.Size) - index*envelope.ChunkSize
		}
		chunkLen := plainLen + crypto.TagSize
		chunk := blob[offset : offset+chunkLen]
		ciphertext, tag := chunk[:plainLen], chunk[plainLen:]
		plaintext, err := crypto.Open(envelope.Algorithm, contentKey, chunkNonce(index), ciphertext, tag, chunkAAD(objectID, index))
		if err != nil {
			return nil, err
		}
		out = append(out, plaintext...)
		offset += chunkLen
	}
	return out, nil
}

// wrapContentKey seals the content key under the wrapping key material,
// nonce || ciphertext || tag in one base64 blob
func wrapContentKey(algorithm string, wrapMaterial []byte, objectID string, contentKey []byte) (string, error) {
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return "", err
	}
	ciphertext, tag, err := crypto.Seal(algorithm, wrapMaterial, nonce, contentKey, []byte(objectID))
	if err != nil {
		return "", err
	}
	blob := append(append(nonce, ciphertext...), tag...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

func unwrapContentKey(algorithm string, wrapMaterial []byte, objectID string, wrapped string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil || len(blob) < crypto.NonceSize+crypto.TagSize {
		return nil, fmt.Errorf("%w: malformed wrapped content key", types.ErrKeyUnwrap)
	}
	nonce := blob[:crypto.NonceSize]
	ciphertext := blob[crypto.NonceSize : len(blob)-crypto.TagSize]
	tag := blob[len(blob)-crypto.TagSize:]
	contentKey, oErr := crypto.Open(algorithm, wrapMaterial, nonce, ciphertext, tag, []byte(objectID))
	if oErr != nil {
		return nil, fmt.Errorf("%w: content key does not unwrap", types.ErrKeyUnwrap)
	}
	return contentKey, nil
}

// chunkNonce builds the deterministic per chunk nonce. Safe because the
// content key is fresh per object.
func chunkNonce(index int) []byte {
	nonce := make([]byte, crypto.NonceSize)
	binary.BigEndian.PutUint64(nonce[crypto.NonceSize-8:], uint64(index))
	return nonce
}

func chunkAAD(objectID string, index int) []byte {
	return []byte(fmt.Sprintf("%s|%d", objectID, index))
}
