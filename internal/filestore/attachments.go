package filestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"chatwave/internal/content"
	"chatwave/internal/idgen"
	"chatwave/internal/models"

	"github.com/h2non/filetype"
)

const DefaultMaxUploadSize = 10 << 20

type metadataStore interface {
	SaveFileMetadata(ctx context.Context, meta models.FileMetadata) error
	GetFileMetadata(ctx context.Context, id string) (models.FileMetadata, error)
}

// Attachments stores uploaded blobs and their metadata. Identical content is
// stored once; every upload still gets its own ID.
type Attachments struct {
	blobs   FileStore
	meta    metadataStore
	maxSize int64
	now     func() time.Time
}

func NewAttachments(blobs FileStore, meta metadataStore, maxSize int64) *Attachments {
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	return &Attachments{
		blobs:   blobs,
		meta:    meta,
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (a *Attachments) MaxSize() int64 {
	return a.maxSize
}

// Upload reads r fully, sniffs its type and stores it on behalf of userID.
func (a *Attachments) Upload(ctx context.Context, userID, name string, r io.Reader) (models.FileMetadata, error) {
	data, err := io.ReadAll(io.LimitReader(r, a.maxSize+1))
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return models.FileMetadata{}, fmt.Errorf("%w: empty file", models.ErrValidation)
	}
	if int64(len(data)) > a.maxSize {
		return models.FileMetadata{}, fmt.Errorf("%w: file exceeds %d bytes", models.ErrValidation, a.maxSize)
	}

	kind, mime := Sniff(data)
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if err := a.blobs.Save(bytes.NewReader(data), hash); err != nil {
		return models.FileMetadata{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	name = content.StripTags(name)
	if name == "" {
		name = hash[:12]
	}
	meta := models.FileMetadata{
		ID:        idgen.NewID(),
		Hash:      hash,
		Name:      name,
		MimeType:  mime,
		Kind:      kind,
		Size:      int64(len(data)),
		UserID:    userID,
		CreatedAt: a.now().UTC().Truncate(time.Millisecond),
	}
	if err := a.meta.SaveFileMetadata(ctx, meta); err != nil {
		return models.FileMetadata{}, err
	}

	slog.Info("attachment uploaded", "file_id", meta.ID, "user_id", userID, "kind", kind, "size", meta.Size)
	return meta, nil
}

// Open returns the metadata and content of an uploaded file.
func (a *Attachments) Open(ctx context.Context, id string) (models.FileMetadata, io.ReadCloser, error) {
	meta, err := a.meta.GetFileMetadata(ctx, id)
	if err != nil {
		return models.FileMetadata{}, nil, err
	}
	rc, err := a.blobs.Get(meta.Hash)
	if err != nil {
		return models.FileMetadata{}, nil, err
	}
	return meta, rc, nil
}

// Sniff detects the message kind and MIME type from the leading bytes.
// Unknown content is a generic file.
func Sniff(data []byte) (models.MessageKind, string) {
	t, err := filetype.Match(data)
	if err != nil || t == filetype.Unknown {
		return models.MessageKindFile, "application/octet-stream"
	}
	switch {
	case filetype.IsImage(data):
		return models.MessageKindImage, t.MIME.Value
	case filetype.IsAudio(data):
		return models.MessageKindAudio, t.MIME.Value
	default:
		return models.MessageKindFile, t.MIME.Value
	}
}

// Attachment converts metadata to the reference carried by a message.
func Attachment(meta models.FileMetadata) models.Attachment {
	return models.Attachment{
		FileID:   meta.ID,
		Name:     meta.Name,
		MimeType: meta.MimeType,
		Size:     meta.Size,
	}
}
