package files

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/rooms"
	"github.com/agencydesk/chatcore/internal/store"
	"github.com/agencydesk/chatcore/internal/stream"
)

// Appender is the slice of the stream manager the registry needs.
type Appender interface {
	Append(ctx context.Context, stream string, rec domain.StreamRecord) (string, error)
}

// Registry owns attachment lifecycle: upload, download, delete, and the
// UPLOADING -> PROCESSING -> COMPLETED status machine. Bytes live in the
// BlobStore; the document store holds the file record.
type Registry struct {
	blobs   BlobStore
	gateway store.Store
	rooms   *rooms.Registry
	events  Appender
	logger  zerolog.Logger
	maxSize int64

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewRegistry builds the file registry.
func NewRegistry(blobs BlobStore, gateway store.Store, roomReg *rooms.Registry, events Appender, maxSize int64, logger zerolog.Logger) *Registry {
	return &Registry{
		blobs:   blobs,
		gateway: gateway,
		rooms:   roomReg,
		events:  events,
		logger:  logger.With().Str("component", "files").Logger(),
		maxSize: maxSize,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (r *Registry) newULID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ulid.MustNew(ulid.Now(), r.entropy).String()
}

// UploadRequest describes one incoming attachment.
type UploadRequest struct {
	OriginalName   string
	MimeType       string
	ConversationID string
	UploadedBy     string
	Body           io.Reader
}

// Upload stores the attachment and returns its COMPLETED file record.
// The size cap is enforced while streaming; an oversized body aborts the
// upload and removes the partial blob.
func (r *Registry) Upload(ctx context.Context, req UploadRequest) (*domain.File, error) {
	if req.OriginalName == "" {
		return nil, domain.Validationf("file name is required")
	}
	if req.UploadedBy == "" {
		return nil, domain.Validationf("uploader identity is required")
	}
	if req.ConversationID != "" {
		ok, err := r.rooms.CanPost(ctx, req.UploadedBy, req.ConversationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.Authorizationf("%s may not upload to conversation %s", req.UploadedBy, req.ConversationID)
		}
	}

	file := &domain.File{
		ID:             r.newULID(),
		OriginalName:   req.OriginalName,
		StorageKey:     r.newULID(),
		MimeType:       req.MimeType,
		UploadedBy:     req.UploadedBy,
		UploadedAt:     time.Now(),
		ConversationID: req.ConversationID,
		Status:         domain.FileUploading,
		Metadata: domain.FileMetadata{
			Technical: map[string]string{"mimeType": req.MimeType},
		},
	}
	if err := r.gateway.SaveFile(ctx, file); err != nil {
		return nil, err
	}

	// Read one byte past the cap so oversize is detected without
	// trusting a client-declared length.
	limited := io.LimitReader(req.Body, r.maxSize+1)
	n, err := r.blobs.Put(ctx, file.StorageKey, limited)
	if err != nil {
		r.fail(ctx, file, err)
		return nil, err
	}
	if n > r.maxSize {
		err := domain.Validationf("file exceeds %d bytes", r.maxSize)
		_ = r.blobs.Delete(ctx, file.StorageKey)
		r.fail(ctx, file, err)
		return nil, err
	}
	file.Size = n

	if err := r.transition(ctx, file, domain.FileProcessing); err != nil {
		return nil, err
	}
	if err := r.transition(ctx, file, domain.FileCompleted); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("file_id", file.ID).
		Str("name", file.OriginalName).
		Int64("size", n).
		Msg("File uploaded")
	return file, nil
}

// Download returns the file record and a reader over its bytes.
// requester must be a participant of the file's conversation when the
// file is bound to one. The caller closes the reader.
func (r *Registry) Download(ctx context.Context, requester, fileID string) (*domain.File, io.ReadCloser, error) {
	file, err := r.gateway.FindFileByID(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if file.Status != domain.FileCompleted {
		return nil, nil, domain.Validationf("file %s is not available (status %s)", fileID, file.Status)
	}
	if file.ConversationID != "" {
		conv, err := r.rooms.Conversation(ctx, file.ConversationID)
		if err != nil {
			return nil, nil, err
		}
		if !conv.HasParticipant(requester) {
			return nil, nil, domain.Authorizationf("%s may not download file %s", requester, fileID)
		}
	}

	rc, err := r.blobs.Get(ctx, file.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	if err := r.gateway.IncrementDownloadCount(ctx, fileID); err != nil {
		r.logger.Warn().Str("file_id", fileID).Err(err).Msg("Failed to bump download count")
	}
	return file, rc, nil
}

// Delete removes the blob and marks the record DELETED. Only the
// uploader or a conversation admin may delete.
func (r *Registry) Delete(ctx context.Context, requester, fileID string) error {
	file, err := r.gateway.FindFileByID(ctx, fileID)
	if err != nil {
		return err
	}
	if requester != file.UploadedBy {
		allowed := false
		if file.ConversationID != "" {
			allowed, err = r.rooms.CanAdminister(ctx, requester, file.ConversationID)
			if err != nil {
				return err
			}
		}
		if !allowed {
			return domain.Authorizationf("%s may not delete file %s", requester, fileID)
		}
	}
	if file.Status == domain.FileDeleted {
		return nil // idempotent
	}

	if err := r.blobs.Delete(ctx, file.StorageKey); err != nil {
		return err
	}
	return r.transition(ctx, file, domain.FileDeleted)
}

// AttachToMessage binds an uploaded file to the message that carries it.
func (r *Registry) AttachToMessage(ctx context.Context, fileID, messageID string) error {
	file, err := r.gateway.FindFileByID(ctx, fileID)
	if err != nil {
		return err
	}
	if file.Status != domain.FileCompleted {
		return domain.Validationf("file %s is not available (status %s)", fileID, file.Status)
	}
	file.MessageID = messageID
	return r.gateway.SaveFile(ctx, file)
}

func (r *Registry) transition(ctx context.Context, file *domain.File, next domain.FileStatus) error {
	if !domain.FileCanTransition(file.Status, next) {
		return domain.Validationf("file status %s cannot advance to %s", file.Status, next)
	}
	if err := r.gateway.UpdateFileStatus(ctx, file.ID, next); err != nil {
		return err
	}
	file.Status = next
	r.publish(ctx, file, "")
	return nil
}

func (r *Registry) fail(ctx context.Context, file *domain.File, cause error) {
	r.logger.Warn().
		Str("file_id", file.ID).
		Err(cause).
		Msg("Upload failed")
	if err := r.gateway.UpdateFileStatus(ctx, file.ID, domain.FileFailed); err != nil {
		r.logger.Warn().Str("file_id", file.ID).Err(err).Msg("Failed to mark file FAILED")
		return
	}
	file.Status = domain.FileFailed
	r.publish(ctx, file, "")
}

func (r *Registry) publish(ctx context.Context, file *domain.File, actor string) {
	payload, _ := json.Marshal(domain.FileEvent{
		EventType: domain.EventFileUpdated,
		FileID:    file.ID,
		Status:    file.Status,
		Actor:     actor,
		Timestamp: time.Now(),
	})
	if _, err := r.events.Append(ctx, stream.EventsFiles, domain.StreamRecord{
		Kind:    domain.KindEventFile,
		Payload: payload,
	}); err != nil {
		r.logger.Warn().Str("file_id", file.ID).Err(err).Msg("Failed to publish FILE_UPDATED")
	}
}
