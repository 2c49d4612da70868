package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/agencydesk/chatcore/internal/domain"
	"github.com/agencydesk/chatcore/internal/files"
	"github.com/agencydesk/chatcore/internal/ingest"
)

const defaultPageSize = 50

// decodeBody decodes a bounded JSON request body.
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v); err != nil {
		return domain.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	AttachmentID   string `json:"attachmentId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	msgType := domain.MessageType(req.Type)
	if req.Type == "" {
		msgType = domain.MessageText
	}

	res, err := s.pipeline.ReceiveMessage(r.Context(), ingest.Request{
		ConversationID: req.ConversationID,
		SenderID:       identityFrom(r),
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Type:           msgType,
		AttachmentID:   req.AttachmentID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	code := http.StatusCreated
	outcome := "sent"
	if res.Outcome == ingest.Queued {
		code = http.StatusAccepted
		outcome = "queued"
	}
	s.writeJSON(w, code, map[string]any{
		"message": res.Message,
		"outcome": outcome,
	})
}

// handleListMessages pages a conversation's history backwards from
// ?before (RFC 3339, default now), ?limit capped at 200.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		s.writeError(w, domain.Validationf("conversationId query parameter is required"))
		return
	}
	identity := identityFrom(r)

	conv, err := s.rooms.Conversation(r.Context(), conversationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !conv.HasParticipant(identity) {
		s.writeError(w, domain.Authorizationf("%s is not a participant of %s", identity, conversationID))
		return
	}

	before := time.Now()
	if v := r.URL.Query().Get("before"); v != "" {
		before, err = time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, domain.Validationf("before must be RFC 3339: %v", err))
			return
		}
	}
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.writeError(w, domain.Validationf("limit must be a positive integer"))
			return
		}
		if limit > 200 {
			limit = 200
		}
	}

	msgs, err := s.gateway.MessagesByConversation(r.Context(), conversationID, before, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type markReadRequest struct {
	ConversationID string `json:"conversationId"`
}

// handleMarkRead marks everything up to {id} as read for the caller.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	changed, err := s.tracker.MarkConversationRead(r.Context(), req.ConversationID, identityFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"updated": changed})
}

type createConversationRequest struct {
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	conv, err := s.rooms.CreateConversation(r.Context(), identityFrom(r), domain.ConversationType(req.Type), req.Participants)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.gateway.ConversationsForIdentity(r.Context(), identityFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	conv, err := s.rooms.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !conv.HasParticipant(identity) {
		s.writeError(w, domain.Authorizationf("%s is not a participant of %s", identity, conv.ID))
		return
	}
	s.writeJSON(w, http.StatusOK, conv)
}

type participantRequest struct {
	Identity string `json:"identity"`
}

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.rooms.AddParticipant(r.Context(), identityFrom(r), r.PathValue("id"), req.Identity); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	if err := s.rooms.RemoveParticipant(r.Context(), identityFrom(r), r.PathValue("id"), r.PathValue("identity")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadFile accepts a multipart upload under the "file" field.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, domain.Validationf("multipart body required: %v", err))
		return
	}

	conversationID := r.URL.Query().Get("conversationId")
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.writeError(w, domain.Validationf("broken multipart body: %v", err))
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		file, err := s.files.Upload(r.Context(), files.UploadRequest{
			OriginalName:   part.FileName(),
			MimeType:       part.Header.Get("Content-Type"),
			ConversationID: conversationID,
			UploadedBy:     identityFrom(r),
			Body:           part,
		})
		_ = part.Close()
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, file)
		return
	}
	s.writeError(w, domain.Validationf("multipart body must carry a file field"))
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	file, rc, err := s.files.Download(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+file.OriginalName+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug().Str("file_id", file.ID).Err(err).Msg("Download aborted")
	}
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.files.Delete(r.Context(), identityFrom(r), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
