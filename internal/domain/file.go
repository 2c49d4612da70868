package domain

import "time"

// FileStatus is monotone through UPLOADING -> PROCESSING -> COMPLETED;
// FAILED and DELETED are terminal.
type FileStatus string

const (
	FileUploading  FileStatus = "UPLOADING"
	FileProcessing FileStatus = "PROCESSING"
	FileCompleted  FileStatus = "COMPLETED"
	FileFailed     FileStatus = "FAILED"
	FileDeleted    FileStatus = "DELETED"
)

var fileStatusRank = map[FileStatus]int{
	FileUploading:  1,
	FileProcessing: 2,
	FileCompleted:  3,
}

// FileCanTransition reports whether a file status change is legal.
func FileCanTransition(from, to FileStatus) bool {
	if from == FileFailed || from == FileDeleted {
		return false
	}
	if to == FileFailed || to == FileDeleted {
		return true
	}
	return fileStatusRank[to] > fileStatusRank[from]
}

// FileMetadata is the tagged metadata structure attached to a file.
// Extraction of the technical/content categories is delegated to the
// media pipeline; the pipeline only stores what it is handed.
type FileMetadata struct {
	Technical  map[string]string `bson:"technical,omitempty" json:"technical,omitempty"`
	Content    map[string]string `bson:"content,omitempty" json:"content,omitempty"`
	Processing map[string]string `bson:"processing,omitempty" json:"processing,omitempty"`
	Security   map[string]string `bson:"security,omitempty" json:"security,omitempty"`
	Usage      map[string]string `bson:"usage,omitempty" json:"usage,omitempty"`
}

// File describes an uploaded attachment. A COMPLETED file always has a
// resolvable StorageKey.
type File struct {
	ID             string       `bson:"id" json:"id"`
	OriginalName   string       `bson:"originalName" json:"originalName"`
	StorageKey     string       `bson:"storageKey" json:"storageKey"`
	MimeType       string       `bson:"mimeType" json:"mimeType"`
	Size           int64        `bson:"size" json:"size"`
	UploadedBy     string       `bson:"uploadedBy" json:"uploadedBy"`
	UploadedAt     time.Time    `bson:"uploadedAt" json:"uploadedAt"`
	ConversationID string       `bson:"conversationId,omitempty" json:"conversationId,omitempty"`
	MessageID      string       `bson:"messageId,omitempty" json:"messageId,omitempty"`
	Status         FileStatus   `bson:"status" json:"status"`
	Metadata       FileMetadata `bson:"metadata" json:"metadata"`
	DownloadCount  int64        `bson:"downloadCount" json:"downloadCount"`
}
