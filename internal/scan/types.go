// Package scan holds the settings and shared types of the file-safety scanning pipeline.
package scan

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FileRecord is one inbound document awaiting or undergoing scanning.
//
// At most one record exists per (tenant, chat, message); it is deleted
// once its scan finishes, whatever the verdict.
type FileRecord struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"mongo_id"`
	TenantID    string             `bson:"tenant_id" json:"tenant_id"`
	FileHandle  string             `bson:"file_id" json:"file_id"`
	Fingerprint string             `bson:"file_unique_id" json:"file_unique_id"`
	ChatID      int64              `bson:"chat_id" json:"chat_id"`
	MessageID   int                `bson:"message_id" json:"message_id"`
	FileName    string             `bson:"file_name" json:"file_name"`
	FileSize    int64              `bson:"file_size" json:"file_size"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
}

// Task converts the record into an in-memory scan task.
func (r *FileRecord) Task() ScanTask {
	return ScanTask{
		RecordID:    r.ID.Hex(),
		TenantID:    r.TenantID,
		FileHandle:  r.FileHandle,
		Fingerprint: r.Fingerprint,
		ChatID:      r.ChatID,
		MessageID:   r.MessageID,
		FileName:    r.FileName,
		FileSize:    r.FileSize,
	}
}

// ScanTask is the unit of work owned by the queue registry, never persisted.
type ScanTask struct {
	RecordID    string
	TenantID    string
	FileHandle  string
	Fingerprint string
	ChatID      int64
	MessageID   int
	FileName    string
	FileSize    int64
}

// MessageRef addresses one message of one tenant's bot.
type MessageRef struct {
	TenantID  string `json:"tenant_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
}

// Ref returns the message the task was created from.
func (t ScanTask) Ref() MessageRef {
	return MessageRef{TenantID: t.TenantID, ChatID: t.ChatID, MessageID: t.MessageID}
}

// ExtensionPolicy describes how a chat treats file extensions.
//
// When AcceptMode is true Extensions is an allow-list, otherwise a block-list.
type ExtensionPolicy struct {
	AcceptMode bool     `bson:"accept_mode" json:"accept_mode"`
	Extensions []string `bson:"extensions" json:"extensions"`
}

// FileLink is a resolved, time-limited download URL together with the
// network identity of the process that owns the tenant's bot connection.
type FileLink struct {
	URL  string `json:"url"`
	Host string `json:"host"`
}

// DangerEvent describes a file that was flagged and removed.
type DangerEvent struct {
	TenantID    string    `json:"tenant_id"`
	ChatID      int64     `json:"chat_id"`
	MessageID   int       `json:"message_id"`
	Fingerprint string    `json:"file_unique_id"`
	FileName    string    `json:"file_name"`
	Kind        string    `json:"kind"`
	Reasons     []string  `json:"reasons"`
	DetectedAt  time.Time `json:"detected_at"`
	// Sample holds the fetched header bytes.
	Sample []byte `json:"-"`
}

// InternalTokenHeader carries the shared secret of internal HTTP routes.
const InternalTokenHeader = "X-Internal-Token"
