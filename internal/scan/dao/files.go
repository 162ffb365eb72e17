// Package dao stores scan state in mongo.
package dao

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongoLib "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/library/db/mongo"
)

const (
	fileRecordsColName = "file_records"
	// orphanRecordTTL expires records whose scan never ran.
	orphanRecordTTL = 24 * time.Hour
)

// ErrRecordNotFound is returned when no FileRecord matches.
var ErrRecordNotFound = errors.New("file record not found")

// FileStore persists FileRecords.
type FileStore struct {
	db mongo.DB
}

// NewFileStore creates a FileStore.
func NewFileStore(db mongo.DB) *FileStore {
	return &FileStore{db: db}
}

func (s *FileStore) col() *mongoLib.Collection {
	return s.db.GetCol(fileRecordsColName)
}

// EnsureIndexes creates the unique message index and the orphan TTL index.
func (s *FileStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col().Indexes().CreateMany(ctx, []mongoLib.IndexModel{
		{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "chat_id", Value: 1},
				{Key: "message_id", Value: 1},
			},
			Options: options.Index().SetUnique(true).SetName("uniq_tenant_message"),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(orphanRecordTTL.Seconds())).SetName("ttl_created_at"),
		},
	})

	return errors.Wrap(err, "create file record indexes")
}

// Insert stores rec. It reports false when a record for the same message
// already exists.
func (s *FileStore) Insert(ctx context.Context, rec *scan.FileRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = gutils.Clock.GetUTCNow()
	}

	ret, err := s.col().InsertOne(ctx, rec)
	if err != nil {
		if mongo.IsDuplicateKey(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "insert file record")
	}
	if oid, ok := ret.InsertedID.(primitive.ObjectID); ok {
		rec.ID = oid
	}

	return true, nil
}

// FindByMessage loads the record of one message.
func (s *FileStore) FindByMessage(ctx context.Context, ref scan.MessageRef) (*scan.FileRecord, error) {
	rec := new(scan.FileRecord)
	err := s.col().FindOne(ctx, bson.M{
		"tenant_id":  ref.TenantID,
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
	}).Decode(rec)
	if err != nil {
		if mongo.NotFound(err) {
			return nil, ErrRecordNotFound
		}
		return nil, errors.Wrap(err, "find file record")
	}

	return rec, nil
}

// DeleteRecord removes the record with recordID. Deleting a record that
// is already gone is not an error.
func (s *FileStore) DeleteRecord(ctx context.Context, recordID string) error {
	oid, err := primitive.ObjectIDFromHex(recordID)
	if err != nil {
		return errors.Wrapf(err, "invalid record id %q", recordID)
	}

	if _, err = s.col().DeleteOne(ctx, bson.M{"_id": oid}); err != nil {
		return errors.Wrap(err, "delete file record")
	}

	return nil
}
