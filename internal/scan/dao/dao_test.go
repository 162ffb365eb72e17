package dao

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongoLib "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/Laisky/telegram-filescan/internal/scan"
)

// mtDB exposes an mtest database through mongo.DB.
type mtDB struct {
	db *mongoLib.Database
}

func (d mtDB) Close(context.Context) error { return nil }

func (d mtDB) GetCol(name string) *mongoLib.Collection { return d.db.Collection(name) }

func (d mtDB) CurrentDB() *mongoLib.Database { return d.db }

func newMock(t *testing.T) *mtest.T {
	return mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
}

func TestFileStoreInsert(t *testing.T) {
	mt := newMock(t)

	mt.Run("inserted", func(mt *mtest.T) {
		store := NewFileStore(mtDB{mt.DB})
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		rec := &scan.FileRecord{TenantID: "T1", ChatID: -100, MessageID: 1, FileHandle: "F1", Fingerprint: "U1"}
		ok, err := store.Insert(context.Background(), rec)
		require.NoError(mt, err)
		require.True(mt, ok)
		require.False(mt, rec.ID.IsZero())
		require.False(mt, rec.CreatedAt.IsZero())
	})

	mt.Run("duplicate message", func(mt *mtest.T) {
		store := NewFileStore(mtDB{mt.DB})
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error",
		}))

		ok, err := store.Insert(context.Background(), &scan.FileRecord{TenantID: "T1"})
		require.NoError(mt, err)
		require.False(mt, ok)
	})
}

func TestFileStoreFindByMessage(t *testing.T) {
	mt := newMock(t)
	ref := scan.MessageRef{TenantID: "T1", ChatID: -100, MessageID: 7}

	mt.Run("found", func(mt *mtest.T) {
		store := NewFileStore(mtDB{mt.DB})
		oid := primitive.NewObjectID()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "filescan.file_records", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: oid},
			{Key: "tenant_id", Value: "T1"},
			{Key: "file_id", Value: "F1"},
			{Key: "file_unique_id", Value: "U1"},
			{Key: "chat_id", Value: int64(-100)},
			{Key: "message_id", Value: 7},
			{Key: "file_name", Value: "a.zip"},
			{Key: "file_size", Value: int64(2048)},
		}))

		rec, err := store.FindByMessage(context.Background(), ref)
		require.NoError(mt, err)
		require.Equal(mt, oid, rec.ID)
		require.Equal(mt, "U1", rec.Fingerprint)
		require.Equal(mt, oid.Hex(), rec.Task().RecordID)
		require.Equal(mt, ref, rec.Task().Ref())
	})

	mt.Run("missing", func(mt *mtest.T) {
		store := NewFileStore(mtDB{mt.DB})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "filescan.file_records", mtest.FirstBatch))

		_, err := store.FindByMessage(context.Background(), ref)
		require.ErrorIs(mt, err, ErrRecordNotFound)
	})
}

func TestFileStoreDeleteRecord(t *testing.T) {
	mt := newMock(t)

	mt.Run("deleted twice", func(mt *mtest.T) {
		store := NewFileStore(mtDB{mt.DB})
		id := primitive.NewObjectID().Hex()
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
		)

		require.NoError(mt, store.DeleteRecord(context.Background(), id))
		require.NoError(mt, store.DeleteRecord(context.Background(), id))
	})

	mt.Run("invalid id", func(mt *mtest.T) {
		store := NewFileStore(mtDB{mt.DB})
		require.Error(mt, store.DeleteRecord(context.Background(), "not-hex"))
	})
}

func TestFileStoreEnsureIndexes(t *testing.T) {
	mt := newMock(t)

	mt.Run("created", func(mt *mtest.T) {
		store := NewFileStore(mtDB{mt.DB})
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		require.NoError(mt, store.EnsureIndexes(context.Background()))
	})
}

func TestPolicyStoreCaches(t *testing.T) {
	mt := newMock(t)

	mt.Run("cached after first load", func(mt *mtest.T) {
		store := NewPolicyStore(mtDB{mt.DB}, scan.PolicySettings{CacheSize: 16, CacheTTL: time.Minute})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "filescan.chat_policies", mtest.FirstBatch, bson.D{
			{Key: "tenant_id", Value: "T1"},
			{Key: "chat_id", Value: int64(-100)},
			{Key: "accept_mode", Value: true},
			{Key: "extensions", Value: bson.A{"pdf", "txt"}},
		}))

		for i := 0; i < 3; i++ {
			policy, err := store.Policy(context.Background(), "T1", -100)
			require.NoError(mt, err)
			require.True(mt, policy.AcceptMode)
			require.Equal(mt, []string{"pdf", "txt"}, policy.Extensions)
		}
	})

	mt.Run("missing policy is empty", func(mt *mtest.T) {
		store := NewPolicyStore(mtDB{mt.DB}, scan.PolicySettings{CacheSize: 16, CacheTTL: time.Minute})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "filescan.chat_policies", mtest.FirstBatch))

		policy, err := store.Policy(context.Background(), "T1", -200)
		require.NoError(mt, err)
		require.Equal(mt, scan.ExtensionPolicy{}, policy)
	})

	mt.Run("set invalidates cache", func(mt *mtest.T) {
		store := NewPolicyStore(mtDB{mt.DB}, scan.PolicySettings{CacheSize: 16, CacheTTL: time.Minute})
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "filescan.chat_policies", mtest.FirstBatch),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
			mtest.CreateCursorResponse(0, "filescan.chat_policies", mtest.FirstBatch, bson.D{
				{Key: "accept_mode", Value: false},
				{Key: "extensions", Value: bson.A{"exe"}},
			}),
		)

		policy, err := store.Policy(context.Background(), "T1", 1)
		require.NoError(mt, err)
		require.Empty(mt, policy.Extensions)

		require.NoError(mt, store.SetPolicy(context.Background(), "T1", 1,
			scan.ExtensionPolicy{Extensions: []string{"exe"}}))

		policy, err = store.Policy(context.Background(), "T1", 1)
		require.NoError(mt, err)
		require.Equal(mt, []string{"exe"}, policy.Extensions)
	})
}

func TestBotStore(t *testing.T) {
	mt := newMock(t)

	mt.Run("list enabled", func(mt *mtest.T) {
		store := NewBotStore(mtDB{mt.DB})
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "filescan.tenant_bots", mtest.FirstBatch,
			bson.D{{Key: "tenant_id", Value: "T1"}, {Key: "token", Value: "tok-1"}, {Key: "enabled", Value: true}},
			bson.D{{Key: "tenant_id", Value: "T2"}, {Key: "token", Value: "tok-2"}, {Key: "enabled", Value: true}},
		))

		bots, err := store.ListEnabled(context.Background())
		require.NoError(mt, err)
		require.Len(mt, bots, 2)
		require.Equal(mt, "tok-2", bots[1].Token)
	})

	mt.Run("host", func(mt *mtest.T) {
		store := NewBotStore(mtDB{mt.DB})
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "filescan.tenant_bots", mtest.FirstBatch,
				bson.D{{Key: "tenant_id", Value: "T1"}, {Key: "host", Value: "bot-1:8080"}}),
			mtest.CreateCursorResponse(0, "filescan.tenant_bots", mtest.FirstBatch,
				bson.D{{Key: "tenant_id", Value: "T2"}}),
			mtest.CreateCursorResponse(0, "filescan.tenant_bots", mtest.FirstBatch),
		)

		host, err := store.Host(context.Background(), "T1")
		require.NoError(mt, err)
		require.Equal(mt, "bot-1:8080", host)

		_, err = store.Host(context.Background(), "T2")
		require.Error(mt, err)

		_, err = store.Host(context.Background(), "T3")
		require.ErrorIs(mt, err, ErrBotNotFound)
	})

	mt.Run("set host of unknown tenant", func(mt *mtest.T) {
		store := NewBotStore(mtDB{mt.DB})
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))

		require.ErrorIs(mt, store.SetHost(context.Background(), "T9", "bot-1:8080"), ErrBotNotFound)
	})
}
