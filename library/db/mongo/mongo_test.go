package mongo

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// stubDriver swaps the driver hooks for the duration of a test.
func stubDriver(t *testing.T, pingErr error) (connects, disconnects *int32) {
	t.Helper()

	oldConnect := connectMongo
	oldPing := pingMongo
	oldDisconnect := disconnectMongo
	connects, disconnects = new(int32), new(int32)

	connectMongo = func(ctx context.Context, clientOpts *options.ClientOptions) (*mongo.Client, error) {
		atomic.AddInt32(connects, 1)
		cli, err := mongo.NewClient(options.Client().ApplyURI("mongodb://example.com"))
		if err != nil {
			return nil, errors.Wrap(err, "new client")
		}
		return cli, nil
	}
	pingMongo = func(ctx context.Context, cli *mongo.Client) error {
		return pingErr
	}
	disconnectMongo = func(ctx context.Context, cli *mongo.Client) error {
		atomic.AddInt32(disconnects, 1)
		return nil
	}

	t.Cleanup(func() {
		connectMongo = oldConnect
		pingMongo = oldPing
		disconnectMongo = oldDisconnect
	})

	return connects, disconnects
}

func TestNewDBConnectsAndCloses(t *testing.T) {
	connects, disconnects := stubDriver(t, nil)

	ctx := context.Background()
	d, err := NewDB(ctx, DialInfo{Addr: "localhost:27017", DBName: "filescan"})
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(connects))
	require.Equal(t, "filescan", d.CurrentDB().Name())
	require.Equal(t, "file_records", d.GetCol("file_records").Name())

	require.NoError(t, d.Close(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(disconnects))
}

func TestNewDBPingFailureDisconnects(t *testing.T) {
	_, disconnects := stubDriver(t, errors.New("no primary"))

	_, err := NewDB(context.Background(), DialInfo{Addr: "localhost:27017", DBName: "filescan"})
	require.ErrorContains(t, err, "ping db")
	require.Equal(t, int32(1), atomic.LoadInt32(disconnects))
}

func TestBuildMongoURI(t *testing.T) {
	t.Parallel()

	uri := buildMongoURI(DialInfo{Addr: "db:27017", DBName: "filescan", User: "u", Pwd: "p", AuthDB: "admin"})
	require.Equal(t, "mongodb://u:p@db:27017/filescan?authSource=admin", uri)

	uri = buildMongoURI(DialInfo{Addr: "db:27017", DBName: "filescan"})
	require.Equal(t, "mongodb://db:27017/filescan", uri)
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	require.True(t, NotFound(errors.Wrap(mongo.ErrNoDocuments, "find")))
	require.False(t, NotFound(errors.New("boom")))
}
