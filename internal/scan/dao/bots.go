package dao

import (
	"context"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	"go.mongodb.org/mongo-driver/bson"
	mongoLib "go.mongodb.org/mongo-driver/mongo"

	"github.com/Laisky/telegram-filescan/library/db/mongo"
)

const tenantBotsColName = "tenant_bots"

// ErrBotNotFound is returned when a tenant has no registered bot.
var ErrBotNotFound = errors.New("tenant bot not found")

// TenantBot is a tenant's bot registration.
type TenantBot struct {
	TenantID string `bson:"tenant_id"`
	Token    string `bson:"token"`
	Enabled  bool   `bson:"enabled"`
	// Host is the advertised address of the process running the bot.
	Host string `bson:"host"`
}

// BotStore reads tenant bot registrations.
type BotStore struct {
	db mongo.DB
}

// NewBotStore creates a BotStore.
func NewBotStore(db mongo.DB) *BotStore {
	return &BotStore{db: db}
}

func (s *BotStore) col() *mongoLib.Collection {
	return s.db.GetCol(tenantBotsColName)
}

// ListEnabled returns every enabled bot.
func (s *BotStore) ListEnabled(ctx context.Context) ([]TenantBot, error) {
	cur, err := s.col().Find(ctx, bson.M{"enabled": true})
	if err != nil {
		return nil, errors.Wrap(err, "find tenant bots")
	}

	var bots []TenantBot
	if err = cur.All(ctx, &bots); err != nil {
		return nil, errors.Wrap(err, "decode tenant bots")
	}

	return bots, nil
}

// SetHost records which process runs the tenant's bot.
func (s *BotStore) SetHost(ctx context.Context, tenantID, host string) error {
	ret, err := s.col().UpdateOne(ctx,
		bson.M{"tenant_id": tenantID},
		bson.M{"$set": bson.M{
			"host":        host,
			"modified_at": gutils.Clock.GetUTCNow(),
		}},
	)
	if err != nil {
		return errors.Wrap(err, "update tenant bot host")
	}
	if ret.MatchedCount == 0 {
		return ErrBotNotFound
	}

	return nil
}

// Host returns the advertised address of the process running the tenant's bot.
func (s *BotStore) Host(ctx context.Context, tenantID string) (string, error) {
	bot := new(TenantBot)
	if err := s.col().FindOne(ctx, bson.M{"tenant_id": tenantID}).Decode(bot); err != nil {
		if mongo.NotFound(err) {
			return "", ErrBotNotFound
		}
		return "", errors.Wrap(err, "find tenant bot")
	}
	if bot.Host == "" {
		return "", errors.Errorf("tenant %s bot is not running", tenantID)
	}

	return bot.Host, nil
}
