package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/Laisky/errors/v2"
	gutils "github.com/Laisky/go-utils/v6"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.mongodb.org/mongo-driver/bson"
	mongoLib "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Laisky/telegram-filescan/internal/scan"
	"github.com/Laisky/telegram-filescan/internal/scan/metrics"
	"github.com/Laisky/telegram-filescan/library/db/mongo"
)

const chatPoliciesColName = "chat_policies"

type chatPolicy struct {
	TenantID   string    `bson:"tenant_id"`
	ChatID     int64     `bson:"chat_id"`
	AcceptMode bool      `bson:"accept_mode"`
	Extensions []string  `bson:"extensions"`
	ModifiedAt time.Time `bson:"modified_at"`
}

// PolicyStore serves chat extension policies through an expiring LRU.
type PolicyStore struct {
	db    mongo.DB
	cache *expirable.LRU[string, scan.ExtensionPolicy]
}

// NewPolicyStore creates a PolicyStore.
func NewPolicyStore(db mongo.DB, settings scan.PolicySettings) *PolicyStore {
	return &PolicyStore{
		db:    db,
		cache: expirable.NewLRU[string, scan.ExtensionPolicy](settings.CacheSize, nil, settings.CacheTTL),
	}
}

func (s *PolicyStore) col() *mongoLib.Collection {
	return s.db.GetCol(chatPoliciesColName)
}

func policyKey(tenantID string, chatID int64) string {
	return fmt.Sprintf("%s/%d", tenantID, chatID)
}

// Policy returns the policy of a chat. A chat without a stored policy gets
// the zero policy, which only flags executables.
func (s *PolicyStore) Policy(ctx context.Context, tenantID string, chatID int64) (scan.ExtensionPolicy, error) {
	key := policyKey(tenantID, chatID)
	if policy, ok := s.cache.Get(key); ok {
		metrics.PolicyCacheHits.Inc()
		return policy, nil
	}
	metrics.PolicyCacheMisses.Inc()

	doc := new(chatPolicy)
	err := s.col().FindOne(ctx, bson.M{"tenant_id": tenantID, "chat_id": chatID}).Decode(doc)
	switch {
	case err == nil:
	case mongo.NotFound(err):
		doc = &chatPolicy{}
	default:
		return scan.ExtensionPolicy{}, errors.Wrap(err, "load chat policy")
	}

	policy := scan.ExtensionPolicy{AcceptMode: doc.AcceptMode, Extensions: doc.Extensions}
	s.cache.Add(key, policy)
	return policy, nil
}

// SetPolicy stores the policy of a chat and drops the cached copy.
func (s *PolicyStore) SetPolicy(ctx context.Context, tenantID string, chatID int64, policy scan.ExtensionPolicy) error {
	_, err := s.col().UpdateOne(ctx,
		bson.M{"tenant_id": tenantID, "chat_id": chatID},
		bson.M{"$set": bson.M{
			"accept_mode": policy.AcceptMode,
			"extensions":  policy.Extensions,
			"modified_at": gutils.Clock.GetUTCNow(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrap(err, "upsert chat policy")
	}

	s.cache.Remove(policyKey(tenantID, chatID))
	return nil
}
