package refresh

import (
	"context"
	"strconv"
	"time"

	"github.com/ClassMarket/classmarket-core/pkg/clients/redis"
	cmerr "github.com/ClassMarket/classmarket-core/pkg/errors"
)

// ReuseLedger remembers the hashes of rotated refresh tokens until they
// would have expired. A token that shows up again after rotation was
// copied, so the session layer revokes every token of its owner.
type ReuseLedger struct {
	client *redis.Client
}

// NewReuseLedger returns a ledger on client.
func NewReuseLedger(client *redis.Client) *ReuseLedger {
	return &ReuseLedger{client: client}
}

func (l *ReuseLedger) key(hash string) string {
	return l.client.Key("refresh", "spent", hash)
}

// MarkSpent records that the token with hash, owned by userID, was rotated.
// ttl should be the remaining lifetime of the token; a non-positive ttl
// records nothing since an expired token cannot be replayed anyway.
func (l *ReuseLedger) MarkSpent(ctx context.Context, hash string, userID int64, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	_, err := l.client.SetNX(ctx, l.key(hash), strconv.FormatInt(userID, 10), ttl)
	return err
}

// SpentBy reports whether the token with hash was already rotated and, if
// so, which user it belonged to.
func (l *ReuseLedger) SpentBy(ctx context.Context, hash string) (int64, bool, error) {
	val, err := l.client.Get(ctx, l.key(hash))
	if cmerr.HasCode(err, cmerr.CodeNotFoundResource) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	userID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, cmerr.Wrap(err, cmerr.CodeInternal, "refresh: corrupt reuse ledger entry")
	}
	return userID, true, nil
}
