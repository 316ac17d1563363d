package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"device-auth-service/internal/config"
)

// BucketingManager spreads users and security events over fixed partitions.
// The Scylla OTP table is keyed by user bucket; audit rows carry an event bucket.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return New(cfg.Bucketing.UserBuckets, cfg.Bucketing.EventBuckets)
}

func New(userBuckets, eventBuckets int) *BucketingManager {
	if userBuckets <= 0 {
		userBuckets = 1
	}
	if eventBuckets <= 0 {
		eventBuckets = 1
	}
	bm := &BucketingManager{
		userBuckets:  userBuckets,
		eventBuckets: eventBuckets,
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// UserBucket returns a stable bucket in [0, userBuckets).
func (bm *BucketingManager) UserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

// EventBucket returns a stable bucket in [0, eventBuckets) for an event subject.
func (bm *BucketingManager) EventBucket(subject string) int {
	return bm.getBucket(subject, bm.eventBuckets)
}

// DateBucket is the UTC day used to partition audit rows.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) UserBuckets() int {
	return bm.userBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
