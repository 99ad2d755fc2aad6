package bucketing

import (
	"hash"
	"sync"
	"time"

	"phone-auth-service/internal/config"

	"github.com/spaolacci/murmur3"
)

const defaultEventBuckets = 64

// BucketingManager spreads audit events over a fixed number of partitions
// so ClickHouse and Kafka keys stay evenly sized per phone.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

type BucketAssignment struct {
	EventBucket int    `json:"event_bucket"`
	TimeBucket  int64  `json:"time_bucket"`
	DateBucket  string `json:"date_bucket"`
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	buckets := cfg.EventBuckets
	if buckets <= 0 {
		buckets = defaultEventBuckets
	}

	bm := &BucketingManager{eventBuckets: buckets}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetEventBucket returns a stable bucket in [0, eventBuckets).
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return int(bm.getHash(identifier) % uint64(bm.eventBuckets))
}

// GetTimeBucket truncates at to a window boundary, in unix seconds.
func (bm *BucketingManager) GetTimeBucket(at time.Time, window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return at.Unix()
	}
	return at.Unix() / secs * secs
}

func (bm *BucketingManager) GetDateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

// Assign returns every bucket for one event.
func (bm *BucketingManager) Assign(identifier string, at time.Time) BucketAssignment {
	return BucketAssignment{
		EventBucket: bm.GetEventBucket(identifier),
		TimeBucket:  bm.GetTimeBucket(at, 5*time.Minute),
		DateBucket:  bm.GetDateBucket(at),
	}
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
