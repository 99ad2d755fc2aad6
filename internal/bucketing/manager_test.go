package bucketing

import (
	"testing"
	"time"

	"phone-auth-service/internal/config"
)

func TestEventBucketStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{EventBuckets: 16})

	for _, id := range []string{"a", "b", "+966501234567", ""} {
		first := bm.GetEventBucket(id)
		if first < 0 || first >= 16 {
			t.Fatalf("bucket %d out of range for %q", first, id)
		}
		if again := bm.GetEventBucket(id); again != first {
			t.Fatalf("bucket for %q changed: %d then %d", id, first, again)
		}
	}
}

func TestDefaultBuckets(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	if bm.EventBuckets() != defaultEventBuckets {
		t.Fatalf("EventBuckets = %d", bm.EventBuckets())
	}
}

func TestAssign(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{EventBuckets: 8})
	at := time.Date(2026, 3, 1, 23, 7, 42, 0, time.FixedZone("AST", 3*3600))

	got := bm.Assign("digest", at)
	if got.DateBucket != "2026-03-01" {
		t.Fatalf("DateBucket = %q", got.DateBucket)
	}
	if got.TimeBucket%300 != 0 || got.TimeBucket > at.Unix() || at.Unix()-got.TimeBucket >= 300 {
		t.Fatalf("TimeBucket = %d for %d", got.TimeBucket, at.Unix())
	}
}
