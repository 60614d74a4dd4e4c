package networking

import (
	"math"
	"sync"
	"time"
)

// BandwidthUsage captures the throttling state for a single client.
type BandwidthUsage struct {
	ClientID        string
	AvailableBytes  float64
	BytesPerSecond  float64
	ObservedSeconds float64
	Denied          int64
	LastRefill      time.Time
}

type bandwidthBucket struct {
	tokens float64
	last   time.Time
	since  time.Time
	sent   int64
	denied int64
}

// BandwidthRegulator is a per-client token bucket for snapshot traffic. A nil regulator or one
// built with a non-positive rate admits everything.
type BandwidthRegulator struct {
	mu      sync.Mutex
	buckets map[string]*bandwidthBucket
	burst   float64
	rate    float64
	now     func() time.Time
}

// NewBandwidthRegulator constructs a regulator refilling bytesPerSecond with a one second burst.
func NewBandwidthRegulator(bytesPerSecond float64, clock func() time.Time) *BandwidthRegulator {
	if clock == nil {
		clock = time.Now
	}
	return &BandwidthRegulator{
		buckets: make(map[string]*bandwidthBucket),
		burst:   bytesPerSecond,
		rate:    bytesPerSecond,
		now:     clock,
	}
}

// Enabled reports whether the regulator enforces a budget.
func (r *BandwidthRegulator) Enabled() bool {
	return r != nil && r.rate > 0
}

func (r *BandwidthRegulator) refill(bucket *bandwidthBucket, now time.Time) {
	//1.- Ignore clock regressions so a skewed sample never mints tokens.
	if !now.After(bucket.last) {
		return
	}
	bucket.tokens = math.Min(r.burst, bucket.tokens+now.Sub(bucket.last).Seconds()*r.rate)
	bucket.last = now
}

// Allow charges size bytes against the client's budget.
func (r *BandwidthRegulator) Allow(clientID string, size int) bool {
	if !r.Enabled() || clientID == "" || size <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	bucket := r.buckets[clientID]
	if bucket == nil {
		bucket = &bandwidthBucket{tokens: r.burst, last: now, since: now}
		r.buckets[clientID] = bucket
	}
	r.refill(bucket, now)

	if float64(size) > bucket.tokens {
		bucket.denied++
		return false
	}
	bucket.tokens -= float64(size)
	bucket.sent += int64(size)
	return true
}

// Forget removes the bucket for a disconnected client.
func (r *BandwidthRegulator) Forget(clientID string) {
	if r == nil || clientID == "" {
		return
	}
	r.mu.Lock()
	delete(r.buckets, clientID)
	r.mu.Unlock()
}

// SnapshotUsage reports throttling statistics per client.
func (r *BandwidthRegulator) SnapshotUsage() map[string]BandwidthUsage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buckets) == 0 {
		return nil
	}
	now := r.now()
	usage := make(map[string]BandwidthUsage, len(r.buckets))
	for clientID, bucket := range r.buckets {
		r.refill(bucket, now)
		observed := math.Max(now.Sub(bucket.since).Seconds(), 0)
		rate := 0.0
		if observed > 0 {
			rate = float64(bucket.sent) / observed
		}
		usage[clientID] = BandwidthUsage{
			ClientID:        clientID,
			AvailableBytes:  math.Max(bucket.tokens, 0),
			BytesPerSecond:  rate,
			ObservedSeconds: observed,
			Denied:          bucket.denied,
			LastRefill:      bucket.last,
		}
	}
	return usage
}

// TotalDenied sums refusals across every tracked client.
func (r *BandwidthRegulator) TotalDenied() int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, bucket := range r.buckets {
		total += bucket.denied
	}
	return total
}
