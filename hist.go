package derecho

import (
	"fmt"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// DeliveryDigest accumulates send-to-delivery latencies per
// subgroup. Compression of 100 still gives ~1000x compression
// with good accuracy at the tails.
type DeliveryDigest struct {
	mu    sync.Mutex
	td    *tdigest.TDigest
	count int64
	worst time.Duration
}

func NewDeliveryDigest() *DeliveryDigest {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	return &DeliveryDigest{td: td}
}

// Observe records one delivery latency.
func (d *DeliveryDigest) Observe(lat time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	if lat > d.worst {
		d.worst = lat
	}
	_ = d.td.Add(float64(lat) / float64(time.Microsecond))
}

func (d *DeliveryDigest) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Quantile gives the q-th latency quantile.
func (d *DeliveryDigest) Quantile(q float64) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Duration(d.td.Quantile(q) * float64(time.Microsecond))
}

func (d *DeliveryDigest) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return "DeliveryDigest{empty}"
	}
	q := func(x float64) time.Duration {
		return time.Duration(d.td.Quantile(x) * float64(time.Microsecond))
	}
	return fmt.Sprintf("DeliveryDigest{n: %v, p50: %v, p99: %v, max: %v}",
		d.count, q(0.5), q(0.99), d.worst)
}
