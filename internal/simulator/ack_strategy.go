package simulator

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// AckStrategy defines how a vehicle acknowledges assignment commands.
type AckStrategy interface {
	Ack(ctx context.Context, r Reporter, immatriculation, label string) error
}

// AutoAck reports the engaged status after an optional fixed delay.
type AutoAck struct {
	Delay time.Duration
}

// Ack implements AckStrategy.
func (a AutoAck) Ack(ctx context.Context, r Reporter, imm, label string) error {
	if !wait(ctx, a.Delay) {
		return ctx.Err()
	}
	return r.ReportStatus(ctx, imm, label)
}

// RandomAck drops acknowledgments with the configured probability and waits
// for the specified delay before sending.
type RandomAck struct {
	Delay    time.Duration
	DropRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomAck seeds a RandomAck.
func NewRandomAck(delay time.Duration, dropRate float64, seed int64) *RandomAck {
	return &RandomAck{Delay: delay, DropRate: dropRate, rng: rand.New(rand.NewSource(seed))}
}

func (r *RandomAck) drop() bool {
	if r.DropRate <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return r.rng.Float64() < r.DropRate
}

// Ack implements AckStrategy.
func (r *RandomAck) Ack(ctx context.Context, rep Reporter, imm, label string) error {
	if r.drop() {
		return nil
	}
	if !wait(ctx, r.Delay) {
		return ctx.Err()
	}
	return rep.ReportStatus(ctx, imm, label)
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
