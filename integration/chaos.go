package integration

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Flippable is satisfied by FakeStream and FakeAccountStream.
type Flippable interface {
	SetOnline(online bool)
}

// ChaosSchedule periodically flips a Flippable online/offline within the
// given bounds, the in-process analog of a proxy dropping and restoring a
// real connection.
type ChaosSchedule struct {
	target              Flippable
	minUp, maxUp        time.Duration
	minDown, maxDown    time.Duration
}

// NewChaosSchedule creates a schedule for target with the given up/down
// duration bounds.
func NewChaosSchedule(target Flippable, minUp, maxUp, minDown, maxDown time.Duration) *ChaosSchedule {
	return &ChaosSchedule{target: target, minUp: minUp, maxUp: maxUp, minDown: minDown, maxDown: maxDown}
}

// Run drives the schedule until ctx is cancelled.
func (c *ChaosSchedule) Run(ctx context.Context) {
	online := true
	c.target.SetOnline(online)

	for {
		var wait time.Duration
		if online {
			wait = randomDuration(c.minUp, c.maxUp)
		} else {
			wait = randomDuration(c.minDown, c.maxDown)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			online = !online
			c.target.SetOnline(online)
		}
	}
}

func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	diff := int64(max - min)
	n, err := rand.Int(rand.Reader, big.NewInt(diff))
	if err != nil {
		return min
	}
	return min + time.Duration(n.Int64())
}
