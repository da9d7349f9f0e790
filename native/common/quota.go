package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrQuotaCounterOverflow = errors.New("quota counter overflow")
)

// Quota bounds how many requests a single account may make per epoch. A zero
// MaxPerEpoch disables the limit.
type Quota struct {
	MaxPerEpoch  uint32
	EpochSeconds uint32
}

// Usage captures the counter persisted for one account.
type Usage struct {
	Epoch uint64
	Count uint32
}

// Enabled reports whether the quota limits anything.
func (q Quota) Enabled() bool { return q.MaxPerEpoch > 0 }

// EpochOf maps a unix timestamp to its epoch. Without an epoch length every
// timestamp falls into epoch zero and the quota becomes a lifetime cap.
func (q Quota) EpochOf(unix uint64) uint64 {
	if q.EpochSeconds == 0 {
		return 0
	}
	return unix / uint64(q.EpochSeconds)
}

// CheckQuota verifies whether add more requests at time now fit within the
// quota. The returned Usage reflects the updated counter when the quota is
// not exceeded; on denial prev is returned unchanged.
func CheckQuota(q Quota, now uint64, prev Usage, add uint32) (Usage, error) {
	epoch := q.EpochOf(now)
	next := prev
	if prev.Epoch != epoch {
		next = Usage{Epoch: epoch}
	}
	if next.Count > math.MaxUint32-add {
		return prev, ErrQuotaCounterOverflow
	}
	next.Count += add
	if q.Enabled() && next.Count > q.MaxPerEpoch {
		return prev, ErrQuotaExceeded
	}
	return next, nil
}
