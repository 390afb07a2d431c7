// Package model contains domain models passed between layers.
package model

import "time"

// Worker is a remote compute peer as seen by the ledger.
//
// Credit is 0 (unreachable) or within [MinCredit, MaxCredit] of the ledger
// that owns the record. AccumulatedScore is never negative.
type Worker struct {
	UID              int       `json:"uid"`
	Credit           int64     `json:"credit"`
	AccumulatedScore float64   `json:"accumulated_score"`
	Stake            float64   `json:"stake"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewWorker builds a record with credit clamped into [minCredit, maxCredit].
func NewWorker(uid int, credit, minCredit, maxCredit int64) Worker {
	return Worker{
		UID:       uid,
		Credit:    min(max(credit, minCredit), maxCredit),
		UpdatedAt: time.Now().UTC(),
	}
}

// Standing is a worker record with its 1-based position in score order,
// ties broken by lower uid.
type Standing struct {
	Worker
	Rank int `json:"rank"`
}

// QuotaUsage is a monitoring snapshot of one worker's current window.
type QuotaUsage struct {
	UID      int     `json:"uid"`
	Consumed int64   `json:"consumed"`
	Quota    int64   `json:"quota"`
	Percent  float64 `json:"percent"`
}

// NewQuotaUsage fills Percent from consumed and quota.
func NewQuotaUsage(uid int, consumed, quota int64) QuotaUsage {
	u := QuotaUsage{UID: uid, Consumed: consumed, Quota: quota}
	if quota > 0 {
		u.Percent = float64(consumed) / float64(quota) * 100
	}
	return u
}
