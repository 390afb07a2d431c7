package upstream

import (
	"context"
	"fmt"
)

// Directory talks to the network directory service.
type Directory struct {
	client
	self int
}

// NewDirectory creates a Directory. self is the coordinator's own uid,
// used for the rate limit lookup.
func NewDirectory(baseURL string, self int, opts ...Option) *Directory {
	return &Directory{client: newClient(baseURL, opts...), self: self}
}

type uidsBody struct {
	UIDs []int `json:"uids"`
}

// ListEligibleUIDs returns every uid currently registered.
func (d *Directory) ListEligibleUIDs(ctx context.Context) ([]int, error) {
	var out uidsBody
	if err := d.postJSON(ctx, "/api/uids", struct{}{}, &out); err != nil {
		return nil, err
	}
	return out.UIDs, nil
}

// Stakes returns the stake of each uid.
func (d *Directory) Stakes(ctx context.Context, uids []int) (map[int]float64, error) {
	var out struct {
		Stakes []float64 `json:"stakes"`
	}
	if err := d.postJSON(ctx, "/api/stake", uidsBody{UIDs: uids}, &out); err != nil {
		return nil, err
	}
	if len(out.Stakes) != len(uids) {
		return nil, fmt.Errorf("%w: %d stakes for %d uids", ErrMalformed, len(out.Stakes), len(uids))
	}
	res := make(map[int]float64, len(uids))
	for i, uid := range uids {
		res[uid] = out.Stakes[i]
	}
	return res, nil
}

// Stake returns the stake of one uid.
func (d *Directory) Stake(ctx context.Context, uid int) (float64, error) {
	m, err := d.Stakes(ctx, []int{uid})
	if err != nil {
		return 0, err
	}
	return m[uid], nil
}

// ResolveEndpoints maps uids to worker addresses. Uids the directory
// answers with an empty address are left out.
func (d *Directory) ResolveEndpoints(ctx context.Context, uids []int) (map[int]string, error) {
	var out struct {
		Axons []string `json:"axons"`
	}
	if err := d.postJSON(ctx, "/api/axons", uidsBody{UIDs: uids}, &out); err != nil {
		return nil, err
	}
	if len(out.Axons) != len(uids) {
		return nil, fmt.Errorf("%w: %d axons for %d uids", ErrMalformed, len(out.Axons), len(uids))
	}
	res := make(map[int]string, len(uids))
	for i, uid := range uids {
		if out.Axons[i] != "" {
			res[uid] = out.Axons[i]
		}
	}
	return res, nil
}

// RateLimitFraction returns the share of credit the network allows per window.
func (d *Directory) RateLimitFraction(ctx context.Context) (float64, error) {
	var out struct {
		Fraction *float64 `json:"rate_limit_percentage"`
	}
	if err := d.postJSON(ctx, "/api/rate_limit_percentage", map[string]int{"uid": d.self}, &out); err != nil {
		return 0, err
	}
	if out.Fraction == nil {
		return 0, fmt.Errorf("%w: missing rate_limit_percentage", ErrMalformed)
	}
	return *out.Fraction, nil
}
