package model

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"
)

// SynapseStreamingChat is the only dispatch protocol the coordinator speaks.
const SynapseStreamingChat = "streaming-chat"

// ModelProfile describes a class of work: what it costs against a worker's
// quota and how long a worker may take to answer it.
type ModelProfile struct {
	Name          string
	CreditCost    int64
	Timeout       time.Duration
	MaxTokens     int
	SynapseType   string
	AllowedParams []string
}

// Profiles is an immutable, name-ordered set of model profiles.
type Profiles struct {
	list  []ModelProfile
	total int64
}

// NewProfiles validates and orders profiles by name.
func NewProfiles(profiles ...ModelProfile) (Profiles, error) {
	list := slices.Clone(profiles)
	slices.SortFunc(list, func(a, b ModelProfile) int { return strings.Compare(a.Name, b.Name) })

	var total int64
	for _, p := range list {
		if p.CreditCost <= 0 {
			return Profiles{}, fmt.Errorf("%w: %q has credit cost %d", ErrInvalidProfile, p.Name, p.CreditCost)
		}
		total += p.CreditCost
	}
	if len(list) == 0 {
		return Profiles{}, fmt.Errorf("%w: empty profile set", ErrInvalidProfile)
	}
	return Profiles{list: list, total: total}, nil
}

// Get returns the named profile.
func (p Profiles) Get(name string) (ModelProfile, error) {
	for _, mp := range p.list {
		if mp.Name == name {
			return mp, nil
		}
	}
	return ModelProfile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
}

// All returns a copy of the profiles in name order.
func (p Profiles) All() []ModelProfile { return slices.Clone(p.list) }

// Len returns the number of profiles.
func (p Profiles) Len() int { return len(p.list) }

// Sample picks a profile with probability proportional to its credit cost.
func (p Profiles) Sample(rng *rand.Rand) ModelProfile {
	r := rng.Int64N(p.total)
	for _, mp := range p.list {
		if r < mp.CreditCost {
			return mp
		}
		r -= mp.CreditCost
	}
	return p.list[len(p.list)-1]
}
