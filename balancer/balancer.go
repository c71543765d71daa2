// Package balancer picks the best audio node, from a pool-scoped candidate
// set, for a guild's playback link.
package balancer

import (
	"errors"

	"github.com/jwc-audio/jwc/region"
)

// ErrUnavailable is returned when the candidate set has exactly one member
// and it is unavailable — the caller asked to pin to that node specifically,
// so falling back to "no available node" would hide the real problem.
var ErrUnavailable = errors.New("balancer: candidate is unavailable")

// ErrNoAvailableNode is returned when none of the candidates are available.
var ErrNoAvailableNode = errors.New("balancer: no available node")

// Candidate is the subset of Node behavior the balancer needs to score and
// pick a node, kept narrow so this package never imports the root jwc
// package (which owns Node and in turn imports balancer).
type Candidate interface {
	Available() bool
	PenaltyTotal() int
	RegionGroup() region.Group
	PlayerCount() int
	MaxPlayers() int
}

// PenaltyProvider contributes an additional, non-negative score term for a
// candidate given the voice region the guild's connection is using. Lower is
// still better; providers model "this node is a worse fit" not "this node
// is better".
type PenaltyProvider interface {
	Penalty(c Candidate, voiceRegion region.Group) int
}

// RegionProvider prefers nodes whose configured region group matches the
// guild's inferred voice region, softly penalizing mismatches rather than
// excluding them outright.
type RegionProvider struct{}

// SoftBlock is the penalty applied when a candidate's region group is known
// and does not match the voice region's group.
const SoftBlock = 1000

// Penalty implements PenaltyProvider.
func (RegionProvider) Penalty(c Candidate, voiceRegion region.Group) int {
	if voiceRegion == region.Unknown || c.RegionGroup() == region.Unknown {
		return 0
	}
	if c.RegionGroup() == voiceRegion {
		return 0
	}
	return SoftBlock
}

// PoolCapacityProvider adds a small soft penalty proportional to how full a
// node is relative to its configured MaxPlayers, so operators can steer load
// away from a node even when its penalty score alone still looks cheapest.
// A candidate with MaxPlayers() == 0 is treated as uncapped and contributes
// no penalty, which keeps this provider a no-op for deployments that never
// set a cap.
type PoolCapacityProvider struct {
	// Weight scales the capacity-fill ratio into a penalty. Defaults to 500
	// when zero, matching the order of magnitude of the region soft-block so
	// neither provider dominates the other by construction.
	Weight int
}

// Penalty implements PenaltyProvider.
func (p PoolCapacityProvider) Penalty(c Candidate, _ region.Group) int {
	max := c.MaxPlayers()
	if max <= 0 {
		return 0
	}
	weight := p.Weight
	if weight == 0 {
		weight = 500
	}
	fill := float64(c.PlayerCount()) / float64(max)
	return int(fill * float64(weight))
}

// Selector applies a set of PenaltyProviders on top of each candidate's own
// PenaltyTotal to choose the best node for a guild.
type Selector struct {
	providers []PenaltyProvider
}

// Option configures a Selector at construction.
type Option func(*Selector)

// WithProvider registers an additional penalty provider.
func WithProvider(p PenaltyProvider) Option {
	return func(s *Selector) { s.providers = append(s.providers, p) }
}

// New returns a Selector with the default RegionProvider registered, plus
// any additional providers supplied.
func New(opts ...Option) *Selector {
	s := &Selector{providers: []PenaltyProvider{RegionProvider{}}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select picks the available candidate in candidates with the lowest total
// score (PenaltyTotal plus every registered provider's Penalty), breaking
// ties by first-seen order. guildID is accepted for parity with the
// distilled contract; it is not passed to providers and does not affect the
// result.
func (s *Selector) Select(candidates []Candidate, voiceRegion region.Group, guildID string) (Candidate, error) {
	if len(candidates) == 1 && !candidates[0].Available() {
		return nil, ErrUnavailable
	}

	var best Candidate
	bestScore := 0
	for _, c := range candidates {
		if !c.Available() {
			continue
		}
		score := c.PenaltyTotal()
		for _, p := range s.providers {
			score += p.Penalty(c, voiceRegion)
		}
		if best == nil || score < bestScore {
			best = c
			bestScore = score
		}
	}

	if best == nil {
		return nil, ErrNoAvailableNode
	}
	return best, nil
}
