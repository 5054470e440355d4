package core

import (
	"fmt"
	"strings"
	"sync"
)

// TimestampPolicy decides what happens to a negative or non-increasing
// presentation time reaching the muxer.
type TimestampPolicy string

// Timestamp policies.
const (
	// TimestampClamp replaces the time with max(last+1µs, nominal).
	TimestampClamp TimestampPolicy = "clamp"
	// TimestampReject fails the write.
	TimestampReject TimestampPolicy = "reject"
	// TimestampPassthrough writes the time unchanged.
	TimestampPassthrough TimestampPolicy = "passthrough"
)

// ParseTimestampPolicy parses a policy name. The empty string is clamp.
func ParseTimestampPolicy(s string) (TimestampPolicy, error) {
	switch p := TimestampPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return TimestampClamp, nil
	case TimestampClamp, TimestampReject, TimestampPassthrough:
		return p, nil
	default:
		return "", fmt.Errorf("unknown timestamp policy %q", s)
	}
}

// TimestampGuard applies a policy to the sample times of one track.
type TimestampGuard struct {
	policy TimestampPolicy

	mu      sync.Mutex
	last    int64
	started bool
	fixed   int
}

// NewTimestampGuard returns a guard enforcing policy.
func NewTimestampGuard(policy TimestampPolicy) *TimestampGuard {
	if policy == "" {
		policy = TimestampClamp
	}
	return &TimestampGuard{policy: policy}
}

// Policy returns the policy in force.
func (g *TimestampGuard) Policy() TimestampPolicy { return g.policy }

// Apply checks ptsUs against the previous accepted time. nominalUs is the
// pacing time of the sample, or negative when unknown.
func (g *TimestampGuard) Apply(ptsUs, nominalUs int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	bad := ptsUs < 0 || (g.started && ptsUs <= g.last)
	if bad {
		switch g.policy {
		case TimestampReject:
			return ptsUs, fmt.Errorf("%w: %dus after %dus", ErrTimestamp, ptsUs, g.last)
		case TimestampClamp:
			floor := int64(0)
			if g.started {
				floor = g.last + 1
			}
			ptsUs = max(floor, nominalUs)
			g.fixed++
		}
	}
	if !g.started || ptsUs > g.last {
		g.last = ptsUs
	}
	g.started = true
	return ptsUs, nil
}

// Fixed returns how many times were replaced.
func (g *TimestampGuard) Fixed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fixed
}
