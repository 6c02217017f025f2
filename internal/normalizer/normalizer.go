// Package normalizer maps raw carrier status strings to canonical statuses.
package normalizer

import (
	"strings"

	"github.com/kursadbilgin/ndr-engine/internal/domain"
)

// Tables is the static classification data for one carrier.
type Tables struct {
	Canonical   map[string]domain.CanonicalStatus
	NDRTriggers []string
	RTOPhases   map[string]domain.RTOPhase
}

// Normalizer is immutable after construction and safe for concurrent use.
type Normalizer struct {
	canonical map[string]domain.CanonicalStatus
	triggers  map[string]struct{}
	rtoPhases map[string]domain.RTOPhase
}

func New(tables Tables) *Normalizer {
	n := &Normalizer{
		canonical: make(map[string]domain.CanonicalStatus, len(tables.Canonical)+len(tables.NDRTriggers)),
		triggers:  make(map[string]struct{}, len(tables.NDRTriggers)),
		rtoPhases: make(map[string]domain.RTOPhase, len(tables.RTOPhases)),
	}

	for raw, status := range tables.Canonical {
		n.canonical[key(raw)] = status
	}
	for _, raw := range tables.NDRTriggers {
		n.triggers[key(raw)] = struct{}{}
		if _, ok := n.canonical[key(raw)]; !ok {
			n.canonical[key(raw)] = domain.CanonicalNDR
		}
	}
	for raw, phase := range tables.RTOPhases {
		n.rtoPhases[key(raw)] = phase
	}

	return n
}

// NewDefault returns a normalizer loaded with DefaultTables.
func NewDefault() *Normalizer {
	return New(DefaultTables())
}

// Normalize maps raw to a canonical status. Unknown strings are treated as in transit.
func (n *Normalizer) Normalize(raw string) domain.CanonicalStatus {
	if status, ok := n.canonical[key(raw)]; ok {
		return status
	}
	return domain.CanonicalInTransit
}

// IsNDRTrigger reports whether raw opens or feeds an NDR.
func (n *Normalizer) IsNDRTrigger(raw string) bool {
	_, ok := n.triggers[key(raw)]
	return ok
}

// RTOPhase returns the return-to-origin step named by raw, if any.
func (n *Normalizer) RTOPhase(raw string) domain.RTOPhase {
	return n.rtoPhases[key(raw)]
}

func key(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}
