package normalizer

import "github.com/kursadbilgin/ndr-engine/internal/domain"

// DefaultTables returns the classification used for the default carrier.
func DefaultTables() Tables {
	return Tables{
		Canonical: map[string]domain.CanonicalStatus{
			"Manifested":             domain.CanonicalInTransit,
			"Picked Up":              domain.CanonicalInTransit,
			"In Transit":             domain.CanonicalInTransit,
			"Reached Destination":    domain.CanonicalInTransit,
			"Pending":                domain.CanonicalInTransit,
			"Dispatched":             domain.CanonicalOutForDelivery,
			"Out for Delivery":       domain.CanonicalOutForDelivery,
			"Delivered":              domain.CanonicalDelivered,
			"RTO":                    domain.CanonicalRTO,
			"RTO Initiated":          domain.CanonicalRTO,
			"RTO In Transit":         domain.CanonicalRTO,
			"RTO Delivered":          domain.CanonicalRTO,
			"Returned":               domain.CanonicalRTO,
			"Returned to Origin":     domain.CanonicalRTO,
			"Lost":                   domain.CanonicalLost,
			"Shipment Lost":          domain.CanonicalLost,
			"Cancelled":              domain.CanonicalCancelled,
			"Canceled":               domain.CanonicalCancelled,
			"Undelivered":            domain.CanonicalNDR,
			"Customer not available": domain.CanonicalNDR,
		},
		NDRTriggers: []string{
			"Undelivered",
			"Customer not available",
			"Customer refused",
			"Incomplete address",
			"Cash not ready",
			"Delivery attempted",
			"Consignee unreachable",
			"Address not found",
		},
		RTOPhases: map[string]domain.RTOPhase{
			"RTO Initiated":      domain.RTOPhaseInitiated,
			"RTO In Transit":     domain.RTOPhaseInTransit,
			"RTO Delivered":      domain.RTOPhaseDelivered,
			"Returned to Origin": domain.RTOPhaseDelivered,
		},
	}
}
