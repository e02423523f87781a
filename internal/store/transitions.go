package store

import (
	"slices"
)

// Transition represents a valid state transition.
type Transition struct {
	From Kind
	To   Kind
}

// validTransitions defines all allowed state transitions. Re-emitting the
// current state is always allowed and is not listed.
var validTransitions = map[Transition]bool{
	{KindInitialized, KindFetchingProducts}: true, // Resume while reachable
	{KindInitialized, KindOffline}:          true, // Reachability unresolved or unreachable
	{KindInitialized, KindInterested}:       true, // Receipts arrived before first fetch
	{KindInitialized, KindSubscribed}:       true,

	{KindOffline, KindFetchingProducts}: true, // Back online
	{KindOffline, KindPurchasing}:       true,
	{KindOffline, KindInterested}:       true,
	{KindOffline, KindSubscribed}:       true,
	{KindOffline, KindInitialized}:      true, // Reset

	{KindFetchingProducts, KindInterested}:  true, // Catalog loaded, no live receipt
	{KindFetchingProducts, KindSubscribed}:  true, // Catalog loaded, live receipt
	{KindFetchingProducts, KindOffline}:     true, // Catalog fetch failed
	{KindFetchingProducts, KindInitialized}: true, // Reset

	{KindInterested, KindFetchingProducts}: true,
	{KindInterested, KindOffline}:          true,
	{KindInterested, KindPurchasing}:       true,
	{KindInterested, KindSubscribed}:       true,
	{KindInterested, KindInitialized}:      true,

	{KindSubscribed, KindFetchingProducts}: true,
	{KindSubscribed, KindOffline}:          true,
	{KindSubscribed, KindPurchasing}:       true,
	{KindSubscribed, KindInterested}:       true, // Receipt lapsed
	{KindSubscribed, KindInitialized}:      true,

	{KindPurchasing, KindSubscribed}: true, // Payment completed
	{KindPurchasing, KindInterested}: true, // Rollback
	{KindPurchasing, KindOffline}:    true, // Rollback
}

// CanTransition checks if a transition from one state kind to another is valid.
func CanTransition(from, to Kind) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target kinds from the given kind.
func ValidTransitionsFrom(from Kind) []Kind {
	targets := make([]Kind, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}

	slices.Sort(targets)
	return targets
}

// allowed accepts re-emits and listed transitions. A rollback out of
// purchasing is only allowed to the recorded return state.
func allowed(from, to State) bool {
	if from.Equal(to) {
		return true
	}
	if from.Kind() == KindPurchasing && to.Kind() != KindSubscribed && !to.Equal(from.ReturnState()) {
		return false
	}
	return CanTransition(from.Kind(), to.Kind())
}
