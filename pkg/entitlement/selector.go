package entitlement

import (
	"slices"
	"strings"
	"time"
)

// ProductSet is a set of product identifiers.
type ProductSet map[string]struct{}

// NewProductSet builds a set from identifiers, ignoring blanks.
func NewProductSet(ids ...string) ProductSet {
	set := make(ProductSet, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// Contains reports whether id is in the set.
func (s ProductSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the identifiers in lexical order.
func (s ProductSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SelectValidProductIdentifier picks the single product identifier that is
// currently entitled by receipts.
//
// Only receipts for acceptable products that are dated after now count: a
// forward-dated receipt is one the platform has already validated as active,
// while a receipt dated at or before now denotes a grant that has elapsed.
// Among live receipts the most recent date wins. Equal dates resolve to the
// lexically smallest identifier so the result never depends on input order.
func SelectValidProductIdentifier(receipts []Receipt, acceptable ProductSet, now time.Time) (string, bool) {
	if len(receipts) == 0 || len(acceptable) == 0 {
		return "", false
	}

	var (
		best  Receipt
		found bool
	)
	for _, r := range receipts {
		if r.Validate() != nil || !acceptable.Contains(r.ProductIdentifier) {
			continue
		}
		if !r.TransactionDate.After(now) {
			continue
		}
		if !found || preferReceipt(r, best) {
			best = r
			found = true
		}
	}
	if !found {
		return "", false
	}
	return best.ProductIdentifier, true
}

// LatestLiveReceipt returns the live receipt backing the selected product,
// which carries the date at which that entitlement lapses.
func LatestLiveReceipt(receipts []Receipt, productID string, now time.Time) (Receipt, bool) {
	var (
		best  Receipt
		found bool
	)
	for _, r := range receipts {
		if r.ProductIdentifier != productID || r.Validate() != nil || !r.TransactionDate.After(now) {
			continue
		}
		if !found || r.TransactionDate.After(best.TransactionDate) {
			best = r
			found = true
		}
	}
	return best, found
}

func preferReceipt(candidate, current Receipt) bool {
	if !candidate.TransactionDate.Equal(current.TransactionDate) {
		return candidate.TransactionDate.After(current.TransactionDate)
	}
	return candidate.ProductIdentifier < current.ProductIdentifier
}
