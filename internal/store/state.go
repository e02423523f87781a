package store

import "fmt"

// Kind names the variant of a State.
type Kind string

const (
	KindInitialized      Kind = "initialized"
	KindOffline          Kind = "offline"
	KindInterested       Kind = "interested"
	KindFetchingProducts Kind = "fetching_products"
	KindPurchasing       Kind = "purchasing"
	KindSubscribed       Kind = "subscribed"
)

// State is the machine's single state variable. Only purchasing and
// subscribed carry a product identifier, and only purchasing carries the
// state to return to when the purchase does not complete.
type State struct {
	kind      Kind
	productID string
	returnTo  *State
}

func Initialized() State      { return State{kind: KindInitialized} }
func Offline() State          { return State{kind: KindOffline} }
func Interested() State       { return State{kind: KindInterested} }
func FetchingProducts() State { return State{kind: KindFetchingProducts} }

// Subscribed is the entitled state for productID.
func Subscribed(productID string) State {
	return State{kind: KindSubscribed, productID: productID}
}

// Purchasing records an outstanding payment for productID. returnTo is
// restored verbatim if the payment fails or is cancelled.
func Purchasing(productID string, returnTo State) State {
	prev := returnTo
	return State{kind: KindPurchasing, productID: productID, returnTo: &prev}
}

// Kind returns the variant. The zero State reports initialized.
func (s State) Kind() Kind {
	if s.kind == "" {
		return KindInitialized
	}
	return s.kind
}

// ProductID is set for purchasing and subscribed states.
func (s State) ProductID() string {
	return s.productID
}

// ReturnState is the rollback target of a purchasing state. For every other
// kind it returns s unchanged.
func (s State) ReturnState() State {
	if s.kind != KindPurchasing || s.returnTo == nil {
		return s
	}
	return *s.returnTo
}

// Is reports whether s is one of kinds.
func (s State) Is(kinds ...Kind) bool {
	k := s.Kind()
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// Equal compares kind and payload, including the return state.
func (s State) Equal(other State) bool {
	if s.Kind() != other.Kind() || s.productID != other.productID {
		return false
	}
	if s.kind != KindPurchasing {
		return true
	}
	return s.ReturnState().Equal(other.ReturnState())
}

func (s State) String() string {
	switch s.Kind() {
	case KindSubscribed:
		return fmt.Sprintf("subscribed(%s)", s.productID)
	case KindPurchasing:
		return fmt.Sprintf("purchasing(%s, %s)", s.productID, s.ReturnState())
	default:
		return string(s.Kind())
	}
}
