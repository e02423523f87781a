package store

import (
	"time"

	"github.com/podstore/podstore/internal/platform"
)

// Access is the derived entitlement. Accessible and Expired are computed
// together with the state they describe.
type Access struct {
	Accessible bool
	Expired    bool
}

// Snapshot is everything an observer needs to render the store.
type Snapshot struct {
	State    State
	Products []platform.Product
	// Err is the failure that caused this transition, if any.
	Err        error
	Access     Access
	UnsealedAt time.Time
	At         time.Time
}

// GeneralObserver receives every committed transition.
type GeneralObserver interface {
	StoreChanged(snapshot Snapshot)
}

// AccessObserver receives the derived access flags after every committed
// transition.
type AccessObserver interface {
	AccessChanged(accessible, expired bool)
}

// GeneralObserverFunc adapts a function to GeneralObserver.
type GeneralObserverFunc func(Snapshot)

func (f GeneralObserverFunc) StoreChanged(snapshot Snapshot) { f(snapshot) }

// AccessObserverFunc adapts a function to AccessObserver.
type AccessObserverFunc func(accessible, expired bool)

func (f AccessObserverFunc) AccessChanged(accessible, expired bool) { f(accessible, expired) }
