package coord

// Hooks carries the optional observer callbacks exposed to the host. Nil
// callbacks are skipped. All hooks run synchronously on the goroutine that
// detected the transition: either the dispatch loop or a Claim/Takeover call.
type Hooks struct {
	// OnBecameOwner fires after a claim or takeover is confirmed.
	OnBecameOwner func()
	// OnLostOwnership fires after any release, voluntary or forced.
	OnLostOwnership func()
	// OnOwnerChanged fires once per distinct observed owner transition;
	// owner is empty when the resource became free.
	OnOwnerChanged func(owner string)
	// OnTakeoverRequested fires on the current owner when another peer
	// courteously asks for the resource, just before the release.
	OnTakeoverRequested func(requester string)
}

func (h Hooks) becameOwner() {
	if h.OnBecameOwner != nil {
		h.OnBecameOwner()
	}
}

func (h Hooks) lostOwnership() {
	if h.OnLostOwnership != nil {
		h.OnLostOwnership()
	}
}

func (h Hooks) ownerChanged(owner string) {
	if h.OnOwnerChanged != nil {
		h.OnOwnerChanged(owner)
	}
}

func (h Hooks) takeoverRequested(requester string) {
	if h.OnTakeoverRequested != nil {
		h.OnTakeoverRequested(requester)
	}
}
