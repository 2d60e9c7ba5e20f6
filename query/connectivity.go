package query

// ConnectivityProbe reports online/offline status for NetworkMode gating
// (§9 open question resolution). There is no network transport in this
// module (§1 Non-goal); AlwaysOnline is the only implementation the engine
// itself provides. A host application wiring a real connectivity signal
// (browser navigator.onLine, an OS reachability API, …) is exactly the kind
// of "platform adapter" the spec calls an external collaborator out of
// scope for this repository.
type ConnectivityProbe interface {
	IsOnline() bool
	// Subscribe registers a callback invoked with the new online state on
	// every transition; the returned func unsubscribes.
	Subscribe(func(online bool)) (unsubscribe func())
}

// AlwaysOnline is the default ConnectivityProbe: the engine never pauses
// for connectivity reasons unless a caller supplies a different probe.
type AlwaysOnline struct{}

func (AlwaysOnline) IsOnline() bool { return true }

func (AlwaysOnline) Subscribe(func(bool)) func() {
	return func() {}
}
