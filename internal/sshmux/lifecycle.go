package sshmux

// LifecycleObserver receives connect/disconnect notifications. Spec §9
// notes that the source shares the synthetic `_container_connect` /
// `_container_disconnect` events with the wire protocol's selector
// namespace; the redesign flag for that calls for a separate, typed
// observer interface instead, which this is.
type LifecycleObserver interface {
	OnConnect(name string, conn *Connection)
	OnDisconnect(name string)
}

// NopObserver implements LifecycleObserver with no-ops, useful in tests and
// as an embeddable default.
type NopObserver struct{}

func (NopObserver) OnConnect(string, *Connection) {}
func (NopObserver) OnDisconnect(string)            {}
