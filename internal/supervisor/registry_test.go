package supervisor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentbox/agentboxd/internal/containerstate"
	"github.com/agentbox/agentboxd/internal/control"
	"github.com/agentbox/agentboxd/internal/external"
	"github.com/agentbox/agentboxd/internal/portforward"
	"github.com/agentbox/agentboxd/internal/sshmux"
	"github.com/agentbox/agentboxd/internal/streamcache"
)

type fakeCtx struct{}

func (fakeCtx) SendEvent(typ string, payload any) error { return nil }

func newTestRegistry(t *testing.T) (*control.Registry, *managerRef, *streamcache.Cache, *containerstate.Store) {
	t.Helper()
	cache := streamcache.New()
	state := containerstate.New()
	ref := &managerRef{}
	comp := newCompletions(ref, cache, state, newStaticLibraryLister())
	registry := buildC2Registry(ref, cache, state, noopNotifier{}, noopClipboard{}, comp)

	mgr, err := sshmux.NewManager(registry, newCleanupObserver(cache, state))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ref.mgr = mgr

	return registry, ref, cache, state
}

type noopNotifier struct{}

func (noopNotifier) Notify(_ context.Context, title, message string, urgency external.Urgency) error {
	return nil
}

type noopClipboard struct{}

func (noopClipboard) SetClipboard(_ context.Context, data, selection string) error { return nil }

func TestWithOKFoldsEnvelope(t *testing.T) {
	got := withOK(map[string]any{"sessions": []string{"a"}})
	if ok, _ := got["ok"].(bool); !ok {
		t.Fatalf("expected ok=true in %v", got)
	}
	if _, present := got["sessions"]; !present {
		t.Fatalf("expected sessions key preserved in %v", got)
	}
}

func TestHandlePingReturnsOK(t *testing.T) {
	resp, err := handlePing(fakeCtx{}, "agentbox-demo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	m, ok := resp.(map[string]bool)
	if !ok || !m["ok"] {
		t.Fatalf("expected {ok:true}, got %v", resp)
	}
}

func TestHandleSelfServicePortAddLocalDirectionGrantsAllowSet(t *testing.T) {
	_, ref, _, _ := newTestRegistry(t)
	handler := handleSelfServicePortAdd(ref)

	payload, _ := json.Marshal(selfServicePortPayload{Direction: string(portforward.Local), HostPort: 4000})
	if _, err := handler(fakeCtx{}, "agentbox-demo", payload); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if !ref.get().AllowSet().AllowedFor(4000, "agentbox-demo") {
		t.Fatal("expected host port 4000 to be allowed for agentbox-demo after self-service port_add")
	}
}

func TestHandleSelfServicePortAddRemoteDirectionEchoesBack(t *testing.T) {
	_, ref, _, _ := newTestRegistry(t)
	handler := handleSelfServicePortAdd(ref)

	payload, _ := json.Marshal(selfServicePortPayload{Direction: string(portforward.Remote), HostPort: 5000, ContainerPort: 5001})
	resp, err := handler(fakeCtx{}, "agentbox-demo", payload)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	m, ok := resp.(map[string]any)
	if !ok || m["host_port"] != 5000 {
		t.Fatalf("expected host_port echoed back, got %v", resp)
	}
}

func TestHandleSelfServicePortAddUnknownDirection(t *testing.T) {
	_, ref, _, _ := newTestRegistry(t)
	handler := handleSelfServicePortAdd(ref)

	payload, _ := json.Marshal(selfServicePortPayload{Direction: "sideways", HostPort: 1})
	if _, err := handler(fakeCtx{}, "agentbox-demo", payload); err == nil {
		t.Fatal("expected an error for an unknown direction")
	}
}

func TestHandleStreamLifecycleEvents(t *testing.T) {
	_, ref, cache, _ := newTestRegistry(t)
	_ = ref

	registerPayload, _ := json.Marshal(streamRegisterPayload{Session: "main"})
	handleStreamRegister(cache)(fakeCtx{}, "agentbox-demo", registerPayload)

	if _, ok := cache.Get(streamcache.Key{Container: "agentbox-demo", Session: "main"}); !ok {
		t.Fatal("expected stream_register to create a snapshot namespace")
	}

	dataPayload, _ := json.Marshal(streamDataPayload{Session: "main", Data: "hello"})
	handleStreamData(cache)(fakeCtx{}, "agentbox-demo", dataPayload)

	snap, ok := cache.Get(streamcache.Key{Container: "agentbox-demo", Session: "main"})
	if !ok || snap.Buffer != "hello" {
		t.Fatalf("expected stream_data to set buffer, got %+v", snap)
	}

	unregisterPayload, _ := json.Marshal(streamRegisterPayload{Session: "main"})
	handleStreamUnregister(cache)(fakeCtx{}, "agentbox-demo", unregisterPayload)

	if _, ok := cache.Get(streamcache.Key{Container: "agentbox-demo", Session: "main"}); ok {
		t.Fatal("expected stream_unregister to remove the snapshot")
	}
}

func TestHandleStateUpdateMergesFields(t *testing.T) {
	state := containerstate.New()
	payload, _ := json.Marshal(map[string]any{"branch": "main"})
	handleStateUpdate(state)(fakeCtx{}, "agentbox-demo", payload)

	got, ok := state.Get("agentbox-demo")
	if !ok || got["branch"] != "main" {
		t.Fatalf("expected branch=main, got %v", got)
	}
}
