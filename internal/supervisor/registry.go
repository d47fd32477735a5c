package supervisor

import (
	"context"
	"encoding/json"

	"github.com/agentbox/agentboxd/internal/containerstate"
	"github.com/agentbox/agentboxd/internal/control"
	"github.com/agentbox/agentboxd/internal/external"
	"github.com/agentbox/agentboxd/internal/portforward"
	"github.com/agentbox/agentboxd/internal/streamcache"
	log "github.com/sirupsen/logrus"
)

// buildC2Registry assembles the daemon-side control-channel registry (C2),
// fixed at startup and registered on the SSH connection manager (C4) per
// spec §4.8: "The fixed request handlers are: notify, clipboard_set,
// get_completions, port_add, port_remove, ping. The fixed event handlers
// are: stream_register, stream_data, stream_unregister, state_update,
// forward_removed."
//
// port_add/port_remove here answer requests a container sends about its
// own forward (the self-service path in original_source/agentbox/
// agentboxd.py's _ssh_handle_port_add/_ssh_handle_port_remove); the
// host-CLI-initiated path lives in internal/sshmux.Manager's
// AddHostPort/AddContainerPort/RemoveHostPort/RemoveContainerPort, which
// send the matching port_add/port_remove requests the other way.
func buildC2Registry(ref *managerRef, cache *streamcache.Cache, state *containerstate.Store, notifier external.Notifier, clipboard external.ClipboardWriter, comp *completions) *control.Registry {
	requests := map[string]control.RequestHandler{
		"notify":          handleNotify(notifier),
		"clipboard_set":   handleClipboardSet(clipboard),
		"get_completions": handleGetCompletions(comp),
		"port_add":        handleSelfServicePortAdd(ref),
		"port_remove":     handleSelfServicePortRemove(ref),
		"ping":            handlePing,
	}
	events := map[string]control.EventHandler{
		"stream_register":   handleStreamRegister(cache),
		"stream_data":       handleStreamData(cache),
		"stream_unregister": handleStreamUnregister(cache),
		"state_update":      handleStateUpdate(state),
		"forward_removed":   handleForwardRemoved(ref),
	}
	return control.NewRegistry(requests, events)
}

type notifyRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Urgency string `json:"urgency"`
}

func handleNotify(notifier external.Notifier) control.RequestHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) (any, error) {
		var req notifyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, control.Errorf(control.KindInvalidInput, "malformed notify payload: %v", err)
		}
		if req.Title == "" || req.Message == "" {
			return nil, control.Errorf(control.KindInvalidInput, "notify requires title and message")
		}
		urgency, err := external.ParseUrgency(req.Urgency)
		if err != nil {
			return nil, control.Errorf(control.KindInvalidInput, "%v", err)
		}
		if err := notifier.Notify(context.Background(), req.Title, req.Message, urgency); err != nil {
			return nil, control.Errorf(control.KindExternalToolError, "%v", err)
		}
		return map[string]bool{"ok": true}, nil
	}
}

type clipboardRequest struct {
	Data      string `json:"data"`
	Selection string `json:"selection"`
}

func handleClipboardSet(clipboard external.ClipboardWriter) control.RequestHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) (any, error) {
		var req clipboardRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, control.Errorf(control.KindInvalidInput, "malformed clipboard payload: %v", err)
		}
		if err := clipboard.SetClipboard(context.Background(), req.Data, req.Selection); err != nil {
			return nil, control.Errorf(control.KindExternalToolError, "%v", err)
		}
		return map[string]bool{"ok": true}, nil
	}
}

type completionsRequest struct {
	Type    string `json:"type"`
	Project string `json:"project"`
}

func handleGetCompletions(comp *completions) control.RequestHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) (any, error) {
		var req completionsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, control.Errorf(control.KindInvalidInput, "malformed get_completions payload: %v", err)
		}
		data, err := comp.lookup(req.Type, req.Project)
		if err != nil {
			return nil, err
		}
		return withOK(data), nil
	}
}

// withOK folds the {"ok": true} envelope (spec §7) around a successful
// handler's data fields, matching the shape every original_source handler
// returns inline (e.g. {"ok": true, "sessions": [...]})
func withOK(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	out["ok"] = true
	for k, v := range data {
		out[k] = v
	}
	return out
}

type selfServicePortPayload struct {
	Direction     string `json:"direction"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
}

// handleSelfServicePortAdd answers a container's own port_add request
// (as opposed to one the daemon initiated via Manager.AddHostPort/
// AddContainerPort on a host CLI's behalf). For the remote direction the
// daemon's half of the work already happened when the host asked for it;
// this merely acknowledges (original_source: "the SSH protocol handles
// the actual binding; we just need to allow it"). For the local
// direction, the daemon grants the container's own requested host_port
// in its allow-set, per spec §4.3 "Local direction."
func handleSelfServicePortAdd(ref *managerRef) control.RequestHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) (any, error) {
		var req selfServicePortPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, control.Errorf(control.KindInvalidInput, "malformed port_add payload: %v", err)
		}
		switch portforward.Direction(req.Direction) {
		case portforward.Remote:
			log.WithField("container", source).WithField("host_port", req.HostPort).
				Debug("supervisor: container announced remote forward")
			return withOK(map[string]any{"host_port": req.HostPort, "container_port": req.ContainerPort}), nil
		case portforward.Local:
			ref.get().AllowSet().Allow(req.HostPort, source)
			return map[string]bool{"ok": true}, nil
		default:
			return nil, control.Errorf(control.KindInvalidInput, "unknown direction %q", req.Direction)
		}
	}
}

func handleSelfServicePortRemove(ref *managerRef) control.RequestHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) (any, error) {
		var req selfServicePortPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, control.Errorf(control.KindInvalidInput, "malformed port_remove payload: %v", err)
		}
		switch portforward.Direction(req.Direction) {
		case portforward.Remote:
			ref.get().HandleForwardRemoved(source, portforward.Remote, req.HostPort)
			return map[string]bool{"ok": true}, nil
		case portforward.Local:
			ref.get().AllowSet().Revoke(req.HostPort, source)
			return map[string]bool{"ok": true}, nil
		default:
			return nil, control.Errorf(control.KindInvalidInput, "unknown direction %q", req.Direction)
		}
	}
}

func handlePing(ctx control.Context, source string, payload json.RawMessage) (any, error) {
	return map[string]bool{"ok": true}, nil
}

type streamRegisterPayload struct {
	Session string `json:"session"`
}

func handleStreamRegister(cache *streamcache.Cache) control.EventHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) {
		var p streamRegisterPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Session == "" {
			return
		}
		cache.Register(streamcache.Key{Container: source, Session: p.Session})
	}
}

type streamDataPayload struct {
	Session    string `json:"session"`
	Data       string `json:"data"`
	CursorX    int    `json:"cursor_x"`
	CursorY    int    `json:"cursor_y"`
	PaneWidth  int    `json:"pane_width"`
	PaneHeight int    `json:"pane_height"`
}

func handleStreamData(cache *streamcache.Cache) control.EventHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) {
		var p streamDataPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Session == "" {
			return
		}
		cache.Update(streamcache.Key{Container: source, Session: p.Session}, streamcache.Snapshot{
			Buffer:     p.Data,
			CursorX:    p.CursorX,
			CursorY:    p.CursorY,
			PaneWidth:  p.PaneWidth,
			PaneHeight: p.PaneHeight,
		})
	}
}

func handleStreamUnregister(cache *streamcache.Cache) control.EventHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) {
		var p streamRegisterPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Session == "" {
			return
		}
		cache.Unregister(streamcache.Key{Container: source, Session: p.Session})
	}
}

func handleStateUpdate(state *containerstate.Store) control.EventHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) {
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err != nil {
			return
		}
		state.Update(source, fields)
	}
}

type forwardRemovedPayload struct {
	Direction string `json:"direction"`
	HostPort  int    `json:"host_port"`
}

func handleForwardRemoved(ref *managerRef) control.EventHandler {
	return func(ctx control.Context, source string, payload json.RawMessage) {
		var p forwardRemovedPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.Direction == "" || p.HostPort == 0 {
			return
		}
		ref.get().HandleForwardRemoved(source, portforward.Direction(p.Direction), p.HostPort)
	}
}
