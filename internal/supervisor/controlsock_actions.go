package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentbox/agentboxd/internal/controlsock"
	"github.com/agentbox/agentboxd/internal/external"
	"github.com/agentbox/agentboxd/internal/sshmux"
)

// buildControlsockActions wires the local control socket's (C7) fixed
// action table to the SSH connection manager (C4) and the host-side
// external sinks, per spec §4.7's action list: add_host_port,
// add_container_port, remove_host_port, remove_container_port, notify,
// clipboard_set, get_completions.
func buildControlsockActions(mgr *sshmux.Manager, notifier external.Notifier, clipboard external.ClipboardWriter, comp *completions) map[string]controlsock.Handler {
	return map[string]controlsock.Handler{
		"add_host_port":         handleAddHostPort(mgr),
		"add_container_port":    handleAddContainerPort(mgr),
		"remove_host_port":      handleRemoveHostPort(mgr),
		"remove_container_port": handleRemoveContainerPort(mgr),
		"notify":                handleLocalNotify(notifier),
		"clipboard_set":         handleLocalClipboard(clipboard),
		"get_completions":       handleLocalCompletions(comp),
	}
}

type portActionPayload struct {
	Container     string `json:"container"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
}

func decodePortAction(raw json.RawMessage) (portActionPayload, error) {
	var p portActionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return portActionPayload{}, fmt.Errorf("malformed payload: %w", err)
	}
	if p.Container == "" || p.HostPort == 0 {
		return portActionPayload{}, fmt.Errorf("missing required fields: container, host_port")
	}
	if p.ContainerPort == 0 {
		p.ContainerPort = p.HostPort
	}
	return p, nil
}

func handleAddHostPort(mgr *sshmux.Manager) controlsock.Handler {
	return func(req controlsock.Request) (any, error) {
		p, err := decodePortAction(req.Raw)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), sshmux.PortAddDeadline)
		defer cancel()
		if _, err := mgr.AddHostPort(ctx, p.Container, p.HostPort, p.ContainerPort, fmt.Sprintf("dynamic-%d", p.HostPort)); err != nil {
			return nil, err
		}
		return map[string]string{"message": fmt.Sprintf("Port %d exposed via SSH tunnel", p.HostPort)}, nil
	}
}

func handleAddContainerPort(mgr *sshmux.Manager) controlsock.Handler {
	return func(req controlsock.Request) (any, error) {
		p, err := decodePortAction(req.Raw)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), sshmux.PortAddDeadline)
		defer cancel()
		if _, err := mgr.AddContainerPort(ctx, p.Container, p.HostPort, p.ContainerPort, fmt.Sprintf("dynamic-%d", p.HostPort)); err != nil {
			return nil, err
		}
		return map[string]string{"message": fmt.Sprintf("Host port %d forwarded into container", p.HostPort)}, nil
	}
}

func handleRemoveHostPort(mgr *sshmux.Manager) controlsock.Handler {
	return func(req controlsock.Request) (any, error) {
		p, err := decodePortAction(req.Raw)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), sshmux.PortAddDeadline)
		defer cancel()
		if err := mgr.RemoveHostPort(ctx, p.Container, p.HostPort); err != nil {
			return nil, err
		}
		return map[string]string{"message": fmt.Sprintf("Port %d unexposed", p.HostPort)}, nil
	}
}

func handleRemoveContainerPort(mgr *sshmux.Manager) controlsock.Handler {
	return func(req controlsock.Request) (any, error) {
		p, err := decodePortAction(req.Raw)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), sshmux.PortAddDeadline)
		defer cancel()
		if err := mgr.RemoveContainerPort(ctx, p.Container, p.HostPort); err != nil {
			return nil, err
		}
		return map[string]string{"message": fmt.Sprintf("Port %d unforwarded", p.HostPort)}, nil
	}
}

func handleLocalNotify(notifier external.Notifier) controlsock.Handler {
	return func(req controlsock.Request) (any, error) {
		var p struct {
			Title   string `json:"title"`
			Message string `json:"message"`
			Urgency string `json:"urgency"`
		}
		if err := json.Unmarshal(req.Raw, &p); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
		if p.Title == "" {
			p.Title = "Agentbox"
		}
		if p.Message == "" {
			p.Message = "Notification"
		}
		urgency, err := external.ParseUrgency(p.Urgency)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), external.NotifyTimeout)
		defer cancel()
		if err := notifier.Notify(ctx, p.Title, p.Message, urgency); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func handleLocalClipboard(clipboard external.ClipboardWriter) controlsock.Handler {
	return func(req controlsock.Request) (any, error) {
		var p struct {
			Data      string `json:"data"`
			Selection string `json:"selection"`
		}
		if err := json.Unmarshal(req.Raw, &p); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
		if p.Data == "" {
			return nil, fmt.Errorf("empty_data")
		}
		if p.Selection == "" {
			p.Selection = "primary"
		}
		ctx, cancel := context.WithTimeout(context.Background(), external.ClipboardTimeout)
		defer cancel()
		if err := clipboard.SetClipboard(ctx, p.Data, p.Selection); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func handleLocalCompletions(comp *completions) controlsock.Handler {
	return func(req controlsock.Request) (any, error) {
		var p struct {
			Type    string `json:"type"`
			Project string `json:"project"`
		}
		if err := json.Unmarshal(req.Raw, &p); err != nil {
			return nil, fmt.Errorf("malformed payload: %w", err)
		}
		return comp.lookup(p.Type, p.Project)
	}
}
