package supervisor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentbox/agentboxd/internal/controlsock"
	"github.com/agentbox/agentboxd/internal/external"
)

func TestDecodePortActionDefaultsContainerPort(t *testing.T) {
	p, err := decodePortAction(json.RawMessage(`{"container":"agentbox-demo","host_port":4000}`))
	if err != nil {
		t.Fatalf("decodePortAction: %v", err)
	}
	if p.ContainerPort != 4000 {
		t.Fatalf("expected container_port to default to host_port 4000, got %d", p.ContainerPort)
	}
}

func TestDecodePortActionRejectsMissingFields(t *testing.T) {
	if _, err := decodePortAction(json.RawMessage(`{"container":"agentbox-demo"}`)); err == nil {
		t.Fatal("expected an error for a missing host_port")
	}
}

func TestHandleLocalClipboardRejectsEmptyData(t *testing.T) {
	handler := handleLocalClipboard(noopClipboard{})
	_, err := handler(controlsock.Request{Raw: json.RawMessage(`{"data":""}`)})
	if err == nil {
		t.Fatal("expected an error for empty clipboard data")
	}
}

func TestHandleLocalClipboardDefaultsSelection(t *testing.T) {
	var gotSelection string
	recorder := clipboardRecorder{record: func(_ context.Context, data, selection string) error {
		gotSelection = selection
		return nil
	}}
	handler := handleLocalClipboard(recorder)
	if _, err := handler(controlsock.Request{Raw: json.RawMessage(`{"data":"hello"}`)}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotSelection != "primary" {
		t.Fatalf("expected selection to default to primary, got %q", gotSelection)
	}
}

func TestHandleLocalNotifyDefaultsTitleAndMessage(t *testing.T) {
	var gotTitle, gotMessage string
	recorder := notifyRecorder{record: func(_ context.Context, title, message string, urgency external.Urgency) error {
		gotTitle = title
		gotMessage = message
		return nil
	}}
	handler := handleLocalNotify(recorder)
	if _, err := handler(controlsock.Request{Raw: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotTitle != "Agentbox" || gotMessage != "Notification" {
		t.Fatalf("expected default title/message, got %q/%q", gotTitle, gotMessage)
	}
}

type clipboardRecorder struct {
	record func(ctx context.Context, data, selection string) error
}

func (c clipboardRecorder) SetClipboard(ctx context.Context, data, selection string) error {
	return c.record(ctx, data, selection)
}

type notifyRecorder struct {
	record func(ctx context.Context, title, message string, urgency external.Urgency) error
}

func (n notifyRecorder) Notify(ctx context.Context, title, message string, urgency external.Urgency) error {
	return n.record(ctx, title, message, urgency)
}
