package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/meshpost/meshpost/internal/deriver"
	"github.com/meshpost/meshpost/internal/inventory"
)

func newTestAdapter(t *testing.T) (*Adapter, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))

	invPath := filepath.Join(t.TempDir(), "inventory.db")
	inv, err := inventory.New(inventory.Config{Path: invPath, Clock: mock})
	if err != nil {
		t.Fatalf("inventory.New: %v", err)
	}
	t.Cleanup(func() { inv.Close() })

	derivPath := filepath.Join(t.TempDir(), "deriver.db")
	d, err := deriver.New(deriver.Config{Path: derivPath, Source: inv})
	if err != nil {
		t.Fatalf("deriver.New: %v", err)
	}
	d.Start(inv.Subscribe())
	t.Cleanup(d.Stop)

	return New(d, inv, nil, nil), mock
}

// roundTrip base64/JSON-encodes a command, runs it through dispatchLine, and
// decodes the single line the adapter writes back.
func roundTrip(t *testing.T, a *Adapter, command string, params interface{}) outbound {
	t.Helper()

	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	req := inbound{Command: command, ID: "req-1", Params: raw}
	reqData, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	line := base64.StdEncoding.EncodeToString(reqData)

	var buf bytes.Buffer
	a.out = &buf
	a.dispatchLine(context.Background(), line)

	scanner := bufio.NewScanner(&buf)
	if !scanner.Scan() {
		t.Fatalf("no output line written for command %q", command)
	}
	decoded, err := base64.StdEncoding.DecodeString(scanner.Text())
	if err != nil {
		t.Fatalf("decode output line: %v", err)
	}
	var out outbound
	if err := json.Unmarshal(decoded, &out); err != nil {
		t.Fatalf("unmarshal outbound: %v", err)
	}
	return out
}

func TestNewInboxAndGetInbox(t *testing.T) {
	a, _ := newTestAdapter(t)

	answer := roundTrip(t, a, "new_inbox", newInboxParams{Label: "mine", Autosave: true})
	if answer.Type != "answer" {
		t.Fatalf("new_inbox: got type %q, error %q", answer.Type, answer.Error)
	}
	data, ok := answer.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("new_inbox: unexpected data shape %T", answer.Data)
	}
	globalIDB64, ok := data["global_id"].(string)
	if !ok || globalIDB64 == "" {
		t.Fatalf("new_inbox: missing global_id in response")
	}
	inboxID, err := base64.StdEncoding.DecodeString(globalIDB64)
	if err != nil {
		t.Fatalf("decode global_id: %v", err)
	}

	getAnswer := roundTrip(t, a, "get_inbox", inboxIDParams{InboxID: inboxID})
	if getAnswer.Type != "answer" {
		t.Fatalf("get_inbox: got type %q, error %q", getAnswer.Type, getAnswer.Error)
	}
	inboxData, ok := getAnswer.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("get_inbox: unexpected data shape %T", getAnswer.Data)
	}
	if inboxData["label"] != "mine" {
		t.Fatalf("get_inbox: expected label %q, got %v", "mine", inboxData["label"])
	}
	if inboxData["autosave_preference"] != "autosave" {
		t.Fatalf("get_inbox: expected autosave preference, got %v", inboxData["autosave_preference"])
	}
}

func TestUnknownCommandReportsError(t *testing.T) {
	a, _ := newTestAdapter(t)

	out := roundTrip(t, a, "not_a_real_command", struct{}{})
	if out.Type != "error" {
		t.Fatalf("expected error type, got %q", out.Type)
	}
	if !strings.Contains(out.Error, "unknown command") {
		t.Fatalf("expected unknown command error, got %q", out.Error)
	}
}

func TestGetInboxNotFoundReportsError(t *testing.T) {
	a, _ := newTestAdapter(t)

	missing := make([]byte, 32)
	out := roundTrip(t, a, "get_inbox", inboxIDParams{InboxID: missing})
	if out.Type != "error" {
		t.Fatalf("expected error type, got %q", out.Type)
	}
}

func TestMalformedLineIsDropped(t *testing.T) {
	a, _ := newTestAdapter(t)

	var buf bytes.Buffer
	a.out = &buf
	a.dispatchLine(context.Background(), "not valid base64 at all!!")

	if buf.Len() != 0 {
		t.Fatalf("expected no output for malformed line, got %q", buf.String())
	}
}

func TestNewContactAndGetContact(t *testing.T) {
	a, _ := newTestAdapter(t)

	inboxAnswer := roundTrip(t, a, "new_inbox", newInboxParams{Label: "peer-source", Autosave: false})
	inboxData := inboxAnswer.Data.(map[string]interface{})
	pubHalf := inboxData["public_half"]
	pubHalfJSON, err := json.Marshal(pubHalf)
	if err != nil {
		t.Fatalf("marshal public_half: %v", err)
	}
	var wirePub wirePublicHalf
	if err := json.Unmarshal(pubHalfJSON, &wirePub); err != nil {
		t.Fatalf("unmarshal public_half: %v", err)
	}

	contactAnswer := roundTrip(t, a, "new_contact", newContactParams{Label: "friend", PublicHalf: wirePub})
	if contactAnswer.Type != "answer" {
		t.Fatalf("new_contact: got type %q, error %q", contactAnswer.Type, contactAnswer.Error)
	}
	contactData := contactAnswer.Data.(map[string]interface{})
	contactIDB64, ok := contactData["global_id"].(string)
	if !ok || contactIDB64 == "" {
		t.Fatalf("new_contact: missing global_id")
	}
	contactID, err := base64.StdEncoding.DecodeString(contactIDB64)
	if err != nil {
		t.Fatalf("decode contact global_id: %v", err)
	}

	getAnswer := roundTrip(t, a, "get_contact", contactIDParams{ContactID: contactID})
	if getAnswer.Type != "answer" {
		t.Fatalf("get_contact: got type %q, error %q", getAnswer.Type, getAnswer.Error)
	}
	gotData := getAnswer.Data.(map[string]interface{})
	if gotData["label"] != "friend" {
		t.Fatalf("get_contact: expected label %q, got %v", "friend", gotData["label"])
	}
}

func TestRequestStateDumpIncludesNewInbox(t *testing.T) {
	a, _ := newTestAdapter(t)

	roundTrip(t, a, "new_inbox", newInboxParams{Label: "dump-me", Autosave: false})

	out := roundTrip(t, a, "request_state_dump", struct{}{})
	if out.Type != "answer" {
		t.Fatalf("request_state_dump: got type %q, error %q", out.Type, out.Error)
	}
	data := out.Data.(map[string]interface{})
	inboxes, ok := data["inboxes"].([]interface{})
	if !ok || len(inboxes) != 1 {
		t.Fatalf("request_state_dump: expected exactly one inbox, got %v", data["inboxes"])
	}
}
