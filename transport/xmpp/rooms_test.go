package xmpp

import (
	"errors"
	"testing"
	"time"
)

func TestConfigFormRendersFixedRoomShape(t *testing.T) {
	form := defaultRoomConfig.configForm().Form

	want := map[string]string{
		"FORM_TYPE":                  "http://jabber.org/protocol/muc#roomconfig",
		"muc#roomconfig_maxusers":    "0",
		"muc#roomconfig_membersonly": "0",
		"muc#roomconfig_allowinvites": "1",
		"muc#roomconfig_persistentroom": "0",
	}
	got := map[string]string{}
	for _, f := range form.Fields {
		if len(f.Values) != 1 {
			t.Fatalf("field %q: expected exactly one value, got %v", f.Var, f.Values)
		}
		got[f.Var] = f.Values[0]
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %q: expected %q, got %q", k, v, got[k])
		}
	}
}

func TestConfigFormNamespaceIsMUCOwner(t *testing.T) {
	if ns := defaultRoomConfig.configForm().Namespace(); ns != mucOwnerNS {
		t.Fatalf("expected namespace %q, got %q", mucOwnerNS, ns)
	}
}

var errFakeRoom = errors.New("fake room join failure")

func TestRoomNameForGroupAndCatchAll(t *testing.T) {
	if got := roomName("myapp", "chat"); got != "myapp--chat" {
		t.Fatalf("expected %q, got %q", "myapp--chat", got)
	}
	if got := roomName("myapp", ""); got != "myapp" {
		t.Fatalf("expected the bare app id for the catch-all, got %q", got)
	}
}

func TestRoomJIDUsesMUCServiceVerbatimForNonGoogle(t *testing.T) {
	got := roomJID("myapp", "chat", "conference.example.org")
	want := "myapp--chat@conference.example.org"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRoomJIDHashesNameForGoogleMUC(t *testing.T) {
	got := roomJID("myapp", "chat", googleMUCService)
	if got == "myapp--chat@"+googleMUCService {
		t.Fatalf("expected the Google MUC special case to hash the room name")
	}

	want := googleMUCUUID("myapp--chat") + "@" + googleMUCService
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestGoogleMUCUUIDIsDeterministic(t *testing.T) {
	a := googleMUCUUID("myapp--chat")
	b := googleMUCUUID("myapp--chat")
	if a != b {
		t.Fatalf("expected the same input to hash identically, got %q and %q", a, b)
	}
	if googleMUCUUID("myapp--other") == a {
		t.Fatalf("expected different room names to hash differently")
	}
}

func TestBootstrapTrackerUnblocksOnceAllResolve(t *testing.T) {
	tr := newBootstrapTracker(3)

	tr.Resolve(nil)
	select {
	case <-tr.Done():
		t.Fatalf("tracker must not unblock before every room resolves")
	default:
	}

	tr.Resolve(nil)
	tr.Resolve(nil)

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatalf("tracker never unblocked after all rooms resolved")
	}
	if err := tr.Err(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestBootstrapTrackerRemembersFirstErrorButStillUnblocks(t *testing.T) {
	tr := newBootstrapTracker(2)

	firstErr := errFakeRoom
	tr.Resolve(firstErr)
	tr.Resolve(nil)

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatalf("tracker must still unblock even with a failed room")
	}
	if tr.Err() != firstErr {
		t.Fatalf("expected the first room error to be remembered, got %v", tr.Err())
	}
}
