package xmpp

import (
	"testing"

	"github.com/heraldproject/herald"
)

func TestEncodeBodyRawPassesContentThrough(t *testing.T) {
	msg := herald.NewMessage(herald.SubjectRaw, "plain text")
	body, err := encodeBody(msg, "sender-uid")
	if err != nil {
		t.Fatalf("encodeBody failed: %v", err)
	}
	if body != "plain text" {
		t.Fatalf("expected raw content to pass through verbatim, got %q", body)
	}
}

func TestEncodeBodyNonRawUsesJSONEnvelope(t *testing.T) {
	msg := herald.NewMessage("herald/greeting", map[string]interface{}{"hi": "there"})
	body, err := encodeBody(msg, "sender-uid")
	if err != nil {
		t.Fatalf("encodeBody failed: %v", err)
	}

	decoded, err := herald.DecodeMessage([]byte(body))
	if err != nil {
		t.Fatalf("expected the encoded body to decode as a normal Herald message: %v", err)
	}
	if decoded.Subject != "herald/greeting" {
		t.Fatalf("unexpected subject: %q", decoded.Subject)
	}
	if decoded.SenderUID != "sender-uid" {
		t.Fatalf("unexpected sender uid: %q", decoded.SenderUID)
	}
}

func TestDecodeBodyEmptySubjectIsRaw(t *testing.T) {
	m := decodeBody("", "hello", "thread-1", "", "sender@example.org")
	if m.Subject != herald.SubjectRaw {
		t.Fatalf("expected raw subject, got %q", m.Subject)
	}
	if m.Content != "hello" {
		t.Fatalf("unexpected content: %v", m.Content)
	}
	if m.UID != "thread-1" {
		t.Fatalf("expected uid to fall back to the stanza thread, got %q", m.UID)
	}
}

func TestDecodeBodyRoundTripsEncodedMessage(t *testing.T) {
	msg := herald.NewMessage("herald/greeting", "hi")
	body, err := encodeBody(msg, "sender-uid")
	if err != nil {
		t.Fatalf("encodeBody failed: %v", err)
	}

	m := decodeBody("herald/greeting", body, "", "", "sender@example.org")
	if m.Subject != "herald/greeting" {
		t.Fatalf("unexpected subject: %q", m.Subject)
	}
	if m.SenderUID != "sender-uid" {
		t.Fatalf("unexpected sender uid: %q", m.SenderUID)
	}
}

func TestDecodeBodyBackfillsUIDAndReplyToFromStanzaThreads(t *testing.T) {
	body, err := herald.EncodeMessage(&herald.Message{Subject: "herald/greeting", Content: "hi"}, "sender-uid", nil)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	m := decodeBody("herald/greeting", string(body), "thread-7", "parent-9", "sender@example.org")
	if m.UID != "thread-7" {
		t.Fatalf("expected uid to backfill from thread, got %q", m.UID)
	}
	if m.ReplyTo != "parent-9" {
		t.Fatalf("expected reply-to to backfill from parentThread, got %q", m.ReplyTo)
	}
}

func TestDecodeBodyMalformedFallsBackToRaw(t *testing.T) {
	m := decodeBody("herald/greeting", "not json", "thread-1", "", "sender@example.org")
	if m.Subject != herald.SubjectRaw {
		t.Fatalf("expected raw fallback for malformed body, got %q", m.Subject)
	}
}
