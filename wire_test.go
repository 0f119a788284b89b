package herald

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := NewMessage("herald/greeting", map[string]interface{}{"hello": "world"})

	body, err := EncodeMessage(msg, "sender-uid", nil)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}

	if decoded.Subject != msg.Subject {
		t.Fatalf("expected subject %q, got %q", msg.Subject, decoded.Subject)
	}
	if decoded.SenderUID != "sender-uid" {
		t.Fatalf("expected sender-uid to round-trip, got %q", decoded.SenderUID)
	}
	if decoded.UID != msg.UID {
		t.Fatalf("expected uid to round-trip, got %q vs %q", decoded.UID, msg.UID)
	}
}

func TestDecodeMissingVersionHeaderFails(t *testing.T) {
	body := []byte(`{"subject":"herald/greeting","content":{},"headers":{"sender-uid":"x"}}`)

	if _, err := DecodeMessage(body); err == nil {
		t.Fatalf("expected an error for a non-raw message missing herald-version")
	}
}

func TestDecodeVersionMismatchFails(t *testing.T) {
	body := []byte(`{"subject":"herald/greeting","content":{},"headers":{"sender-uid":"x","herald-version":99}}`)

	_, err := DecodeMessage(body)
	if err == nil {
		t.Fatalf("expected a version mismatch error")
	}
	if _, ok := err.(*VersionMismatchError); !ok {
		t.Fatalf("expected *VersionMismatchError, got %T", err)
	}
}

func TestDecodeMalformedBodyFallsBackToRaw(t *testing.T) {
	decoded, err := DecodeMessage([]byte("not json at all"))
	if err != nil {
		t.Fatalf("malformed body should fall back to raw, not error: %v", err)
	}
	if decoded.Subject != SubjectRaw {
		t.Fatalf("expected raw fallback subject, got %q", decoded.Subject)
	}
}

func TestRawSubjectSkipsVersionCheck(t *testing.T) {
	body := []byte(`{"subject":"herald/raw","content":"hi","headers":{"sender-uid":"x"}}`)

	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("raw subject must not require herald-version: %v", err)
	}
	if decoded.Subject != SubjectRaw {
		t.Fatalf("expected raw subject, got %q", decoded.Subject)
	}
}
