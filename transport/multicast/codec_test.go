package multicast

import "testing"

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := Heartbeat{Port: 4242, Path: "/herald", PeerUID: "peer-1", NodeUID: "node-1", AppID: "app"}

	decoded, err := Decode(EncodeHeartbeat(hb))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	got, ok := decoded.(*Heartbeat)
	if !ok {
		t.Fatalf("expected *Heartbeat, got %T", decoded)
	}
	if *got != hb {
		t.Fatalf("expected %+v, got %+v", hb, *got)
	}
}

func TestLastBeatRoundTrip(t *testing.T) {
	lb := LastBeat{PeerUID: "peer-2", AppID: "app"}

	decoded, err := Decode(EncodeLastBeat(lb))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	got, ok := decoded.(*LastBeat)
	if !ok {
		t.Fatalf("expected *LastBeat, got %T", decoded)
	}
	if *got != lb {
		t.Fatalf("expected %+v, got %+v", lb, *got)
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	packet := EncodeHeartbeat(Heartbeat{PeerUID: "x", AppID: "app"})
	packet[0] = FormatVersion + 1

	if _, err := Decode(packet); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeRejectsTruncatedPacket(t *testing.T) {
	packet := EncodeHeartbeat(Heartbeat{PeerUID: "abcdef", AppID: "app"})

	if _, err := Decode(packet[:len(packet)-2]); err == nil {
		t.Fatalf("expected a malformed-packet error for a truncated heartbeat")
	}
}

func TestDecodeRejectsEmptyPacket(t *testing.T) {
	if _, err := Decode(nil); err != ErrMalformed {
		t.Fatalf("expected ErrMalformed for an empty packet, got %v", err)
	}
}
