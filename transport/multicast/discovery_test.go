package multicast

import (
	"sync"
	"testing"
	"time"
)

type recordingCallbacks struct {
	mu      sync.Mutex
	newPeer []string
	expired []string
}

func (r *recordingCallbacks) OnNewPeer(peerUID, nodeUID, appID, host string, port uint16, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newPeer = append(r.newPeer, peerUID)
}

func (r *recordingCallbacks) OnPeerExpired(peerUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, peerUID)
}

// newBareDiscovery builds a Discovery without a real beacon or background
// loops, so handle()/reapOnce() can be exercised directly and
// deterministically.
func newBareDiscovery(appID, peerUID string, ttl time.Duration, cb Callbacks) *Discovery {
	return &Discovery{
		clock:     time.Now,
		appID:     appID,
		peerUID:   peerUID,
		ttl:       ttl,
		callbacks: cb,
		live:      &liveness{lastSeen: make(map[string]time.Time)},
		stopCh:    make(chan struct{}),
	}
}

func TestHandleHeartbeatFromUnknownPeerFiresOnNewPeer(t *testing.T) {
	cb := &recordingCallbacks{}
	d := newBareDiscovery("app", "local-peer", time.Minute, cb)

	sig := rawSignal{addr: "10.0.0.5", data: EncodeHeartbeat(Heartbeat{
		Port: 8080, Path: "/herald", PeerUID: "remote-1", NodeUID: "remote-1", AppID: "app",
	})}
	d.handle(sig)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.newPeer) != 1 || cb.newPeer[0] != "remote-1" {
		t.Fatalf("expected exactly one OnNewPeer(remote-1), got %v", cb.newPeer)
	}

	// A second heartbeat from the same peer must not re-fire OnNewPeer.
	d.handle(sig)
	if len(cb.newPeer) != 1 {
		t.Fatalf("expected OnNewPeer to fire only once per peer, got %d calls", len(cb.newPeer))
	}
}

func TestHandleIgnoresOwnHeartbeatAndOtherAppID(t *testing.T) {
	cb := &recordingCallbacks{}
	d := newBareDiscovery("app", "local-peer", time.Minute, cb)

	d.handle(rawSignal{data: EncodeHeartbeat(Heartbeat{PeerUID: "local-peer", AppID: "app"})})
	d.handle(rawSignal{data: EncodeHeartbeat(Heartbeat{PeerUID: "remote-1", AppID: "other-app"})})

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.newPeer) != 0 {
		t.Fatalf("expected no OnNewPeer calls, got %v", cb.newPeer)
	}
}

func TestHandleLastBeatFiresExpiredAndForgetsLiveness(t *testing.T) {
	cb := &recordingCallbacks{}
	d := newBareDiscovery("app", "local-peer", time.Minute, cb)

	d.handle(rawSignal{data: EncodeHeartbeat(Heartbeat{PeerUID: "remote-1", AppID: "app"})})
	d.handle(rawSignal{data: EncodeLastBeat(LastBeat{PeerUID: "remote-1", AppID: "app"})})

	cb.mu.Lock()
	if len(cb.expired) != 1 || cb.expired[0] != "remote-1" {
		cb.mu.Unlock()
		t.Fatalf("expected OnPeerExpired(remote-1), got %v", cb.expired)
	}
	cb.mu.Unlock()

	d.live.mu.Lock()
	defer d.live.mu.Unlock()
	if _, known := d.live.lastSeen["remote-1"]; known {
		t.Fatalf("last-beat must remove the peer from the liveness map")
	}
}

func TestReapOnceExpiresStalePeers(t *testing.T) {
	cb := &recordingCallbacks{}
	d := newBareDiscovery("app", "local-peer", 10*time.Millisecond, cb)

	d.live.mu.Lock()
	d.live.lastSeen["stale-peer"] = time.Now().Add(-time.Hour)
	d.live.mu.Unlock()

	d.reapOnce()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.expired) != 1 || cb.expired[0] != "stale-peer" {
		t.Fatalf("expected reapOnce to expire stale-peer, got %v", cb.expired)
	}
}
