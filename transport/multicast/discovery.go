package multicast

import (
	"sync"
	"time"
)

// DefaultHeartbeatInterval and DefaultPeerTTL are the default heartbeat
// cadence and liveness expiry.
const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultPeerTTL           = 30 * time.Second
)

// Callbacks lets Discovery stay decoupled from the directory/dispatcher: the
// HTTP transport glue implements this to react to heartbeats and expiries
// without the multicast package importing the core module.
type Callbacks interface {
	// OnNewPeer fires when a heartbeat arrives from a peerUID the tracker
	// has not seen before; the transport glue should kick off the
	// peer-contact step1 handshake toward host:port/path.
	OnNewPeer(peerUID, nodeUID, appID, host string, port uint16, path string)
	// OnPeerExpired fires when peerUID's last-seen time exceeds the TTL, or
	// an explicit last-beat arrives; the transport glue should drop the
	// peer's http access.
	OnPeerExpired(peerUID string)
}

// liveness is the heart-beat liveness map: a plain map guarded by its own
// mutex, reaped by iterating under lock and unregistering peers outside it.
type liveness struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// Discovery runs the heartbeat loop, liveness tracking and TTL reaper for
// one local peer. Peers from a different application id are ignored
// entirely.
type Discovery struct {
	beacon *Beacon
	clock  func() time.Time

	appID   string
	peerUID string
	nodeUID string

	ttl       time.Duration
	callbacks Callbacks

	live *liveness

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewDiscovery wraps beacon with the liveness tracker and TTL reaper. ttl
// defaults to DefaultPeerTTL when zero.
func NewDiscovery(beacon *Beacon, appID, peerUID, nodeUID string, ttl time.Duration, callbacks Callbacks) *Discovery {
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}

	d := &Discovery{
		beacon:    beacon,
		clock:     time.Now,
		appID:     appID,
		peerUID:   peerUID,
		nodeUID:   nodeUID,
		ttl:       ttl,
		callbacks: callbacks,
		live:      &liveness{lastSeen: make(map[string]time.Time)},
		stopCh:    make(chan struct{}),
	}

	d.wg.Add(2)
	go d.receiveLoop()
	go d.reapLoop()

	return d
}

// Heartbeat constructs this node's heartbeat payload and installs it as the
// beacon's transmit payload.
func (d *Discovery) Heartbeat(port uint16, path string) {
	d.beacon.SetTransmit(EncodeHeartbeat(Heartbeat{
		Port:    port,
		Path:    path,
		PeerUID: d.peerUID,
		NodeUID: d.nodeUID,
		AppID:   d.appID,
	}))
}

func (d *Discovery) receiveLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case sig, ok := <-d.beacon.Signals():
			if !ok {
				return
			}
			d.handle(sig)
		}
	}
}

func (d *Discovery) handle(sig rawSignal) {
	decoded, err := Decode(sig.data)
	if err != nil {
		return // unsupported version or malformed: drop silently
	}

	switch pkt := decoded.(type) {
	case *Heartbeat:
		if pkt.PeerUID == d.peerUID || pkt.AppID != d.appID {
			return
		}
		d.live.mu.Lock()
		_, known := d.live.lastSeen[pkt.PeerUID]
		d.live.lastSeen[pkt.PeerUID] = d.clock()
		d.live.mu.Unlock()

		if !known && d.callbacks != nil {
			d.callbacks.OnNewPeer(pkt.PeerUID, pkt.NodeUID, pkt.AppID, sig.addr, pkt.Port, pkt.Path)
		}

	case *LastBeat:
		if pkt.PeerUID == d.peerUID || pkt.AppID != d.appID {
			return
		}
		d.live.mu.Lock()
		delete(d.live.lastSeen, pkt.PeerUID)
		d.live.mu.Unlock()

		if d.callbacks != nil {
			d.callbacks.OnPeerExpired(pkt.PeerUID)
		}
	}
}

func (d *Discovery) reapLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.reapOnce()
		}
	}
}

// reapOnce collects expired peers under the lock, then unregisters them
// outside it.
func (d *Discovery) reapOnce() {
	now := d.clock()

	d.live.mu.Lock()
	var expired []string
	for uid, last := range d.live.lastSeen {
		if now.Sub(last) > d.ttl {
			expired = append(expired, uid)
		}
	}
	for _, uid := range expired {
		delete(d.live.lastSeen, uid)
	}
	d.live.mu.Unlock()

	for _, uid := range expired {
		if d.callbacks != nil {
			d.callbacks.OnPeerExpired(uid)
		}
	}
}

// Stop sends one last-beat and tears down the beacon and background loops.
func (d *Discovery) Stop() {
	d.stopped.Do(func() {
		d.beacon.SendLastBeat(EncodeLastBeat(LastBeat{PeerUID: d.peerUID, AppID: d.appID}))
		close(d.stopCh)
		d.beacon.Close()
		d.wg.Wait()
	})
}
