package httptransport

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heraldproject/herald"
	"github.com/heraldproject/herald/transport/multicast"
)

var discoveryLog = logrus.WithField("component", "transport.http.discovery")

// DiscoveryBridge implements multicast.Callbacks, translating multicast
// heart-beat events into the HTTP transport's half of the three-step
// discovery handshake: a new heartbeat kicks off step1 toward
// the announced host/port/path, and an expiry drops the peer's http access
// (letting the directory auto-unregister it once its last access is gone).
type DiscoveryBridge struct {
	dispatcher *herald.Dispatcher
	directory  *herald.Directory
	timeout    time.Duration
}

// NewDiscoveryBridge wires dispatcher and directory into a multicast
// Callbacks implementation.
func NewDiscoveryBridge(dispatcher *herald.Dispatcher, directory *herald.Directory) *DiscoveryBridge {
	return &DiscoveryBridge{dispatcher: dispatcher, directory: directory, timeout: 5 * time.Second}
}

var _ multicast.Callbacks = (*DiscoveryBridge)(nil)

// OnNewPeer implements multicast.Callbacks.
func (b *DiscoveryBridge) OnNewPeer(peerUID, nodeUID, appID, host string, port uint16, path string) {
	if peerUID == b.directory.GetLocalPeer().UID() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	access := Access{Host: host, Port: port, Path: path}
	if err := b.dispatcher.BeginDiscovery(ctx, peerUID, AccessID, access); err != nil {
		discoveryLog.WithError(err).
			WithField("peer", peerUID).
			WithField("addr", fmt.Sprintf("%s:%d", host, port)).
			Warn("discovery: could not reach newly announced peer")
	}
}

// OnPeerExpired implements multicast.Callbacks: drops the peer's http
// access, auto-unregistering it once it has no access left.
func (b *DiscoveryBridge) OnPeerExpired(peerUID string) {
	p, ok := b.directory.GetPeer(peerUID)
	if !ok {
		return
	}
	p.UnsetAccess(AccessID)
}
