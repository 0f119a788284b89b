package herald

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// dumpPayload is the wire body of every discovery step: a uid->PeerDump map
// produced by Directory.Dump.
type dumpPayload struct {
	Peers map[string]PeerDump `json:"peers"`
}

// PeerPatch lets a transport fix up a received dump before it is registered,
// e.g. HTTP injecting the sender's real network address from the request's
// Extra field so NAT-ed senders stay reachable.
type PeerPatch func(senderExtra interface{}, dump *PeerDump)

// contactHelper implements the three-step discovery handshake shared by the
// HTTP and XMPP transports. It is owned by the dispatcher and talks
// to the directory directly.
type contactHelper struct {
	mu         sync.Mutex
	dispatcher *Dispatcher
	directory  *Directory
	log        *logrus.Entry

	patches map[string]PeerPatch // accessID -> patch hook

	pendingIntroducer map[string]*Notification // introducer uid -> notification kept by the new peer after step1, awaiting step3
}

func newContactHelper(d *Dispatcher, dir *Directory) *contactHelper {
	return &contactHelper{
		dispatcher:        d,
		directory:         dir,
		log:               componentLogger("contact"),
		patches:           make(map[string]PeerPatch),
		pendingIntroducer: make(map[string]*Notification),
	}
}

// RegisterPatch installs the per-transport dump-patch hook for accessID.
func (c *contactHelper) RegisterPatch(accessID string, patch PeerPatch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patches[accessID] = patch
}

// BeginDiscovery is called by a transport when it learns of a brand new peer
// (e.g. a multicast heartbeat from an unknown uid, or an XMPP room-join
// presence): it fires step1, the introducer's half of the handshake.
//
// A brand new peer is, by definition, not registered yet: the directory must
// not index it (and so must not make it visible to listeners or GetPeers)
// until the handshake actually commits it via onStep2/onStep3. So this fires
// directly against a bare, never-registered peer built from the single
// access it was just discovered on, rather than going through the
// directory-resolving Fire. The peer's full registration happens later, in
// onStep2, when its reply arrives.
func (c *contactHelper) BeginDiscovery(ctx context.Context, peerUID, accessID string, accessData interface{}) error {
	peer, ok := c.directory.GetPeer(peerUID)
	if !ok {
		peer = NewPeer(peerUID, peerUID, "", "", c.directory.GetLocalPeer().AppID(), nil)
		peer.SetAccess(accessID, accessData)
	}

	msg := NewMessage(SubjectDiscoveryStep1, dumpPayload{Peers: c.directory.Dump()})
	_, err := c.dispatcher.fireToPeer(ctx, peer, msg)
	return err
}

// NewAnnouncement builds a step1 message carrying this directory's current
// dump, for transports that broadcast discovery rather than addressing a
// single known peer (e.g. XMPP's catch-all room announcement).
func (c *contactHelper) NewAnnouncement() *Message {
	return NewMessage(SubjectDiscoveryStep1, dumpPayload{Peers: c.directory.Dump()})
}

// handle dispatches an inbound discovery/step{1,2,3} message.
func (c *contactHelper) handle(m *MessageReceived) {
	switch m.Subject {
	case SubjectDiscoveryStep1:
		c.onStep1(m)
	case SubjectDiscoveryStep2:
		c.onStep2(m)
	case SubjectDiscoveryStep3:
		c.onStep3(m)
	}
}

// payloadOf extracts the dumpPayload from a discovery message's content.
// Locally-constructed messages (this process replying to itself in tests)
// carry it as a typed dumpPayload already; messages decoded off the wire by
// the wire codec carry it the same way, since the codec special-cases the
// discovery subjects (see wire.go).
func (c *contactHelper) payloadOf(m *MessageReceived) dumpPayload {
	if payload, ok := m.Content.(dumpPayload); ok {
		return payload
	}
	return dumpPayload{}
}

// onStep1: the receiver registers the sender delayed, replies with its own
// dump as step2, and keeps the pending notification under the peer's uid
// until step3 commits it.
func (c *contactHelper) onStep1(m *MessageReceived) {
	payload := c.payloadOf(m)
	for uid, dump := range payload.Peers {
		if uid != m.SenderUID {
			continue // only register the announcing peer itself here
		}
		c.registerRemote(m, dump, func(notification *Notification) {
			c.mu.Lock()
			c.pendingIntroducer[m.SenderUID] = notification
			c.mu.Unlock()

			// The sender is not committed to the directory yet (that is
			// the point of the delayed registration), so the reply goes
			// through the access-selection loop against the pending peer
			// object itself, which carries the accesses from the dump.
			reply := NewMessage(SubjectDiscoveryStep2, dumpPayload{Peers: c.directory.Dump()})
			if _, err := c.dispatcher.fireToPeer(context.Background(), notification.Peer(), reply); err != nil {
				c.log.WithError(err).WithField("peer", m.SenderUID).Warn("could not reply step2")
			}
		})
	}
}

// onStep2: the introducer registers the new peer delayed, fires step3, then
// commits its own notification immediately.
func (c *contactHelper) onStep2(m *MessageReceived) {
	payload := c.payloadOf(m)
	for uid, dump := range payload.Peers {
		if uid != m.SenderUID {
			continue
		}
		c.registerRemote(m, dump, func(notification *Notification) {
			if _, err := c.dispatcher.fireToPeer(context.Background(), notification.Peer(), NewMessage(SubjectDiscoveryStep3, nil)); err != nil {
				c.log.WithError(err).WithField("peer", m.SenderUID).Warn("could not reply step3")
			}
			notification.Notify()
		})
	}
}

// onStep3: the new peer commits the notification it kept from step1,
// making the introducer visible locally.
func (c *contactHelper) onStep3(m *MessageReceived) {
	c.mu.Lock()
	notification, ok := c.pendingIntroducer[m.SenderUID]
	if ok {
		delete(c.pendingIntroducer, m.SenderUID)
	}
	c.mu.Unlock()

	if ok {
		notification.Notify()
	}
}

// registerRemote applies the per-transport dump patch (if any), registers
// the peer delayed, and invokes onRegistered with the resulting
// Notification.
func (c *contactHelper) registerRemote(m *MessageReceived, dump PeerDump, onRegistered func(*Notification)) {
	if dump.AppID != c.directory.GetLocalPeer().AppID() {
		return // different application tenant: discovery must ignore it
	}

	c.mu.Lock()
	patch, ok := c.patches[m.Access]
	c.mu.Unlock()
	if ok && patch != nil {
		patch(m.Extra, &dump)
	}

	peer := NewPeer(dump.UID, dump.Name, dump.NodeUID, dump.NodeName, dump.AppID, dump.Groups)
	for accessID, raw := range dump.Accesses {
		data, err := c.directory.LoadAccess(accessID, raw)
		if err != nil {
			c.log.WithError(err).WithField("access", accessID).Warn("discovery: unusable access in peer dump")
			continue
		}
		peer.SetAccess(accessID, data)
	}

	notification := c.directory.RegisterDelayed(peer)
	onRegistered(notification)
}
