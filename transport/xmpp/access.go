// Package xmpp implements Herald's XMPP transport: a long-lived bot
// wrapping gosrc.io/xmpp, group fan-out via Multi-User Chat rooms, and peer
// discovery piggybacked on room presence.
package xmpp

import (
	"fmt"
	"sync"

	"github.com/heraldproject/herald"
)

// AccessID is the access identifier this transport serves.
const AccessID = "xmpp"

// Access is the XMPP-specific access datum: the peer's full JID. It dumps
// as that same JID string.
type Access string

// SubDirectory implements herald.SubDirectory for the "xmpp" access id,
// indexing peers by JID. The peer uid is forced into the JID resource, so
// the two are always derivable from each other, but the index still buys
// O(1) lookup from an inbound stanza's "from" address.
type SubDirectory struct {
	mu    sync.Mutex
	byJID map[string]string // jid -> peer uid
}

// NewSubDirectory builds an empty XMPP sub-directory.
func NewSubDirectory() *SubDirectory {
	return &SubDirectory{byJID: make(map[string]string)}
}

// AccessID implements herald.SubDirectory.
func (s *SubDirectory) AccessID() string { return AccessID }

// LoadAccess implements herald.SubDirectory.
func (s *SubDirectory) LoadAccess(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case Access:
		return v, nil
	case string:
		return Access(v), nil
	default:
		return nil, fmt.Errorf("unsupported xmpp access dump type %T", raw)
	}
}

// OnPeerAccessSet implements herald.SubDirectory.
func (s *SubDirectory) OnPeerAccessSet(p *herald.Peer, data interface{}) {
	jid, ok := data.(Access)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byJID[string(jid)] = p.UID()
}

// OnPeerAccessUnset implements herald.SubDirectory.
func (s *SubDirectory) OnPeerAccessUnset(p *herald.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jid, uid := range s.byJID {
		if uid == p.UID() {
			delete(s.byJID, jid)
		}
	}
}

// PeerForJID returns the uid registered for a JID, if any.
func (s *SubDirectory) PeerForJID(jid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.byJID[jid]
	return uid, ok
}

// DumpAccess implements the directory's accessDumper interface.
func (s *SubDirectory) DumpAccess(data interface{}) interface{} {
	if jid, ok := data.(Access); ok {
		return string(jid)
	}
	return data
}
