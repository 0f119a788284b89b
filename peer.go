package herald

import "sync"

// Reserved group names. NewPeer puts every peer in GroupAll; GroupOthers is
// never added automatically.
const (
	GroupAll    = "all"
	GroupOthers = "others"
)

// AccessSetter is implemented by the directory so that a Peer can notify
// whichever directory registered it of access changes, driving the
// auto-unregister-on-last-access rule from the peer side.
type AccessSetter interface {
	onSetAccess(p *Peer, accessID string, data interface{})
	onUnsetAccess(p *Peer, accessID string)
}

// Peer is a tuple (uid, name, nodeUid, nodeName, appId, groups, accesses).
// Equality and hashing are defined on uid alone;
// callers should key maps by Peer.UID(), never by the pointer or the whole
// struct.
type Peer struct {
	mu sync.RWMutex

	uid      string
	name     string
	nodeUID  string
	nodeName string
	appID    string
	groups   map[string]struct{} // immutable once constructed

	accesses map[string]interface{} // accessID -> opaque access datum

	notifier AccessSetter // directory that owns this peer's indices, or nil
}

// NewPeer builds a peer with the given uid and groups. name/nodeUID/nodeName
// default to uid when empty, per DATA MODEL. The groups set always includes
// "all" and the node uid, regardless of what the caller passed.
func NewPeer(uid, name, nodeUID, nodeName, appID string, groups []string) *Peer {
	if name == "" {
		name = uid
	}
	if nodeUID == "" {
		nodeUID = uid
	}
	if nodeName == "" {
		nodeName = uid
	}

	set := make(map[string]struct{}, len(groups)+2)
	set[GroupAll] = struct{}{}
	set[nodeUID] = struct{}{}
	for _, g := range groups {
		set[g] = struct{}{}
	}

	return &Peer{
		uid:      uid,
		name:     name,
		nodeUID:  nodeUID,
		nodeName: nodeName,
		appID:    appID,
		groups:   set,
		accesses: make(map[string]interface{}),
	}
}

// UID returns the peer's opaque identifier.
func (p *Peer) UID() string { return p.uid }

// Name returns the peer's human label.
func (p *Peer) Name() string { return p.name }

// NodeUID returns the identifier of the peer's host process/machine.
func (p *Peer) NodeUID() string { return p.nodeUID }

// NodeName returns the human label of the peer's host process/machine.
func (p *Peer) NodeName() string { return p.nodeName }

// AppID returns the application tenant tag; peers from a different AppID
// must be ignored by discovery.
func (p *Peer) AppID() string { return p.appID }

// Groups returns a copy of the peer's group set.
func (p *Peer) Groups() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0, len(p.groups))
	for g := range p.groups {
		out = append(out, g)
	}
	return out
}

// InGroup reports whether the peer belongs to the named group.
func (p *Peer) InGroup(group string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.groups[group]
	return ok
}

// Access returns the opaque datum registered under accessID, if any.
func (p *Peer) Access(accessID string) (interface{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.accesses[accessID]
	return data, ok
}

// AccessIDs returns the access ids this peer currently offers, the order the
// dispatcher should try them in when firing a message.
func (p *Peer) AccessIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.accesses))
	for id := range p.accesses {
		ids = append(ids, id)
	}
	return ids
}

// BindNotifier attaches the directory that should be told about access
// mutations. Called once by the directory on Register/RegisterDelayed.
func (p *Peer) BindNotifier(n AccessSetter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifier = n
}

// SetAccess installs or replaces the access datum for accessID and notifies
// the owning directory so its transport-specific sub-directory can index it.
func (p *Peer) SetAccess(accessID string, data interface{}) {
	p.mu.Lock()
	p.accesses[accessID] = data
	notifier := p.notifier
	p.mu.Unlock()

	if notifier != nil {
		notifier.onSetAccess(p, accessID, data)
	}
}

// UnsetAccess removes the access datum for accessID. If this was the peer's
// last access, the owning directory auto-unregisters the peer.
func (p *Peer) UnsetAccess(accessID string) {
	p.mu.Lock()
	delete(p.accesses, accessID)
	notifier := p.notifier
	p.mu.Unlock()

	if notifier != nil {
		notifier.onUnsetAccess(p, accessID)
	}
}

// HasAccess reports whether the peer currently has any access at all.
func (p *Peer) HasAccess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accesses) > 0
}

// Dump renders the peer in the wire form of PeerDump. accessDumper, when
// non-nil, lets each transport's sub-directory render its own access datum
// (e.g. HTTP's host/port/path triple) instead of the raw Go value.
func (p *Peer) Dump(accessDumper func(accessID string, data interface{}) interface{}) PeerDump {
	p.mu.RLock()
	defer p.mu.RUnlock()

	groups := make([]string, 0, len(p.groups))
	for g := range p.groups {
		groups = append(groups, g)
	}

	accesses := make(map[string]interface{}, len(p.accesses))
	for id, data := range p.accesses {
		if accessDumper != nil {
			accesses[id] = accessDumper(id, data)
		} else {
			accesses[id] = data
		}
	}

	return PeerDump{
		UID:      p.uid,
		Name:     p.name,
		NodeUID:  p.nodeUID,
		NodeName: p.nodeName,
		AppID:    p.appID,
		Groups:   groups,
		Accesses: accesses,
	}
}

// PeerDump is the wire/persisted description of a Peer.
type PeerDump struct {
	UID      string                 `json:"uid"`
	Name     string                 `json:"name"`
	NodeUID  string                 `json:"node_uid"`
	NodeName string                 `json:"node_name"`
	AppID    string                 `json:"app_id"`
	Groups   []string               `json:"groups"`
	Accesses map[string]interface{} `json:"accesses"`
}
