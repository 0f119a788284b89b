package herald

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SubDirectory is the per-transport contribution to the directory: given the
// raw access datum persisted in a dump, reconstruct the typed value the
// transport expects.
type SubDirectory interface {
	AccessID() string
	LoadAccess(raw interface{}) (interface{}, error)
	// OnPeerAccessSet/OnPeerAccessUnset let the sub-directory keep its own
	// index (e.g. HTTP's address+port -> peer lookup used to validate
	// senders). Both are optional no-ops for transports that don't need one.
	OnPeerAccessSet(p *Peer, data interface{})
	OnPeerAccessUnset(p *Peer)
}

// Notification is returned by RegisterDelayed; indices are only updated, and
// listeners only informed, once Notify is called. This is the mechanism
// behind the three-step discovery handshake: both sides must commit
// only after the remote side has acknowledged.
type Notification struct {
	dir    *Directory
	peer   *Peer
	fire   bool // whether to actually commit (false = peer already existed)
	notify sync.Once
}

// Notify commits the delayed registration: indices are updated and, if this
// is a genuinely new peer, OnRegistered callbacks fire.
func (n *Notification) Notify() {
	n.notify.Do(func() {
		if !n.fire {
			return
		}
		n.dir.commit(n.peer)
	})
}

// Peer returns the peer this notification is for.
func (n *Notification) Peer() *Peer { return n.peer }

// Directory is the authoritative in-memory peer registry. All
// mutating operations hold mu; read operations return copies of index
// sets so callers can't mutate internal state.
type Directory struct {
	mu sync.Mutex

	localPeer *Peer

	peers   map[string]*Peer            // uid -> peer
	byName  map[string]map[string]*Peer // name -> uid -> peer
	byGroup map[string]map[string]*Peer // group -> uid -> peer
	subDirs map[string]SubDirectory     // accessID -> sub-directory

	onRegistered []func(p *Peer)
	onRemoved    []func(p *Peer)

	log *logrus.Entry
}

// NewDirectory builds a directory around the given local peer. The local
// peer is excluded from Register/RegisterDelayed: a peer describing itself
// is never indexed as a remote.
func NewDirectory(local *Peer) *Directory {
	d := &Directory{
		localPeer: local,
		peers:     make(map[string]*Peer),
		byName:    make(map[string]map[string]*Peer),
		byGroup:   make(map[string]map[string]*Peer),
		subDirs:   make(map[string]SubDirectory),
		log:       componentLogger("directory"),
	}
	return d
}

// RegisterSubDirectory installs the per-transport sub-directory for
// accessID; one transport contributes exactly one.
func (d *Directory) RegisterSubDirectory(sd SubDirectory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subDirs[sd.AccessID()] = sd
}

// OnRegistered registers a callback invoked (outside the lock) whenever a
// new remote peer becomes visible: either via Register, or via
// RegisterDelayed followed by Notify.
func (d *Directory) OnRegistered(fn func(p *Peer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRegistered = append(d.onRegistered, fn)
}

// OnRemoved registers a callback invoked (outside the lock) whenever a peer
// leaves the directory.
func (d *Directory) OnRemoved(fn func(p *Peer)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRemoved = append(d.onRemoved, fn)
}

// GetLocalPeer returns the directory's own local peer.
func (d *Directory) GetLocalPeer() *Peer { return d.localPeer }

// Register inserts the peer described by p if its uid is not local and not
// already present, indexing it by name and group. Re-registering an
// already-known uid is a no-op: idempotent, no error, no duplicate.
func (d *Directory) Register(p *Peer) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registerLocked(p, true)
}

// RegisterDelayed inserts p but defers index updates and OnRegistered
// notifications until the returned Notification's Notify method is called.
// Used by the three-step handshake so a remote peer becomes visible
// locally only once the handshake has progressed far enough.
func (d *Directory) RegisterDelayed(p *Peer) *Notification {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.UID() == d.localPeer.UID() {
		return &Notification{dir: d, peer: d.localPeer, fire: false}
	}
	if existing, ok := d.peers[p.UID()]; ok {
		return &Notification{dir: d, peer: existing, fire: false}
	}

	p.BindNotifier(d)
	return &Notification{dir: d, peer: p, fire: true}
}

func (d *Directory) registerLocked(p *Peer, fireNotify bool) *Peer {
	if p.UID() == d.localPeer.UID() {
		return d.localPeer
	}
	if existing, ok := d.peers[p.UID()]; ok {
		return existing
	}

	p.BindNotifier(d)
	d.indexLocked(p)

	if fireNotify {
		cbs := append([]func(p *Peer){}, d.onRegistered...)
		d.mu.Unlock()
		for _, cb := range cbs {
			cb(p)
		}
		d.mu.Lock()
	}

	return p
}

// commit is called by Notification.Notify to finish a delayed registration.
func (d *Directory) commit(p *Peer) {
	d.mu.Lock()
	if _, ok := d.peers[p.UID()]; ok {
		d.mu.Unlock()
		return
	}
	d.indexLocked(p)
	cbs := append([]func(p *Peer){}, d.onRegistered...)
	d.mu.Unlock()

	d.log.WithField("peer", p.UID()).Debug("peer registered (delayed commit)")

	for _, cb := range cbs {
		cb(p)
	}
}

func (d *Directory) indexLocked(p *Peer) {
	d.peers[p.UID()] = p

	byName, ok := d.byName[p.Name()]
	if !ok {
		byName = make(map[string]*Peer)
		d.byName[p.Name()] = byName
	}
	byName[p.UID()] = p

	for _, g := range p.Groups() {
		byGroup, ok := d.byGroup[g]
		if !ok {
			byGroup = make(map[string]*Peer)
			d.byGroup[g] = byGroup
		}
		byGroup[p.UID()] = p
	}
}

// Unregister removes uid from every index, returning the removed peer, or
// nil if it wasn't present.
func (d *Directory) Unregister(uid string) *Peer {
	d.mu.Lock()
	p, ok := d.peers[uid]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	d.unindexLocked(p)
	cbs := append([]func(p *Peer){}, d.onRemoved...)
	d.mu.Unlock()

	d.log.WithField("peer", p.UID()).Debug("peer unregistered")

	for _, cb := range cbs {
		cb(p)
	}
	return p
}

func (d *Directory) unindexLocked(p *Peer) {
	delete(d.peers, p.UID())

	if byName, ok := d.byName[p.Name()]; ok {
		delete(byName, p.UID())
		if len(byName) == 0 {
			delete(d.byName, p.Name())
		}
	}

	for _, g := range p.Groups() {
		if byGroup, ok := d.byGroup[g]; ok {
			delete(byGroup, p.UID())
			if len(byGroup) == 0 {
				delete(d.byGroup, g)
			}
		}
	}
}

// GetPeer looks up a peer by uid.
func (d *Directory) GetPeer(uid string) (*Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[uid]
	return p, ok
}

// GetPeersForName returns a copy of the set of peers registered under name.
func (d *Directory) GetPeersForName(name string) []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyPeerSet(d.byName[name])
}

// GetPeersForGroup returns a copy of the set of peers in group.
func (d *Directory) GetPeersForGroup(group string) []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyPeerSet(d.byGroup[group])
}

// GetPeers returns a copy of every registered peer.
func (d *Directory) GetPeers() []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyPeerSet(d.peers)
}

func copyPeerSet(set map[string]*Peer) []*Peer {
	out := make([]*Peer, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	return out
}

// Dump renders every known peer (local included) as a uid -> PeerDump map.
func (d *Directory) Dump() map[string]PeerDump {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]PeerDump, len(d.peers)+1)
	out[d.localPeer.UID()] = d.localPeer.Dump(d.dumpAccessLocked)
	for uid, p := range d.peers {
		out[uid] = p.Dump(d.dumpAccessLocked)
	}
	return out
}

// accessDumper is implemented by sub-directories whose access datum needs
// reshaping for the wire (e.g. HTTP's Access struct dumping as a [host,
// port, path] array).
type accessDumper interface {
	DumpAccess(data interface{}) interface{}
}

func (d *Directory) dumpAccessLocked(accessID string, data interface{}) interface{} {
	sd, ok := d.subDirs[accessID]
	if !ok {
		return data
	}
	if dumper, ok := sd.(accessDumper); ok {
		return dumper.DumpAccess(data)
	}
	return data
}

// Load populates the directory from a dump produced by Dump, skipping any
// uid already known (including the local peer's own).
func (d *Directory) Load(dump map[string]PeerDump) {
	for uid, pd := range dump {
		if uid == d.localPeer.UID() {
			continue
		}
		d.mu.Lock()
		_, known := d.peers[uid]
		d.mu.Unlock()
		if known {
			continue
		}

		p := NewPeer(pd.UID, pd.Name, pd.NodeUID, pd.NodeName, pd.AppID, pd.Groups)
		for accessID, raw := range pd.Accesses {
			data, err := d.LoadAccess(accessID, raw)
			if err != nil {
				continue
			}
			p.SetAccess(accessID, data)
		}
		d.Register(p)
	}
}

// LoadAccess converts a dumped access datum through accessID's
// sub-directory, when one is registered; the raw value passes through
// untouched otherwise.
func (d *Directory) LoadAccess(accessID string, raw interface{}) (interface{}, error) {
	d.mu.Lock()
	sd, ok := d.subDirs[accessID]
	d.mu.Unlock()
	if !ok {
		return raw, nil
	}
	return sd.LoadAccess(raw)
}

// onSetAccess implements AccessSetter: forwards to the transport's
// sub-directory, if one is registered for accessID.
func (d *Directory) onSetAccess(p *Peer, accessID string, data interface{}) {
	d.mu.Lock()
	sd, ok := d.subDirs[accessID]
	d.mu.Unlock()
	if ok {
		sd.OnPeerAccessSet(p, data)
	}
}

// onUnsetAccess implements AccessSetter: forwards to the sub-directory, and
// auto-unregisters the peer once its last access is gone.
func (d *Directory) onUnsetAccess(p *Peer, accessID string) {
	d.mu.Lock()
	sd, ok := d.subDirs[accessID]
	d.mu.Unlock()
	if ok {
		sd.OnPeerAccessUnset(p)
	}

	if !p.HasAccess() {
		d.Unregister(p.UID())
	}
}
