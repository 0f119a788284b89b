package herald

import "testing"

func TestNewPeerDefaultsNameAndNodeFromUID(t *testing.T) {
	p := NewPeer("uid-1", "", "", "", "app", nil)
	if p.Name() != "uid-1" || p.NodeUID() != "uid-1" || p.NodeName() != "uid-1" {
		t.Fatalf("expected empty name/nodeUID/nodeName to default to uid, got name=%q nodeUID=%q nodeName=%q",
			p.Name(), p.NodeUID(), p.NodeName())
	}
}

func TestNewPeerAlwaysJoinsAllAndNodeGroups(t *testing.T) {
	p := NewPeer("uid-1", "name", "node-1", "", "app", []string{"team-a"})
	if !p.InGroup(GroupAll) {
		t.Fatalf("expected every peer to be in %q", GroupAll)
	}
	if !p.InGroup("node-1") {
		t.Fatalf("expected every peer to be in its own node group")
	}
	if !p.InGroup("team-a") {
		t.Fatalf("expected the explicitly passed group to be present")
	}
}

type recordingNotifier struct {
	set   []string
	unset []string
}

func (n *recordingNotifier) onSetAccess(p *Peer, accessID string, data interface{}) {
	n.set = append(n.set, accessID)
}
func (n *recordingNotifier) onUnsetAccess(p *Peer, accessID string) {
	n.unset = append(n.unset, accessID)
}

func TestSetAccessNotifiesBoundNotifier(t *testing.T) {
	p := NewPeer("uid-1", "", "", "", "app", nil)
	n := &recordingNotifier{}
	p.BindNotifier(n)

	p.SetAccess("http", "datum")
	if len(n.set) != 1 || n.set[0] != "http" {
		t.Fatalf("expected a single onSetAccess(http) call, got %v", n.set)
	}

	data, ok := p.Access("http")
	if !ok || data != "datum" {
		t.Fatalf("expected Access to return the set datum")
	}

	p.UnsetAccess("http")
	if len(n.unset) != 1 || n.unset[0] != "http" {
		t.Fatalf("expected a single onUnsetAccess(http) call, got %v", n.unset)
	}
	if p.HasAccess() {
		t.Fatalf("expected HasAccess to be false once the only access is removed")
	}
}

func TestSetAccessWithoutNotifierDoesNotPanic(t *testing.T) {
	p := NewPeer("uid-1", "", "", "", "app", nil)
	p.SetAccess("http", "datum")
	p.UnsetAccess("http")
}

func TestPeerDumpAppliesAccessDumper(t *testing.T) {
	p := NewPeer("uid-1", "peer-name", "node-1", "node-name", "app-1", []string{"team-a"})
	p.SetAccess("http", "raw-datum")

	dump := p.Dump(func(accessID string, data interface{}) interface{} {
		return accessID + ":" + data.(string)
	})

	if dump.UID != "uid-1" || dump.Name != "peer-name" || dump.AppID != "app-1" {
		t.Fatalf("unexpected dump identity fields: %+v", dump)
	}
	if dump.Accesses["http"] != "http:raw-datum" {
		t.Fatalf("expected the access dumper to reshape the datum, got %v", dump.Accesses["http"])
	}
}
