// Package httptransport implements Herald's HTTP transport: the
// inbound servlet, the outbound client, and the access (host/port/path)
// sub-directory every transport contributes.
package httptransport

import (
	"fmt"
	"sync"

	"github.com/heraldproject/herald"
)

// AccessID is the access identifier this transport serves.
const AccessID = "http"

// HeaderPort and HeaderPath carry the sender's real servlet port/path
// inside the wire message's own headers object: the inbound TCP
// connection's source port is just an ephemeral client socket, not the
// peer's listening port, so the client stamps its real access here instead
// of relying on the request's remote address.
const (
	HeaderPort = "herald-port"
	HeaderPath = "herald-path"
)

// Access is the HTTP-specific access datum: host + port + servlet path.
// Dumps as the 3-element array [host, port, path].
type Access struct {
	Host string
	Port uint16
	Path string
}

// URL renders the endpoint this access describes.
func (a Access) URL() string {
	return fmt.Sprintf("http://%s:%d%s", a.Host, a.Port, a.Path)
}

// SubDirectory implements herald.SubDirectory for the "http" access id: it
// indexes peers by host+port so the servlet can validate an inbound
// message's claimed sender uid against the address it actually arrived
// from.
type SubDirectory struct {
	mu     sync.Mutex
	byAddr map[string]string // "host:port" -> peer uid
}

// NewSubDirectory builds an empty HTTP sub-directory.
func NewSubDirectory() *SubDirectory {
	return &SubDirectory{byAddr: make(map[string]string)}
}

// AccessID implements herald.SubDirectory.
func (s *SubDirectory) AccessID() string { return AccessID }

// LoadAccess implements herald.SubDirectory: converts the raw dumped form
// (a 3-element []interface{} of host, port, path, or an Access already) into
// a typed Access.
func (s *SubDirectory) LoadAccess(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case Access:
		return v, nil
	case []interface{}:
		if len(v) != 3 {
			return nil, fmt.Errorf("http access dump must have 3 elements, got %d", len(v))
		}
		host, _ := v[0].(string)
		path, _ := v[2].(string)
		return Access{Host: host, Port: dumpPort(v[1]), Path: path}, nil
	default:
		return nil, fmt.Errorf("unsupported http access dump type %T", raw)
	}
}

// dumpPort coerces the port element of an access dump: JSON decoding yields
// float64, while a locally patched dump carries the uint16 straight from an
// Extra.
func dumpPort(v interface{}) uint16 {
	switch n := v.(type) {
	case float64:
		return uint16(n)
	case int:
		return uint16(n)
	case uint16:
		return n
	default:
		return 0
	}
}

// OnPeerAccessSet implements herald.SubDirectory.
func (s *SubDirectory) OnPeerAccessSet(p *herald.Peer, data interface{}) {
	access, ok := data.(Access)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAddr[addrKey(access.Host, access.Port)] = p.UID()
}

// OnPeerAccessUnset implements herald.SubDirectory.
func (s *SubDirectory) OnPeerAccessUnset(p *herald.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, uid := range s.byAddr {
		if uid == p.UID() {
			delete(s.byAddr, k)
		}
	}
}

// PeerForAddr returns the uid registered for host:port, used by the servlet
// to validate an inbound sender claim.
func (s *SubDirectory) PeerForAddr(host string, port uint16) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid, ok := s.byAddr[addrKey(host, port)]
	return uid, ok
}

func addrKey(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// DumpAccess implements the directory's accessDumper interface: renders an
// Access in the wire [host, port, path] form.
func (s *SubDirectory) DumpAccess(data interface{}) interface{} {
	a, ok := data.(Access)
	if !ok {
		return data
	}
	return []interface{}{a.Host, a.Port, a.Path}
}
