package httptransport

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/heraldproject/herald"
)

var servletLog = logrus.WithField("component", "transport.http.servlet")

// Extra is the reply hint attached to every MessageReceived the servlet
// hands the dispatcher: enough to POST straight back to the sender without
// a directory lookup, and enough for the discovery patch
// hook to correct a NAT-ed sender's claimed address. Port and Path
// come from the message's own herald-port/herald-path headers, not from the
// inbound connection's address, since the latter is just an ephemeral
// client socket.
type Extra struct {
	Host      string
	Port      uint16
	Path      string
	ParentUID string
}

// Servlet is the inbound half of the HTTP transport: one HTTP endpoint
// accepting POSTed Herald messages, registered against a gorilla/mux
// router.
type Servlet struct {
	dispatcher *herald.Dispatcher
	subDir     *SubDirectory
	path       string
}

// NewServlet builds a servlet that decodes inbound bodies and hands them to
// dispatcher.HandleMessage. path is the route it is mounted at.
func NewServlet(dispatcher *herald.Dispatcher, subDir *SubDirectory, path string) *Servlet {
	return &Servlet{dispatcher: dispatcher, subDir: subDir, path: path}
}

// Register mounts the servlet's handler on router at its configured path,
// accepting only POST.
func (s *Servlet) Register(router *mux.Router) {
	router.HandleFunc(s.path, s.handle).Methods(http.MethodPost)
}

// RegisterDump mounts the GET route answering 200 application/json with
// the local peer's dump on router at path, alongside the POST route the
// servlet itself handles. Kept as a separate
// method rather than folded into Register so callers that only want the
// POST side (e.g. a peer with no debugging surface) can skip it.
func (s *Servlet) RegisterDump(router *mux.Router, directory *herald.Directory) {
	router.HandleFunc(s.path, dumpHandler(directory)).Methods(http.MethodGet)
}

func dumpHandler(directory *herald.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(w).Encode(directory.Dump()[directory.GetLocalPeer().UID()])
	}
}

func (s *Servlet) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	m, err := herald.DecodeMessage(body)
	if err != nil {
		// Only version problems surface as errors here (truly malformed
		// bodies fall back to herald/raw inside DecodeMessage); those are
		// dropped with a warning.
		servletLog.WithError(err).Warn("dropping inbound message")
		http.Error(w, "unsupported message version", http.StatusBadRequest)
		return
	}

	host, _ := requestAddr(r)
	m.Access = AccessID
	m.Extra = &Extra{
		Host:      host,
		Port:      headerPort(m.Message, r),
		Path:      headerPath(m.Message),
		ParentUID: m.UID,
	}

	s.dispatcher.HandleMessage(m)

	w.WriteHeader(http.StatusOK)
}

// headerPort reads the sender's real servlet port off the message's own
// herald-port header, falling back to the connection's own source
// port only when the header is absent (e.g. a herald/raw fallback message
// with no headers at all).
func headerPort(m *herald.Message, r *http.Request) uint16 {
	if raw, ok := m.Headers[HeaderPort]; ok {
		if port, err := strconv.Atoi(raw); err == nil {
			return uint16(port)
		}
	}
	_, port := requestAddr(r)
	return port
}

// headerPath reads the sender's real servlet path off the message's
// herald-path header; empty when absent (a herald/raw fallback message has
// no headers at all).
func headerPath(m *herald.Message) string {
	if path, ok := m.Headers[HeaderPath]; ok && path != "" {
		return path
	}
	return ""
}

// requestAddr extracts the caller's host and port from r.RemoteAddr. Only
// the host is trustworthy for reply purposes: the port is just the inbound
// connection's ephemeral client socket, not the peer's real servlet port,
// which travels in-band as a header instead — see headerPort.
func requestAddr(r *http.Request) (string, uint16) {
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, uint16(port)
}

// PatchFromHeaders fixes up a received peer dump's http access with the
// address this message actually arrived from, so a peer behind NAT or
// reporting a stale address is still reachable. Installed via
// herald.Dispatcher.RegisterDiscoveryPatch.
func PatchFromHeaders(senderExtra interface{}, dump *herald.PeerDump) {
	extra, ok := senderExtra.(*Extra)
	if !ok {
		return
	}
	raw, ok := dump.Accesses[AccessID]
	if !ok {
		return
	}
	if arr, ok := raw.([]interface{}); ok && len(arr) == 3 {
		if path, ok := arr[2].(string); ok {
			dump.Accesses[AccessID] = []interface{}{extra.Host, extra.Port, path}
		}
	}
}

// ValidateSender reports whether claimedUID is the uid actually registered
// for the address the request arrived from. Transports wire this in ahead of
// HandleMessage if they want to reject spoofed senders outright; the base
// Servlet above trusts the claimed uid and leaves that call to callers that
// need it: an unrecognised sender address means register-on-first-contact,
// not an error.
func (s *Servlet) ValidateSender(claimedUID, host string, port uint16) bool {
	uid, ok := s.subDir.PeerForAddr(host, port)
	if !ok {
		return true
	}
	return uid == claimedUID
}
