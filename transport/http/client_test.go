package httptransport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/heraldproject/herald"
)

func testAccessFor(t *testing.T, server *httptest.Server, path string) Access {
	t.Helper()
	u, err := parseHostPort(server.URL)
	if err != nil {
		t.Fatalf("could not parse test server URL %q: %v", server.URL, err)
	}
	return Access{Host: u.host, Port: u.port, Path: path}
}

type hostPort struct {
	host string
	port uint16
}

func parseHostPort(rawURL string) (hostPort, error) {
	u, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return hostPort{}, err
	}
	host := u.URL.Hostname()
	port, err := strconv.Atoi(u.URL.Port())
	if err != nil {
		return hostPort{}, err
	}
	return hostPort{host: host, port: uint16(port)}, nil
}

func TestClientFirePostsEncodedMessage(t *testing.T) {
	var received int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, err := herald.DecodeMessage(readAll(t, r))
		if err != nil {
			t.Errorf("server could not decode posted body: %v", err)
		}
		if m.Subject != "herald/greeting" {
			t.Errorf("unexpected subject: %q", m.Subject)
		}
		if m.Headers[HeaderPort] != "4321" {
			t.Errorf("expected herald-port header %q, got %q", "4321", m.Headers[HeaderPort])
		}
		if m.Headers[HeaderPath] != "/back" {
			t.Errorf("expected herald-path header %q, got %q", "/back", m.Headers[HeaderPath])
		}
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	peer := herald.NewPeer("remote", "remote", "", "", "app", nil)
	peer.SetAccess(AccessID, testAccessFor(t, server, "/herald"))

	client := NewClient("local-uid", 4321, "/back")
	if err := client.Fire(context.Background(), peer, herald.NewMessage("herald/greeting", "hi")); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("expected the server to receive exactly one POST")
	}
}

func TestClientFireFailsWithoutHTTPAccess(t *testing.T) {
	peer := herald.NewPeer("remote", "remote", "", "", "app", nil)
	client := NewClient("local-uid", 0, "")

	err := client.Fire(context.Background(), peer, herald.NewMessage("herald/greeting", "hi"))
	if _, ok := err.(*herald.InvalidPeerAccessError); !ok {
		t.Fatalf("expected *herald.InvalidPeerAccessError, got %T (%v)", err, err)
	}
}

func TestClientFireGroupReturnsOnlyReachedPeers(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	reachable := herald.NewPeer("reachable", "reachable", "", "", "app", nil)
	reachable.SetAccess(AccessID, testAccessFor(t, up, "/herald"))
	unreachable := herald.NewPeer("unreachable", "unreachable", "", "", "app", nil)
	unreachable.SetAccess(AccessID, testAccessFor(t, down, "/herald"))

	client := NewClient("local-uid", 0, "")
	reached, err := client.FireGroup(context.Background(), "group", []*herald.Peer{reachable, unreachable}, herald.NewMessage("herald/greeting", "hi"))
	if err != nil {
		t.Fatalf("FireGroup failed: %v", err)
	}
	if len(reached) != 1 || reached[0].UID() != "reachable" {
		t.Fatalf("expected only %q to be reached, got %v", "reachable", reached)
	}
}

func readAll(t *testing.T, r *http.Request) []byte {
	t.Helper()
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("could not read request body: %v", err)
	}
	return body
}
