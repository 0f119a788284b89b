// Command heraldpeer is a thin smoke-test binary: it brings up one Herald
// peer over HTTP with multicast discovery, binds a listener on herald/ping
// and replies, and fires one herald/ping at start-up to any peer already in
// its group. It exists to exercise the wiring end-to-end, not as a product
// CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"

	"github.com/heraldproject/herald"
	httptransport "github.com/heraldproject/herald/transport/http"
	"github.com/heraldproject/herald/transport/multicast"
)

func main() {
	var (
		appID    = flag.String("app", "heraldpeer", "application id")
		name     = flag.String("name", "", "peer name (defaults to a random uid)")
		bindAddr = flag.String("bind", ":0", "address to bind the HTTP servlet on")
		group    = flag.String("group", "all", "group to ping on start-up")
	)
	flag.Parse()

	peerUID := uuid.New()
	peerName := *name
	if peerName == "" {
		peerName = peerUID
	}

	local := herald.NewPeer(peerUID, peerName, peerUID, peerName, *appID, []string{*group})
	directory := herald.NewDirectory(local)
	dispatcher := herald.NewDispatcher(directory)

	listener, err := net.Listen("tcp", *bindAddr)
	if err != nil {
		log.Fatalf("heraldpeer: could not bind: %v", err)
	}
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	host := localIP()

	const path = "/herald"

	subDir := httptransport.NewSubDirectory()
	directory.RegisterSubDirectory(subDir)
	dispatcher.RegisterDiscoveryPatch(httptransport.AccessID, httptransport.PatchFromHeaders)

	client := httptransport.NewClient(peerUID, port, path)
	dispatcher.RegisterTransport(client)

	servlet := httptransport.NewServlet(dispatcher, subDir, path)
	router := mux.NewRouter()
	servlet.Register(router)
	servlet.RegisterDump(router, directory)
	router.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)

	local.SetAccess(httptransport.AccessID, httptransport.Access{Host: host, Port: port, Path: path})

	go func() {
		if err := http.Serve(listener, router); err != nil {
			logrus.WithError(err).Error("heraldpeer: http servlet stopped")
		}
	}()

	beacon, err := multicast.NewBeacon(multicast.DefaultGroupAddr, multicast.DefaultHeartbeatInterval, nil)
	if err != nil {
		log.Fatalf("heraldpeer: could not start multicast beacon: %v", err)
	}
	bridge := httptransport.NewDiscoveryBridge(dispatcher, directory)
	discovery := multicast.NewDiscovery(beacon, *appID, peerUID, peerUID, 0, bridge)
	discovery.Heartbeat(port, path)
	defer discovery.Stop()

	dispatcher.Bind(herald.MessageListenerFunc(func(d *herald.Dispatcher, m *herald.MessageReceived) {
		fmt.Printf("ping from %s: %v\n", m.SenderUID, m.Content)
		_ = d.Reply(context.Background(), m, "pong", "herald/pong")
	}), "herald/ping")

	if _, err := dispatcher.FireGroup(context.Background(), *group, herald.NewMessage("herald/ping", peerName)); err != nil {
		logrus.WithError(err).Warn("heraldpeer: start-up ping failed")
	}

	fmt.Printf("heraldpeer %s listening on %s:%d%s\n", peerUID, host, port, path)

	select {}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
