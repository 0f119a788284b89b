package multicast

import (
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

// rawSignal is one received datagram, address plus bytes, handed from the
// listen loop to the dispatch loop.
type rawSignal struct {
	addr string
	data []byte
}

// Beacon sends this node's heartbeat to a UDP multicast group every
// interval and delivers every packet received on the group, unfiltered, via
// Signals(). SendLastBeat writes a one-off packet; Close sends none itself.
type Beacon struct {
	conn     *ipv4.PacketConn
	group    *net.UDPAddr
	iface    *net.Interface
	interval time.Duration

	transmit []byte // current heartbeat payload, refreshed by SetTransmit
	mu       sync.Mutex

	signals chan rawSignal
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewBeacon joins groupAddr (host:port, e.g. "239.0.0.1:42000") on the given
// interval and starts listening immediately. iface may be nil to let the
// kernel pick a default multicast-capable interface.
func NewBeacon(groupAddr string, interval time.Duration, iface *net.Interface) (*Beacon, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, err
	}

	_, portStr, err := net.SplitHostPort(groupAddr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", portStr))
	if err != nil {
		return nil, err
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.SetControlMessage(ipv4.FlagSrc, true); err != nil {
		pconn.Close()
		return nil, err
	}
	if err := pconn.JoinGroup(iface, &net.UDPAddr{IP: udpAddr.IP}); err != nil {
		pconn.Close()
		return nil, err
	}
	pconn.SetMulticastLoopback(true)

	b := &Beacon{
		conn:     pconn,
		group:    &net.UDPAddr{IP: udpAddr.IP, Port: port},
		iface:    iface,
		interval: interval,
		signals:  make(chan rawSignal, 64),
		closeCh:  make(chan struct{}),
	}

	b.wg.Add(2)
	go b.listen()
	go b.send()

	return b, nil
}

// SetTransmit replaces the payload sent on each tick.
func (b *Beacon) SetTransmit(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transmit = payload
}

// Signals returns the channel of raw datagrams received on the group,
// filtered only by the UDP layer itself (no format/appId filtering — that
// is the discovery tracker's job, one layer up).
func (b *Beacon) Signals() <-chan rawSignal {
	return b.signals
}

// SendLastBeat writes payload once, immediately, outside the regular
// interval — used for the graceful-shutdown last-beat.
func (b *Beacon) SendLastBeat(payload []byte) {
	b.conn.WriteTo(payload, nil, b.group)
}

// Close stops the beacon's background loops and releases the socket.
func (b *Beacon) Close() {
	close(b.closeCh)
	b.conn.WriteTo(nil, nil, b.group) // wake the blocking ReadFrom in listen()
	b.wg.Wait()
	b.conn.Close()
}

func (b *Beacon) listen() {
	defer b.wg.Done()

	buf := make([]byte, 512)
	for {
		select {
		case <-b.closeCh:
			return
		default:
		}

		n, cm, _, err := b.conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		select {
		case <-b.closeCh:
			return
		default:
		}
		if n == 0 {
			continue
		}

		addr := ""
		if cm != nil {
			addr = cm.Src.String()
		}

		cp := make([]byte, n)
		copy(cp, buf[:n])

		select {
		case b.signals <- rawSignal{addr: addr, data: cp}:
		default:
			// Drop on a full queue rather than block the receive loop.
		}
	}
}

func (b *Beacon) send() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			payload := b.transmit
			b.mu.Unlock()
			if payload != nil {
				b.conn.WriteTo(payload, nil, b.group)
			}
		}
	}
}
