// Package herald is a peer-to-peer messaging framework: cooperating
// processes exchange subject-addressed messages over pluggable transports,
// discover each other, and keep a directory of known peers and the accesses
// they offer. Listeners bind to subject glob patterns; fire, send, post and
// reply are the four communication primitives.
package herald

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// noListenerPayload is the content of herald/error/no-listener.
type noListenerPayload struct {
	UID     string `json:"uid"`
	Subject string `json:"subject"`
}

// Dispatcher is the orchestrator of listeners, waiters and transport
// selection. Construct with NewDispatcher; Stop shuts it down.
type Dispatcher struct {
	directory *Directory
	clock     Clock
	log       *logrus.Entry

	transportsMu sync.Mutex
	transports   map[string]Transport // accessID -> transport

	listeners *listenerRegistry
	pool      *notificationPool

	waitersMu sync.Mutex
	waiters   map[string]*waiter

	postsMu sync.Mutex
	posts   map[string]*pendingPost

	contact *contactHelper

	stopMu   sync.Mutex
	stopping bool
}

// DispatcherOption configures NewDispatcher.
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	poolSize int
	clock    Clock
}

// WithPoolSize overrides the listener-notification worker count (default
// DefaultPoolSize).
func WithPoolSize(n int) DispatcherOption {
	return func(c *dispatcherConfig) { c.poolSize = n }
}

// WithClock overrides the dispatcher's clock (default RealClock{}).
func WithClock(clock Clock) DispatcherOption {
	return func(c *dispatcherConfig) { c.clock = clock }
}

// NewDispatcher builds a dispatcher bound to directory.
func NewDispatcher(directory *Directory, opts ...DispatcherOption) *Dispatcher {
	cfg := dispatcherConfig{poolSize: DefaultPoolSize, clock: RealClock{}}
	for _, o := range opts {
		o(&cfg)
	}

	d := &Dispatcher{
		directory:  directory,
		clock:      cfg.clock,
		log:        componentLogger("dispatcher"),
		transports: make(map[string]Transport),
		listeners:  newListenerRegistry(),
		pool:       newNotificationPool(cfg.poolSize),
		waiters:    make(map[string]*waiter),
		posts:      make(map[string]*pendingPost),
	}
	d.contact = newContactHelper(d, directory)
	return d
}

// BeginDiscovery fires step1 of the three-step discovery handshake
// toward a peer uid just learned about on accessID (e.g. a multicast
// heartbeat, or an XMPP room-join presence), with accessData as the single
// access datum needed to reach it.
func (d *Dispatcher) BeginDiscovery(ctx context.Context, peerUID, accessID string, accessData interface{}) error {
	return d.contact.BeginDiscovery(ctx, peerUID, accessID, accessData)
}

// NewDiscoveryAnnouncement builds a step1 message carrying the directory's
// current dump, for transports that broadcast discovery instead of firing
// at one known peer uid (e.g. XMPP's catch-all room announcement).
func (d *Dispatcher) NewDiscoveryAnnouncement() *Message {
	return d.contact.NewAnnouncement()
}

// RegisterDiscoveryPatch installs accessID's dump-patch hook, letting a
// transport fix up a received peer dump before it is registered (e.g. HTTP
// injecting the sender's real network address so NAT-ed senders stay
// reachable).
func (d *Dispatcher) RegisterDiscoveryPatch(accessID string, patch PeerPatch) {
	d.contact.RegisterPatch(accessID, patch)
}

// RegisterTransport adds t, keyed by t.AccessID(). A second registration for
// the same access id replaces the first.
func (d *Dispatcher) RegisterTransport(t Transport) {
	d.transportsMu.Lock()
	defer d.transportsMu.Unlock()
	d.transports[t.AccessID()] = t
}

func (d *Dispatcher) transportFor(accessID string) (Transport, bool) {
	d.transportsMu.Lock()
	defer d.transportsMu.Unlock()
	t, ok := d.transports[accessID]
	return t, ok
}

// Bind registers listener against subject filters.
func (d *Dispatcher) Bind(listener MessageListener, filters ...string) error {
	return d.listeners.Bind(listener, filters)
}

// Unbind removes every filter registered for listener.
func (d *Dispatcher) Unbind(listener MessageListener) {
	d.listeners.Unbind(listener)
}

func (d *Dispatcher) resolveTarget(target string) (*Peer, error) {
	if target == d.directory.GetLocalPeer().UID() {
		return d.directory.GetLocalPeer(), nil
	}
	p, ok := d.directory.GetPeer(target)
	if !ok {
		return nil, NewNoTransportError(target)
	}
	return p, nil
}

// Fire sends msg to target (a peer uid) without waiting for a reply,
// returning the message's uid on success.
func (d *Dispatcher) Fire(ctx context.Context, target string, msg *Message) (string, error) {
	if d.isStopping() {
		return "", NewHeraldTimeoutError("stopping", msg)
	}

	peer, err := d.resolveTarget(target)
	if err != nil {
		return "", err
	}
	return d.fireToPeer(ctx, peer, msg)
}

// fireToPeer is Fire's access-selection loop, usable against a peer object
// directly instead of a directory-resolved uid. contactHelper relies on this
// to reach a peer it has just learned about but not yet registered.
func (d *Dispatcher) fireToPeer(ctx context.Context, peer *Peer, msg *Message) (string, error) {
	if !peer.HasAccess() {
		return "", NewNoTransportError(peer.UID())
	}

	var lastErr error
	for _, accessID := range peer.AccessIDs() {
		transport, ok := d.transportFor(accessID)
		if !ok {
			continue
		}
		err := transport.Fire(ctx, peer, msg)
		if err == nil {
			return msg.UID, nil
		}
		if _, invalid := err.(*InvalidPeerAccessError); invalid {
			lastErr = err
			continue
		}
		return "", err
	}

	if lastErr == nil {
		lastErr = NewNoTransportError(peer.UID())
	}
	return "", lastErr
}

// FireGroup sends msg to every peer in the named group via each transport
// that offers a FireGroup fan-out.
func (d *Dispatcher) FireGroup(ctx context.Context, group string, msg *Message) ([]*Peer, error) {
	if d.isStopping() {
		return nil, NewHeraldTimeoutError("stopping", msg)
	}

	peers := d.directory.GetPeersForGroup(group)
	if len(peers) == 0 {
		return nil, nil
	}

	byAccess := make(map[string][]*Peer)
	for _, p := range peers {
		for _, accessID := range p.AccessIDs() {
			byAccess[accessID] = append(byAccess[accessID], p)
		}
	}

	reachedSet := make(map[string]*Peer)
	for accessID, accessPeers := range byAccess {
		transport, ok := d.transportFor(accessID)
		if !ok {
			continue
		}
		// Skip peers an earlier transport already reached, so a peer
		// carrying both accesses is not delivered to twice.
		pending := accessPeers[:0:0]
		for _, p := range accessPeers {
			if _, done := reachedSet[p.UID()]; !done {
				pending = append(pending, p)
			}
		}
		if len(pending) == 0 {
			continue
		}
		reached, err := transport.FireGroup(ctx, group, pending, msg)
		if err != nil {
			d.log.WithError(err).WithField("access", accessID).Warn("fireGroup partial failure")
		}
		for _, p := range reached {
			reachedSet[p.UID()] = p
		}
	}

	out := make([]*Peer, 0, len(reachedSet))
	for _, p := range reachedSet {
		out = append(out, p)
	}
	return out, nil
}

// Send fires msg to target and blocks until a reply arrives or timeout
// elapses. timeout == 0 returns HeraldTimeoutError immediately without
// waiting.
func (d *Dispatcher) Send(ctx context.Context, target string, msg *Message, timeout time.Duration) (*MessageReceived, error) {
	w := newWaiter()
	d.waitersMu.Lock()
	d.waiters[msg.UID] = w
	d.waitersMu.Unlock()

	defer func() {
		d.waitersMu.Lock()
		delete(d.waiters, msg.UID)
		d.waitersMu.Unlock()
	}()

	if _, err := d.Fire(ctx, target, msg); err != nil {
		w.release(waiterErrored, nil, err)
		return nil, err
	}

	if timeout <= 0 {
		w.release(waiterTimedOut, nil, NewHeraldTimeoutError("timeout", msg))
		return nil, NewHeraldTimeoutError("timeout", msg)
	}

	// Stop releases waiters without knowing their messages; attach ours.
	withMessage := func(err error) error {
		if te, ok := err.(*HeraldTimeoutError); ok && te.Message == nil {
			te.Message = msg
		}
		return err
	}

	select {
	case <-w.resultCh:
		w.mu.Lock()
		result, err := w.result, w.err
		w.mu.Unlock()
		return result, withMessage(err)
	case <-d.clock.After(timeout):
		if w.release(waiterTimedOut, nil, NewHeraldTimeoutError("timeout", msg)) {
			return nil, NewHeraldTimeoutError("timeout", msg)
		}
		// Someone else (a reply, or Stop) already released it first.
		w.mu.Lock()
		result, err := w.result, w.err
		w.mu.Unlock()
		return result, withMessage(err)
	case <-ctx.Done():
		if w.release(waiterTimedOut, nil, NewHeraldTimeoutError("cancelled", msg)) {
			return nil, NewHeraldTimeoutError("cancelled", msg)
		}
		w.mu.Lock()
		result, err := w.result, w.err
		w.mu.Unlock()
		return result, withMessage(err)
	}
}

// Post fires msg to target and arranges for onReply/onError to run on the
// worker pool when a reply or remote error arrives. On a
// synchronous Fire error the callbacks are removed before the error is
// returned to the caller.
func (d *Dispatcher) Post(ctx context.Context, target string, msg *Message, onReply func(*Dispatcher, *MessageReceived), onError func(*Dispatcher, error)) (string, error) {
	d.postsMu.Lock()
	d.posts[msg.UID] = &pendingPost{onReply: onReply, onError: onError}
	d.postsMu.Unlock()

	if _, err := d.Fire(ctx, target, msg); err != nil {
		d.postsMu.Lock()
		delete(d.posts, msg.UID)
		d.postsMu.Unlock()
		return "", err
	}

	return msg.UID, nil
}

// Forget releases any waiter and any post callbacks registered for uid with
// a ForgotMessageError, reporting whether anything was actually waiting.
func (d *Dispatcher) Forget(uid string) bool {
	found := false

	d.waitersMu.Lock()
	w, ok := d.waiters[uid]
	d.waitersMu.Unlock()
	if ok {
		if w.release(waiterForgotten, nil, NewForgotMessageError(uid)) {
			found = true
		}
	}

	d.postsMu.Lock()
	p, ok := d.posts[uid]
	if ok {
		delete(d.posts, uid)
	}
	d.postsMu.Unlock()
	if ok {
		found = true
		if p.onError != nil {
			cb := p.onError
			d.pool.Submit(func() { cb(d, NewForgotMessageError(uid)) })
		}
	}

	return found
}

// Reply sends content back to the sender of original, reusing the access it
// arrived on when possible. If that fast path fails because
// the transport is gone, it falls through to a normal Fire to the sender's
// uid.
func (d *Dispatcher) Reply(ctx context.Context, original *MessageReceived, content interface{}, subject string) error {
	reply := NewReply(original.Message, subject, content)

	if original.Access != "" {
		if transport, ok := d.transportFor(original.Access); ok {
			if err := d.replyViaExtra(ctx, transport, original, reply); err == nil {
				return nil
			}
		}
	}

	_, err := d.Fire(ctx, original.SenderUID, reply)
	return err
}

// replyExtraTransport is implemented by transports that can reply using the
// Extra hint alone (no directory lookup), e.g. HTTP (reply host/port/path)
// and XMPP (sender JID).
type replyExtraTransport interface {
	FireExtra(ctx context.Context, extra interface{}, msg *Message) error
}

func (d *Dispatcher) replyViaExtra(ctx context.Context, transport Transport, original *MessageReceived, reply *Message) error {
	rt, ok := transport.(replyExtraTransport)
	if !ok || original.Extra == nil {
		return NewInvalidPeerAccessError(original.Access, "no extra-based reply support")
	}
	return rt.FireExtra(ctx, original.Extra, reply)
}

// HandleMessage is the inbound path every transport hands MessageReceived
// values to. It must be called from the transport's
// receive thread and must never be allowed to block on user code: listener
// invocations are always handed to the worker pool.
func (d *Dispatcher) HandleMessage(m *MessageReceived) {
	if d.handleInternal(m) {
		return
	}

	if m.ReplyTo != "" {
		d.releaseWaiterAndPost(m.ReplyTo, m, nil)
	}

	listeners := d.listeners.MatchingListeners(m.Subject)
	if len(listeners) == 0 {
		if !IsInternal(m.Subject) {
			d.sendNoListener(m)
		}
		return
	}

	for _, l := range listeners {
		l := l
		d.pool.Submit(func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.WithField("subject", m.Subject).Errorf("listener panicked: %v", r)
				}
			}()
			l.OnMessage(d, m)
		})
	}
}

// handleInternal intercepts the core's own protocol subjects: herald/error/*
// terminates waiters and posts, herald/directory/* goes to the peer-contact
// helper. Every other subject, herald/raw included, flows through the normal
// listener path; it reports whether the message was consumed here.
func (d *Dispatcher) handleInternal(m *MessageReceived) bool {
	switch {
	case strings.HasPrefix(m.Subject, prefixInternalError):
		if m.Subject == SubjectErrorNoListener {
			var payload noListenerPayload
			if b, ok := m.Content.([]byte); ok {
				_ = json.Unmarshal(b, &payload)
			} else if s, ok := m.Content.(string); ok {
				_ = json.Unmarshal([]byte(s), &payload)
			} else if raw, err := json.Marshal(m.Content); err == nil {
				_ = json.Unmarshal(raw, &payload)
			}
			d.releaseWaiterAndPost(payload.UID, nil, NewNoListenerError(payload.UID, payload.Subject))
		}
		return true

	case strings.HasPrefix(m.Subject, prefixInternalDirectory):
		d.contact.handle(m)
		return true
	}
	return false
}

func (d *Dispatcher) releaseWaiterAndPost(uid string, result *MessageReceived, err error) {
	d.waitersMu.Lock()
	w, ok := d.waiters[uid]
	d.waitersMu.Unlock()
	if ok {
		state := waiterResolved
		if err != nil {
			state = waiterErrored
		}
		w.release(state, result, err)
	}

	d.postsMu.Lock()
	p, ok := d.posts[uid]
	if ok {
		delete(d.posts, uid)
	}
	d.postsMu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		if p.onError != nil {
			cb := p.onError
			d.pool.Submit(func() { cb(d, err) })
		}
		return
	}
	if p.onReply != nil {
		cb := p.onReply
		d.pool.Submit(func() { cb(d, result) })
	}
}

func (d *Dispatcher) sendNoListener(m *MessageReceived) {
	payload := noListenerPayload{UID: m.UID, Subject: m.Subject}
	reply := NewMessage(SubjectErrorNoListener, payload)
	if _, err := d.Fire(context.Background(), m.SenderUID, reply); err != nil {
		d.log.WithError(err).Debug("could not signal no-listener back to sender")
	}
}

func (d *Dispatcher) isStopping() bool {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	return d.stopping
}

// Stop shuts the dispatcher down: no new Fire/Send/Post may proceed
// afterwards, every pending waiter is released with a "stopping" timeout,
// every pending post's callback map is cleared, and the worker pool is
// drained (queued tasks dropped, running tasks allowed to finish).
func (d *Dispatcher) Stop() {
	d.stopMu.Lock()
	d.stopping = true
	d.stopMu.Unlock()

	d.waitersMu.Lock()
	waiters := make([]*waiter, 0, len(d.waiters))
	for _, w := range d.waiters {
		waiters = append(waiters, w)
	}
	d.waitersMu.Unlock()

	for _, w := range waiters {
		w.release(waiterTimedOut, nil, NewHeraldTimeoutError("stopping", nil))
	}

	d.postsMu.Lock()
	d.posts = make(map[string]*pendingPost)
	d.postsMu.Unlock()

	d.pool.Stop()
}
