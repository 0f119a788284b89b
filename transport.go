package herald

import "context"

// Transport is the unified contract every access-id implementation
// (http, xmpp) satisfies.
//
// Fire must return *InvalidPeerAccessError when peer has no usable access
// for this transport's id, so the dispatcher's fire loop can move on to the
// peer's next access; any other error is surfaced to the caller of Fire.
type Transport interface {
	// AccessID names the access this transport serves ("http", "xmpp").
	AccessID() string

	// Fire sends msg to a single peer over this transport.
	Fire(ctx context.Context, peer *Peer, msg *Message) error

	// FireGroup sends msg to every peer in peers as a single fan-out
	// operation where the transport supports it (XMPP groupchat) or a
	// bounded-concurrency burst of unicasts otherwise (HTTP). It returns
	// the subset of peers actually reached.
	FireGroup(ctx context.Context, group string, peers []*Peer, msg *Message) (reached []*Peer, err error)
}

// MessageListener is bound to the dispatcher against one or more subject
// glob filters; OnMessage runs on the dispatcher's worker pool, never on the
// transport's receive thread.
type MessageListener interface {
	OnMessage(d *Dispatcher, m *MessageReceived)
}

// MessageListenerFunc adapts a function to a MessageListener.
type MessageListenerFunc func(d *Dispatcher, m *MessageReceived)

// OnMessage calls f.
func (f MessageListenerFunc) OnMessage(d *Dispatcher, m *MessageReceived) { f(d, m) }
