package xmpp

import (
	"crypto/sha1"
	"encoding/xml"
	"fmt"
	"sync"

	"gosrc.io/xmpp/stanza"
)

// googleMUCService is the Google Talk MUC service hostname that requires
// the UUID-hashed room name special case.
const googleMUCService = "groupchat.google.com"

// roomName renders the MUC local-part for group in application appID:
// "A--G" for a named group, the bare app id "A" for the catch-all. The
// empty group denotes the catch-all.
func roomName(appID, group string) string {
	if group == "" {
		return appID
	}
	return appID + "--" + group
}

// roomJID renders the full room JID local-part@service for group, applying
// the Google Talk hashing special case when mucService is Google's.
func roomJID(appID, group, mucService string) string {
	name := roomName(appID, group)
	if mucService == googleMUCService {
		name = googleMUCUUID(name)
	}
	return name + "@" + mucService
}

// googleMUCUUID hashes name into the UUID-formatted local part Google
// Talk's MUC service requires in place of an arbitrary room name.
func googleMUCUUID(name string) string {
	sum := sha1.Sum([]byte(name))
	return fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}

// roomConfig is the fixed MUC configuration every Herald room is created
// with: unlimited occupants, open membership, invites allowed,
// non-persistent, nicknames fixed to the joining peer's uid.
type roomConfig struct {
	MaxUsers       int
	MembersOnly    bool
	AllowInvites   bool
	Persistent     bool
	ChangeNickname bool
}

var defaultRoomConfig = roomConfig{
	MaxUsers:       0, // unlimited
	MembersOnly:    false,
	AllowInvites:   true,
	Persistent:     false,
	ChangeNickname: false,
}

const mucOwnerNS = "http://jabber.org/protocol/muc#owner"

// mucOwnerQuery is the XEP-0045 room-configuration IQ payload: a
// jabber:x:data submit form nested in a muc#owner query, sent by a room
// owner right after creation to replace the service's own defaults with
// Herald's fixed shape.
type mucOwnerQuery struct {
	XMLName xml.Name     `xml:"http://jabber.org/protocol/muc#owner query"`
	Form    mucOwnerForm `xml:"jabber:x:data x"`
}

// Namespace implements gosrc.io/xmpp's stanza.Extension, letting this type
// ride as an IQ's Payload.
func (mucOwnerQuery) Namespace() string { return mucOwnerNS }

// GetSet implements gosrc.io/xmpp's stanza.IQPayload, letting this type
// ride as an IQ's Payload.
func (mucOwnerQuery) GetSet() *stanza.ResultSet { return nil }

type mucOwnerForm struct {
	XMLName xml.Name       `xml:"jabber:x:data x"`
	Type    string         `xml:"type,attr"`
	Fields  []mucFormField `xml:"field"`
}

type mucFormField struct {
	Var    string   `xml:"var,attr"`
	Values []string `xml:"value"`
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// configForm renders cfg as the jabber:x:data submit form XEP-0045 §10.2
// expects: the hidden FORM_TYPE field identifying the muc#roomconfig
// namespace, then one field per configuration option.
func (cfg roomConfig) configForm() mucOwnerQuery {
	return mucOwnerQuery{
		Form: mucOwnerForm{
			Type: "submit",
			Fields: []mucFormField{
				{Var: "FORM_TYPE", Values: []string{"http://jabber.org/protocol/muc#roomconfig"}},
				{Var: "muc#roomconfig_maxusers", Values: []string{fmt.Sprintf("%d", cfg.MaxUsers)}},
				{Var: "muc#roomconfig_membersonly", Values: []string{boolField(cfg.MembersOnly)}},
				{Var: "muc#roomconfig_allowinvites", Values: []string{boolField(cfg.AllowInvites)}},
				{Var: "muc#roomconfig_persistentroom", Values: []string{boolField(cfg.Persistent)}},
				{Var: "x-muc#roomconfig_canchangenick", Values: []string{boolField(cfg.ChangeNickname)}},
			},
		},
	}
}

// bootstrapTracker counts down the rooms a bot must join (one per group,
// plus the catch-all): only once every room has resolved, success or
// definitive failure, may the service flip to created.
type bootstrapTracker struct {
	mu       sync.Mutex
	pending  int
	anyError error
	done     chan struct{}
	closed   bool
}

func newBootstrapTracker(roomCount int) *bootstrapTracker {
	return &bootstrapTracker{pending: roomCount, done: make(chan struct{})}
}

// Resolve records one room's outcome (nil = success). When every room has
// resolved, Done() unblocks.
func (t *bootstrapTracker) Resolve(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if err != nil && t.anyError == nil {
		t.anyError = err
	}
	t.pending--
	if t.pending <= 0 {
		t.closed = true
		close(t.done)
	}
}

// Done returns a channel closed once every room has resolved.
func (t *bootstrapTracker) Done() <-chan struct{} { return t.done }

// Err returns the first room failure observed, if any. The bot still flips
// to created even if some rooms failed; Err is informational.
func (t *bootstrapTracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.anyError
}
