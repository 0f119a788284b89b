package herald

import (
	"time"

	"github.com/pborman/uuid"
)

// HeraldVersion is the wire-format version every non-raw message must carry
// in headers["herald-version"]. Mismatches are rejected on receipt.
const HeraldVersion = 1

// Well-known subjects.
const (
	SubjectRaw             = "herald/raw"
	SubjectRawReply        = "reply/herald/raw"
	SubjectDiscoveryStep1  = "herald/directory/discovery/step1"
	SubjectDiscoveryStep2  = "herald/directory/discovery/step2"
	SubjectDiscoveryStep3  = "herald/directory/discovery/step3"
	SubjectErrorNoListener = "herald/error/no-listener"

	internalSubjectPrefix   = "herald/"
	prefixInternalError     = "herald/error/"
	prefixInternalDirectory = "herald/directory/"
)

// Message is the outbound message shape: (uid, timestamp, subject, content,
// headers). Construct with NewMessage; Message.uid is generated once and is
// immutable thereafter.
type Message struct {
	UID       string
	Timestamp int64 // milliseconds since epoch at creation
	Subject   string
	Content   interface{}
	Headers   map[string]string
	Metadata  map[string]interface{}

	ReplyTo string // set on replies: the uid of the original request
}

// NewMessage builds a message ready to fire, with a fresh uid and the
// current timestamp. An empty subject is normalised to herald/raw.
func NewMessage(subject string, content interface{}) *Message {
	if subject == "" {
		subject = SubjectRaw
	}
	return &Message{
		UID:       uuid.New(),
		Timestamp: time.Now().UnixMilli(),
		Subject:   subject,
		Content:   content,
		Headers:   make(map[string]string),
		Metadata:  make(map[string]interface{}),
	}
}

// NewReply builds a reply to original, with a fresh uid, ReplyTo set to
// original's uid, and subject defaulted to "reply/"+original.Subject when
// subject is empty.
func NewReply(original *Message, subject string, content interface{}) *Message {
	if subject == "" {
		subject = "reply/" + original.Subject
	}
	m := NewMessage(subject, content)
	m.ReplyTo = original.UID
	return m
}

// IsInternal reports whether subject is in the herald/ namespace reserved
// for the core's own protocol messages.
func IsInternal(subject string) bool {
	return len(subject) >= len(internalSubjectPrefix) && subject[:len(internalSubjectPrefix)] == internalSubjectPrefix
}

// MessageReceived is what a transport hands the dispatcher after decoding an
// inbound wire message: a Message plus the fields only meaningful once
// received.
type MessageReceived struct {
	*Message

	SenderUID string
	Access    string      // access id the message arrived on ("http", "xmpp")
	Extra     interface{} // transport-supplied reply hint (each transport's own *Extra)
}
