package xmpp

import (
	"encoding/xml"

	"gosrc.io/xmpp/stanza"

	"github.com/heraldproject/herald"
)

// msgDelay is the XEP-0203 delayed-delivery stamp a MUC service attaches to
// room-history replays. Registering it lets the stanza router decode the
// element so isDelayed can detect and drop replayed messages.
type msgDelay struct {
	stanza.MsgExtension
	XMLName xml.Name `xml:"urn:xmpp:delay delay"`
	From    string   `xml:"from,attr,omitempty"`
	Stamp   string   `xml:"stamp,attr,omitempty"`
}

func init() {
	stanza.TypeRegistry.MapExtension(stanza.PKTMessage, xml.Name{Space: "urn:xmpp:delay", Local: "delay"}, msgDelay{})
}

// isDelayed reports whether m carries a delayed-delivery stamp.
func isDelayed(m *stanza.Message) bool {
	var d msgDelay
	return m.Get(&d)
}

// encodeBody renders msg's content for the stanza body: raw messages travel as their literal string content, every
// other subject travels as the same JSON envelope HTTP uses, so a listener
// never has to care which transport a message arrived on.
func encodeBody(msg *herald.Message, senderUID string) (string, error) {
	if msg.Subject == herald.SubjectRaw {
		if s, ok := msg.Content.(string); ok {
			return s, nil
		}
		if b, ok := msg.Content.([]byte); ok {
			return string(b), nil
		}
	}
	body, err := herald.EncodeMessage(msg, senderUID, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// decodeBody parses an inbound stanza's subject/body/thread/parentThread
// into a MessageReceived. An empty subject means raw Returns nil
// for a message carrying an unsupported herald-version.
func decodeBody(subject, body, thread, parentThread, senderJID string) *herald.MessageReceived {
	if subject == "" {
		return &herald.MessageReceived{
			Message: &herald.Message{
				UID:     thread,
				Subject: herald.SubjectRaw,
				Content: body,
				Headers: make(map[string]string),
			},
		}
	}

	m, err := herald.DecodeMessage([]byte(body))
	if err != nil {
		// Only version problems surface as errors (truly malformed bodies
		// fall back to herald/raw inside DecodeMessage); drop those.
		return nil
	}
	if m.UID == "" {
		m.UID = thread
	}
	if m.ReplyTo == "" {
		m.ReplyTo = parentThread
	}
	return m
}
