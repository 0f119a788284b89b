package herald

import (
	"encoding/json"
	"errors"
	"fmt"
)

// wireMessage is the JSON envelope exchanged over the HTTP body and, for
// non-raw XMPP messages, the stanza body.
type wireMessage struct {
	Subject  string                 `json:"subject"`
	Content  interface{}            `json:"content"`
	Headers  map[string]interface{} `json:"headers"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// VersionMismatchError is returned by DecodeMessage when headers["herald-version"]
// is present but does not equal HeraldVersion.
type VersionMismatchError struct {
	HeraldError
	Got interface{}
}

func newVersionMismatchError(got interface{}) *VersionMismatchError {
	return &VersionMismatchError{
		HeraldError: HeraldError{text: fmt.Sprintf("unsupported herald-version %v", got)},
		Got:         got,
	}
}

// EncodeMessage renders m to its wire JSON form. senderUID is the local
// peer's uid, stamped into headers["sender-uid"]. extraHeaders carries
// transport-specific fields (e.g. HTTP's herald-port/herald-path) merged
// into the headers object alongside the required ones.
func EncodeMessage(m *Message, senderUID string, extraHeaders map[string]interface{}) ([]byte, error) {
	headers := make(map[string]interface{}, len(m.Headers)+len(extraHeaders)+4)
	for k, v := range m.Headers {
		headers[k] = v
	}
	for k, v := range extraHeaders {
		headers[k] = v
	}
	headers["herald-version"] = HeraldVersion
	headers["uid"] = m.UID
	headers["timestamp"] = m.Timestamp
	headers["sender-uid"] = senderUID
	if m.ReplyTo != "" {
		headers["replies-to"] = m.ReplyTo
	}

	w := wireMessage{
		Subject:  m.Subject,
		Content:  m.Content,
		Headers:  headers,
		Metadata: m.Metadata,
	}
	return json.Marshal(w)
}

// DecodeMessage parses the wire JSON form produced by EncodeMessage, or
// falls back to a herald/raw message if body does not parse as one at all.
// When it parses as a genuine Herald message with a
// non-raw subject, headers["herald-version"] MUST equal HeraldVersion:
// VersionMismatchError is returned when it differs, and a plain error when
// it is missing.
func DecodeMessage(body []byte) (*MessageReceived, error) {
	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil || w.Subject == "" && w.Headers == nil {
		return rawFallback(body), nil
	}

	m := &Message{
		Subject:  w.Subject,
		Content:  w.Content,
		Headers:  make(map[string]string),
		Metadata: w.Metadata,
	}
	if m.Subject == "" {
		m.Subject = SubjectRaw
	}

	senderUID, _ := w.Headers["sender-uid"].(string)

	if m.Subject != SubjectRaw {
		version, ok := w.Headers["herald-version"]
		if !ok {
			return nil, errors.New("missing herald-version header")
		}
		if !versionMatches(version) {
			return nil, newVersionMismatchError(version)
		}
	}

	if uid, ok := w.Headers["uid"].(string); ok {
		m.UID = uid
	}
	if ts, ok := w.Headers["timestamp"].(float64); ok {
		m.Timestamp = int64(ts)
	}
	if rt, ok := w.Headers["replies-to"].(string); ok {
		m.ReplyTo = rt
	}
	for k, v := range w.Headers {
		if s, ok := v.(string); ok {
			m.Headers[k] = s
		}
	}

	if isDiscoverySubject(m.Subject) {
		m.Content = decodeDumpPayload(w.Content)
	}

	return &MessageReceived{Message: m, SenderUID: senderUID}, nil
}

func versionMatches(v interface{}) bool {
	switch n := v.(type) {
	case float64:
		return int(n) == HeraldVersion
	case int:
		return n == HeraldVersion
	default:
		return false
	}
}

func isDiscoverySubject(subject string) bool {
	switch subject {
	case SubjectDiscoveryStep1, SubjectDiscoveryStep2, SubjectDiscoveryStep3:
		return true
	default:
		return false
	}
}

// decodeDumpPayload re-marshals the generic content (already unmarshalled
// into map[string]interface{} by the outer json.Unmarshal) into the typed
// dumpPayload shape.
func decodeDumpPayload(content interface{}) dumpPayload {
	raw, err := json.Marshal(content)
	if err != nil {
		return dumpPayload{}
	}
	var payload dumpPayload
	_ = json.Unmarshal(raw, &payload)
	return payload
}

// rawFallback builds a herald/raw MessageReceived out of a body that failed
// to parse as a Herald message at all.
func rawFallback(body []byte) *MessageReceived {
	return &MessageReceived{
		Message: &Message{
			UID:     "",
			Subject: SubjectRaw,
			Content: body,
			Headers: make(map[string]string),
		},
	}
}
