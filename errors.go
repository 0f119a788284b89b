package herald

import "fmt"

// HeraldError is the base type for every error the core returns. Concrete
// errors embed it and callers type-switch on the specific variant.
type HeraldError struct {
	text string
}

func (e *HeraldError) Error() string { return e.text }

// NoTransportError is returned when the directory offers no usable transport
// for a target peer: either the peer has no accesses at all, or none of its
// accesses matched a transport the dispatcher currently has registered.
type NoTransportError struct {
	HeraldError
	Target string
}

// NewNoTransportError builds a NoTransportError for the given target.
func NewNoTransportError(target string) *NoTransportError {
	return &NoTransportError{
		HeraldError: HeraldError{text: fmt.Sprintf("no transport available for %q", target)},
		Target:      target,
	}
}

// InvalidPeerAccessError means a specific access description could not be
// used by a transport (bad host, malformed JID, ...). It is recoverable: the
// dispatcher's fire loop moves on to the peer's next access.
type InvalidPeerAccessError struct {
	HeraldError
	AccessID string
}

// NewInvalidPeerAccessError builds an InvalidPeerAccessError for access id.
func NewInvalidPeerAccessError(accessID string, reason string) *InvalidPeerAccessError {
	return &InvalidPeerAccessError{
		HeraldError: HeraldError{text: fmt.Sprintf("invalid %s access: %s", accessID, reason)},
		AccessID:    accessID,
	}
}

// HeraldTimeoutError is raised by send() when its waiter does not resolve
// before the requested timeout, or when the dispatcher is shutting down
// (reported as the "stopping" variant). It carries the original message so
// the caller can retry.
type HeraldTimeoutError struct {
	HeraldError
	Message *Message
}

// NewHeraldTimeoutError builds a HeraldTimeoutError with an explanatory text.
func NewHeraldTimeoutError(text string, msg *Message) *HeraldTimeoutError {
	return &HeraldTimeoutError{
		HeraldError: HeraldError{text: text},
		Message:     msg,
	}
}

// NoListenerError mirrors a remote herald/error/no-listener reply: the peer
// we sent to has no listener bound to the subject we used.
type NoListenerError struct {
	HeraldError
	UID     string
	Subject string
}

// NewNoListenerError builds a NoListenerError for the given request uid/subject.
func NewNoListenerError(uid, subject string) *NoListenerError {
	return &NoListenerError{
		HeraldError: HeraldError{text: fmt.Sprintf("no listener for subject %q (request %s)", subject, uid)},
		UID:         uid,
		Subject:     subject,
	}
}

// ForgotMessageError is delivered to a waiter or post callback released by
// an explicit Forget(uid) call.
type ForgotMessageError struct {
	HeraldError
	UID string
}

// NewForgotMessageError builds a ForgotMessageError for the given uid.
func NewForgotMessageError(uid string) *ForgotMessageError {
	return &ForgotMessageError{
		HeraldError: HeraldError{text: fmt.Sprintf("message %s was forgotten", uid)},
		UID:         uid,
	}
}
