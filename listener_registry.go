package herald

import (
	"reflect"
	"regexp"
	"strings"
	"sync"
)

// listenerRegistry maps compiled subject filters to the listeners bound
// against them. Bind/Unbind are serialised
// by mu; MatchingListeners walks the filter list without holding the lock
// across user code.
type listenerRegistry struct {
	mu      sync.Mutex
	entries []*listenerEntry
}

type listenerEntry struct {
	filters  []string
	compiled []*regexp.Regexp
	listener MessageListener
}

// sameListener reports whether two bound listeners are the same value.
// Func-typed listeners (MessageListenerFunc) are not comparable with ==,
// so those compare by code pointer instead.
func sameListener(a, b MessageListener) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return a == nil && b == nil
	}
	if va.Kind() == reflect.Func || vb.Kind() == reflect.Func {
		return va.Kind() == vb.Kind() && va.Pointer() == vb.Pointer()
	}
	if !va.Type().Comparable() || !vb.Type().Comparable() {
		return false
	}
	return a == b
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{}
}

// compileFilter turns a shell-glob subject pattern ("/hello/*") into a
// case-insensitive regular expression
func compileFilter(filter string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range filter {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Bind registers listener against filters, returning an error if any filter
// fails to compile.
func (r *listenerRegistry) Bind(listener MessageListener, filters []string) error {
	compiled := make([]*regexp.Regexp, 0, len(filters))
	for _, f := range filters {
		re, err := compileFilter(f)
		if err != nil {
			return err
		}
		compiled = append(compiled, re)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &listenerEntry{filters: filters, compiled: compiled, listener: listener})
	return nil
}

// Unbind removes every entry registered for listener.
func (r *listenerRegistry) Unbind(listener MessageListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	for _, e := range r.entries {
		if !sameListener(e.listener, listener) {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// MatchingListeners returns the union of listeners whose filters match
// subject. Lookup is linear over registered filters.
func (r *listenerRegistry) MatchingListeners(subject string) []MessageListener {
	r.mu.Lock()
	entries := make([]*listenerEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	var out []MessageListener
	for _, e := range entries {
		for _, re := range e.compiled {
			if re.MatchString(subject) {
				dup := false
				for _, l := range out {
					if sameListener(l, e.listener) {
						dup = true
						break
					}
				}
				if !dup {
					out = append(out, e.listener)
				}
				break
			}
		}
	}
	return out
}
