// Package callback routes operation outcomes to the caller-supplied
// success and failure callback ids. A token is live from Register until a
// terminal emission, a cancellation or a release; progress emissions keep
// it live so scans and notifications can report any number of times.
package callback

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/chaz8081/blecentral/internal/ble"
)

// Kind names a class of operation. At most one live token exists per
// (Kind, Device, Target).
type Kind string

const (
	KindScan         Kind = "scan"
	KindStopScan     Kind = "stopScan"
	KindConnect      Kind = "connect"
	KindLink         Kind = "link"
	KindDisconnect   Kind = "disconnect"
	KindRead         Kind = "read"
	KindWrite        Kind = "write"
	KindNotification Kind = "notification"
	KindSubscribe    Kind = "subscribe"
	KindUnsubscribe  Kind = "unsubscribe"
	KindRSSI         Kind = "readRSSI"
)

// Key identifies an operation slot. Device and Target are empty for
// adapter-scoped kinds such as scanning.
type Key struct {
	Kind   Kind
	Device string
	Target string // "service/characteristic" for characteristic-scoped kinds
}

func (k Key) String() string {
	switch {
	case k.Device == "":
		return string(k.Kind)
	case k.Target == "":
		return fmt.Sprintf("%s(%s)", k.Kind, k.Device)
	default:
		return fmt.Sprintf("%s(%s %s)", k.Kind, k.Device, k.Target)
	}
}

// Result is one delivery to the host application.
type Result struct {
	CallbackID int
	OK         bool
	Payload    any
	// Keep tells the host the callback will fire again.
	Keep bool
	// Progress marks an intermediate report (a scan hit or a notification
	// value) that a later report of the same kind supersedes.
	Progress bool
}

// Sink receives results.
type Sink interface {
	Deliver(Result)
}

// Forgetter is implemented by sinks that track callback ids. Forget is
// called when a token is released without a final delivery.
type Forgetter interface {
	Forget(successID, failureID int)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Result)

func (f SinkFunc) Deliver(r Result) { f(r) }

// Token is a registered operation.
type Token struct {
	key       Key
	successID int
	failureID int
	seq       uint64
	retired   bool
}

// Key returns the slot the token occupies.
func (t *Token) Key() Key { return t.key }

// Live reports whether the token can still emit.
func (t *Token) Live() bool { return !t.retired }

// Registry maps operation slots to live tokens. It is not safe for
// concurrent use; the central's event loop owns it.
type Registry struct {
	sink Sink
	live map[Key]*Token
	seq  uint64
}

// NewRegistry creates a registry delivering to sink.
func NewRegistry(sink Sink) *Registry {
	return &Registry{sink: sink, live: make(map[Key]*Token)}
}

// Register claims key for a new operation.
func (r *Registry) Register(successID, failureID int, key Key) (*Token, error) {
	if _, busy := r.live[key]; busy {
		return nil, fmt.Errorf("%w: %s", ble.ErrAlreadyInProgress, key)
	}
	r.seq++
	tok := &Token{key: key, successID: successID, failureID: failureID, seq: r.seq}
	r.live[key] = tok
	return tok, nil
}

// Lookup returns the live token holding key.
func (r *Registry) Lookup(key Key) (*Token, bool) {
	tok, ok := r.live[key]
	return tok, ok
}

// Len returns the number of live tokens.
func (r *Registry) Len() int { return len(r.live) }

// Progress invokes the success callback and keeps the token live.
func (r *Registry) Progress(tok *Token, payload any) error {
	if err := r.check(tok, "progress"); err != nil {
		return err
	}
	r.sink.Deliver(Result{CallbackID: tok.successID, OK: true, Payload: payload, Keep: true, Progress: true})
	return nil
}

// Terminal retires the token, then invokes the success or failure
// callback.
func (r *Registry) Terminal(tok *Token, ok bool, payload any) error {
	if err := r.check(tok, "terminal"); err != nil {
		return err
	}
	r.retire(tok)
	id := tok.failureID
	if ok {
		id = tok.successID
	}
	r.sink.Deliver(Result{CallbackID: id, OK: ok, Payload: payload})
	return nil
}

// Fail is Terminal with a failure payload built from err.
func (r *Registry) Fail(tok *Token, err error) error {
	return r.Terminal(tok, false, err.Error())
}

// Cancel retires the token and invokes its failure callback with payload.
func (r *Registry) Cancel(tok *Token, payload any) error {
	if err := r.check(tok, "cancel"); err != nil {
		return err
	}
	r.retire(tok)
	r.sink.Deliver(Result{CallbackID: tok.failureID, OK: false, Payload: payload})
	return nil
}

// Handoff retires tok with a success delivery that keeps the callback and
// registers the same callback ids under next. A successful connect hands
// its callbacks over to the link it established.
func (r *Registry) Handoff(tok *Token, payload any, next Key) (*Token, error) {
	if err := r.check(tok, "handoff"); err != nil {
		return nil, err
	}
	if cur, busy := r.live[next]; busy && cur != tok {
		return nil, fmt.Errorf("%w: %s", ble.ErrAlreadyInProgress, next)
	}
	r.retire(tok)
	r.sink.Deliver(Result{CallbackID: tok.successID, OK: true, Payload: payload, Keep: true})
	return r.Register(tok.successID, tok.failureID, next)
}

// Release retires the token without invoking anything. Used when a
// persistent callback is stopped by its owner.
func (r *Registry) Release(tok *Token) {
	if tok.retired {
		return
	}
	r.retire(tok)
	if f, ok := r.sink.(Forgetter); ok {
		f.Forget(tok.successID, tok.failureID)
	}
}

// CancelDevice cancels every live token scoped to device, except those of
// the kinds in spare, and returns how many it cancelled.
func (r *Registry) CancelDevice(device string, payload any, spare ...Kind) int {
	var doomed []*Token
	for key, tok := range r.live {
		if key.Device == device && !slices.Contains(spare, key.Kind) {
			doomed = append(doomed, tok)
		}
	}
	// Deliver in registration order.
	sort.Slice(doomed, func(i, j int) bool { return doomed[i].seq < doomed[j].seq })
	for _, tok := range doomed {
		_ = r.Cancel(tok, payload)
	}
	return len(doomed)
}

// Deliver sends a result for a call that never claimed a slot, such as a
// rejected request or a status query.
func (r *Registry) Deliver(callbackID int, ok bool, payload any) {
	r.sink.Deliver(Result{CallbackID: callbackID, OK: ok, Payload: payload})
}

func (r *Registry) check(tok *Token, op string) error {
	if tok == nil || tok.retired {
		key := Key{}
		if tok != nil {
			key = tok.key
		}
		slog.Debug("[BLE] stale callback", "op", op, "key", key.String())
		return fmt.Errorf("%w: %s on %s", ble.ErrStaleCallback, op, key)
	}
	return nil
}

func (r *Registry) retire(tok *Token) {
	tok.retired = true
	if r.live[tok.key] == tok {
		delete(r.live, tok.key)
	}
}
