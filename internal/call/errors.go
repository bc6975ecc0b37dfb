package call

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/petervdpas/callcore/internal/signal"
)

// ErrorKind is the user-visible failure category.
type ErrorKind string

const (
	KindPermissionDenied     ErrorKind = "permission_denied"
	KindDeviceUnavailable    ErrorKind = "device_unavailable"
	KindSignalingUnavailable ErrorKind = "signaling_unavailable"
	KindNegotiationFailed    ErrorKind = "negotiation_failed"
	KindUnknown              ErrorKind = "unknown"
)

var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrNegotiationFailed    = errors.New("negotiation failed")

	ErrClosed           = errors.New("call closed")
	ErrOfferOutstanding = errors.New("offer already outstanding")
	ErrNoIncomingCall   = errors.New("no such incoming call")
	ErrCallActive       = errors.New("another call is active")
	ErrNoSession        = errors.New("no such call")
)

var kindSentinels = map[ErrorKind]error{
	KindPermissionDenied:     ErrPermissionDenied,
	KindDeviceUnavailable:    ErrDeviceUnavailable,
	KindSignalingUnavailable: ErrSignalingUnavailable,
	KindNegotiationFailed:    ErrNegotiationFailed,
}

// Error carries the failure category of a call operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind, so
// errors.Is(err, ErrPermissionDenied) works on wrapped causes of any origin.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for kind, s := range kindSentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	if errors.Is(err, signal.ErrUnavailable) || errors.Is(err, signal.ErrUnreachable) {
		return KindSignalingUnavailable
	}
	return KindUnknown
}

// deviceError maps a capture failure to PermissionDenied or DeviceUnavailable.
func deviceError(op string, err error) *Error {
	if KindOf(err) == KindPermissionDenied || errors.Is(err, os.ErrPermission) ||
		strings.Contains(strings.ToLower(err.Error()), "permission") {
		return newError(KindPermissionDenied, op, err)
	}
	return newError(KindDeviceUnavailable, op, err)
}

// signalingError wraps a failed Send.
func signalingError(op string, err error) *Error {
	return newError(KindSignalingUnavailable, op, err)
}
