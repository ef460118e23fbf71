// Package gridcore holds small cross-cutting types shared by every component:
// the error-kind taxonomy from spec §7. The WebDriver-shaped response
// helpers built on it live in internal/webdriver.
package gridcore

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds from spec §7. Components
// never bubble raw errors to a WebDriver client; they classify into a Kind
// first so the client always receives a consistent errorCode.
type Kind string

const (
	KindParseError             Kind = "ParseError"
	KindBrokerError             Kind = "BrokerError"
	KindQueueTimeout             Kind = "QueueTimeout"
	KindSchedulingTimeout        Kind = "SchedulingTimeout"
	KindHealthCheckTimeout       Kind = "HealthCheckTimeout"
	KindNoProvisionerAvailable   Kind = "NoProvisionerAvailable"
	KindInvalidCapabilities      Kind = "InvalidCapabilities"
	KindResourceUnavailable      Kind = "ResourceUnavailable"
	KindMissingMetadata          Kind = "MissingMetadata"
	KindProvisioningFailed       Kind = "ProvisioningFailed"
	KindStartupTimeout           Kind = "StartupTimeout"
	KindIoError                  Kind = "IoError"
)

// GridError wraps an underlying cause with one of the Kinds above.
type GridError struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *GridError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *GridError) Unwrap() error { return e.Cause }

// New wraps cause (which may be nil) under the given kind with a message.
func New(kind Kind, msg string, cause error) *GridError {
	return &GridError{Kind: kind, Msg: msg, Cause: cause}
}

// Is lets callers use errors.Is(err, gridcore.KindQueueTimeout)-style checks
// by comparing Kind values rather than pointer identity.
func (e *GridError) Is(target error) bool {
	var g *GridError
	if errors.As(target, &g) {
		return g.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindIoError for anything
// that wasn't classified — callers should avoid ever hitting that default.
func KindOf(err error) Kind {
	var g *GridError
	if errors.As(err, &g) {
		return g.Kind
	}
	return KindIoError
}

// LogCode maps a Kind to the fixed log-code
// taxonomy from spec §4.F: QTIMEOUT, OTIMEOUT, NTIMEOUT, QUNAVAILABLE,
// INVALIDCAP, FAILURE.
func LogCode(kind Kind) string {
	switch kind {
	case KindQueueTimeout:
		return "QTIMEOUT"
	case KindSchedulingTimeout:
		return "OTIMEOUT"
	case KindHealthCheckTimeout:
		return "NTIMEOUT"
	case KindNoProvisionerAvailable, KindResourceUnavailable:
		return "QUNAVAILABLE"
	case KindInvalidCapabilities, KindMissingMetadata, KindParseError:
		return "INVALIDCAP"
	default:
		return "FAILURE"
	}
}

// IsStartupFailure reports whether a Kind should be reported to the client
// as errorCode=sessionNotCreated (vs unknownError for forwarding failures).
func IsStartupFailure(kind Kind) bool {
	switch kind {
	case KindQueueTimeout, KindSchedulingTimeout, KindHealthCheckTimeout,
		KindNoProvisionerAvailable, KindInvalidCapabilities, KindResourceUnavailable,
		KindMissingMetadata, KindProvisioningFailed, KindStartupTimeout, KindParseError:
		return true
	default:
		return false
	}
}
