package daemon

import (
	"fmt"
	"strings"

	"github.com/agnaldosb/flysafe-fdi/internal/anomaly"
	"github.com/agnaldosb/flysafe-fdi/internal/proto"
)

// Reason names why a frame was dropped.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonSelf           Reason = "self"
	ReasonNotForUs       Reason = "not_for_us"
	ReasonParse          Reason = "parse"
	ReasonNoKey          Reason = "no_key"
	ReasonAuth           Reason = "auth"
	ReasonBadKey         Reason = "bad_key"
	ReasonSpoofDiscovery Reason = "spoof_discovery"
	ReasonCoverage       Reason = "coverage"
	ReasonOutdated       Reason = "outdated"
	ReasonDuplicate      Reason = "duplicate"
	ReasonConflict       Reason = "conflict"
	ReasonTeleport       Reason = "teleport"
	ReasonBlocked        Reason = "blocked"
	ReasonStale          Reason = "stale"
	ReasonDisabled       Reason = "disabled"
	ReasonUnknownKind    Reason = "unknown_kind"
	ReasonStopped        Reason = "stopped"
	ReasonPassive        Reason = "passive"
)

// IsAnomaly reports whether r came from the behavioral detector.
func (r Reason) IsAnomaly() bool {
	switch r {
	case ReasonSpoofDiscovery, ReasonCoverage, ReasonOutdated, ReasonDuplicate, ReasonConflict, ReasonTeleport:
		return true
	}
	return false
}

// Outcome is the result of handling one datagram.
type Outcome struct {
	Accepted bool
	Kind     proto.Kind
	Reason   Reason
	Err      error
}

func Accepted(k proto.Kind) Outcome {
	return Outcome{Accepted: true, Kind: k}
}

func Dropped(reason Reason, err error) Outcome {
	return Outcome{Reason: reason, Err: err}
}

func (o Outcome) String() string {
	if o.Accepted {
		return "accepted " + o.Kind.String()
	}
	if o.Err != nil {
		return fmt.Sprintf("dropped %s: %v", o.Reason, o.Err)
	}
	return "dropped " + string(o.Reason)
}

type recvError struct {
	msg string
	err error
}

func (e *recvError) Error() string {
	if e == nil {
		return ""
	}
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *recvError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func reasonForAnomaly(r anomaly.Reason) Reason {
	switch r {
	case anomaly.SpoofDiscovery:
		return ReasonSpoofDiscovery
	case anomaly.Coverage:
		return ReasonCoverage
	case anomaly.Outdated:
		return ReasonOutdated
	case anomaly.Duplicate:
		return ReasonDuplicate
	case anomaly.Conflict:
		return ReasonConflict
	case anomaly.Teleport:
		return ReasonTeleport
	default:
		return ReasonNone
	}
}

// classifyDropReason maps a drop to its counter key. Parse failures are not
// counted.
func classifyDropReason(reason Reason, err error) string {
	switch reason {
	case ReasonParse:
		return ""
	case ReasonNone:
	default:
		return string(reason)
	}
	if err == nil {
		return "other"
	}
	low := strings.ToLower(err.Error())
	switch {
	case strings.Contains(low, "open"), strings.Contains(low, "auth"):
		return string(ReasonAuth)
	case strings.Contains(low, "stale"):
		return string(ReasonStale)
	case strings.Contains(low, "pem"), strings.Contains(low, "curve"):
		return string(ReasonBadKey)
	default:
		return "other"
	}
}
