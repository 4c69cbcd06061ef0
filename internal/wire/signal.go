package wire

// Signal is the wire-level kill/custom-signal vocabulary.
// Values outside the known ranges are rejected with ErrParamInvalid.
type Signal int

const (
	SignalNone Signal = iota
	SignalShutDown
	SignalShutDownSync
	SignalShutDownAll
	SignalShutDownGroup
	SignalGroupExit
	SignalFamilyExit
	SignalAppStop
	SignalRemoveResourceGroup
	SignalSubscribe
	SignalNotify
	SignalUnsubscribe

	// SignalUserBase is the first value in the user-signal range; any
	// value >= SignalUserBase and < SignalUserMax is accepted as an
	// application-defined signal and forwarded opaquely.
	SignalUserBase Signal = 1000
	SignalUserMax  Signal = 2000
)

func (s Signal) String() string {
	switch s {
	case SignalShutDown:
		return "SHUT_DOWN"
	case SignalShutDownSync:
		return "SHUT_DOWN_SYNC"
	case SignalShutDownAll:
		return "SHUT_DOWN_ALL"
	case SignalShutDownGroup:
		return "SHUT_DOWN_GROUP"
	case SignalGroupExit:
		return "GROUP_EXIT"
	case SignalFamilyExit:
		return "FAMILY_EXIT"
	case SignalAppStop:
		return "APP_STOP"
	case SignalRemoveResourceGroup:
		return "REMOVE_RESOURCE_GROUP"
	case SignalSubscribe:
		return "SUBSCRIBE"
	case SignalNotify:
		return "NOTIFY"
	case SignalUnsubscribe:
		return "UNSUBSCRIBE"
	default:
		if s >= SignalUserBase && s < SignalUserMax {
			return "USER_SIGNAL"
		}
		return "UNKNOWN_SIGNAL"
	}
}

// Valid reports whether s is one of the known wire signals or falls in
// the user-signal range.
func (s Signal) Valid() bool {
	if s >= SignalUserBase && s < SignalUserMax {
		return true
	}
	switch s {
	case SignalShutDown, SignalShutDownSync, SignalShutDownAll, SignalShutDownGroup,
		SignalGroupExit, SignalFamilyExit, SignalAppStop, SignalRemoveResourceGroup,
		SignalSubscribe, SignalNotify, SignalUnsubscribe:
		return true
	default:
		return false
	}
}

// IsShutdown reports whether the signal is one of the exit-pipeline
// triggers handled by the instance controller's exit pipeline rather
// than the generic signal router.
func (s Signal) IsShutdown() bool {
	return s == SignalShutDown || s == SignalShutDownSync
}

// AwaitsExit reports whether the caller of this signal should block
// until the target instance has finished exiting before the RPC
// replies (the "_SYNC" variants).
func (s Signal) AwaitsExit() bool {
	return s == SignalShutDownSync
}

// IsGroupPropagating reports whether the signal should additionally be
// propagated as terminal-state notification to peers within the same
// group/family.
func (s Signal) IsGroupPropagating() bool {
	return s == SignalGroupExit || s == SignalFamilyExit
}
