package types

// buildTransitions is the full transition graph for builds. Both store
// implementations consult it, so there is exactly one place where the
// state machine is defined.
//
//	pending  -> assigned (dispatch), cancelled (cancel)
//	assigned -> building (first heartbeat/log), completed, failed,
//	            pending (reassign)
//	building -> completed, failed, pending (reassign)
//	terminal -> nothing
var buildTransitions = map[BuildStatus]map[BuildStatus]bool{
	BuildStatusPending: {
		BuildStatusAssigned:  true,
		BuildStatusCancelled: true,
	},
	BuildStatusAssigned: {
		BuildStatusBuilding:  true,
		BuildStatusCompleted: true,
		BuildStatusFailed:    true,
		BuildStatusPending:   true,
	},
	BuildStatusBuilding: {
		BuildStatusCompleted: true,
		BuildStatusFailed:    true,
		BuildStatusPending:   true,
	},
	BuildStatusCompleted: {},
	BuildStatusFailed:    {},
	BuildStatusCancelled: {},
}

// CanTransition reports whether a build may move from one status to
// another. Self-transitions are not part of the graph.
func CanTransition(from, to BuildStatus) bool {
	allowed, ok := buildTransitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// ValidateTransition returns an IllegalTransition error when the move
// is not in the graph, nil otherwise.
func ValidateTransition(from, to BuildStatus) error {
	if !CanTransition(from, to) {
		return ErrIllegalTransition(from, to)
	}
	return nil
}
