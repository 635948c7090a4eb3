package staging

import "github.com/KafClaw/KafGenome/internal/evolution"

// CanTransition reports whether a staging environment may move from one
// status to another. The lifecycle only moves forward:
// provisioning -> ready -> in_use -> teardown -> destroyed, with error
// reachable from any non-terminal state. An errored environment may still be
// torn down to release whatever was allocated.
func CanTransition(from, to evolution.StagingStatus) bool {
	switch from {
	case evolution.StagingProvisioning:
		return to == evolution.StagingReady || to == evolution.StagingError
	case evolution.StagingReady:
		return to == evolution.StagingInUse || to == evolution.StagingTeardown || to == evolution.StagingError
	case evolution.StagingInUse:
		return to == evolution.StagingTeardown || to == evolution.StagingError
	case evolution.StagingTeardown:
		return to == evolution.StagingDestroyed || to == evolution.StagingError
	case evolution.StagingError:
		return to == evolution.StagingTeardown
	case evolution.StagingDestroyed:
		return false
	default:
		return false
	}
}

// Active reports whether status holds the (child, capability) key.
func Active(status evolution.StagingStatus) bool {
	switch status {
	case evolution.StagingProvisioning, evolution.StagingReady, evolution.StagingInUse:
		return true
	}
	return false
}
