package evolution

import "strings"

// BehaviorType classifies a child-reported learned behavior.
type BehaviorType string

const (
	BehaviorOptimization        BehaviorType = "optimization"
	BehaviorErrorRecovery       BehaviorType = "error_recovery"
	BehaviorComplianceShortcut  BehaviorType = "compliance_shortcut"
	BehaviorPerformanceTuning   BehaviorType = "performance_tuning"
	BehaviorSecurityPattern     BehaviorType = "security_pattern"
	BehaviorWorkflowImprovement BehaviorType = "workflow_improvement"
	BehaviorConfiguration       BehaviorType = "configuration"
	BehaviorOther               BehaviorType = "other"
)

// ParseBehaviorType normalizes s and rejects anything outside the fixed enum.
func ParseBehaviorType(s string) (BehaviorType, error) {
	bt := BehaviorType(strings.ToLower(strings.TrimSpace(s)))
	switch bt {
	case BehaviorOptimization, BehaviorErrorRecovery, BehaviorComplianceShortcut,
		BehaviorPerformanceTuning, BehaviorSecurityPattern, BehaviorWorkflowImprovement,
		BehaviorConfiguration, BehaviorOther:
		return bt, nil
	default:
		return "", Invalid("unknown behavior_type %q", s)
	}
}

// EvaluationType labels how a capability evaluation was produced.
type EvaluationType string

const (
	EvalAutomated        EvaluationType = "automated"
	EvalManual           EvaluationType = "manual"
	EvalABTest           EvaluationType = "a_b_test"
	EvalStaging          EvaluationType = "staging"
	EvalProductionCanary EvaluationType = "production_canary"
)

// ParseEvaluationType defaults an empty value to automated.
func ParseEvaluationType(s string) (EvaluationType, error) {
	et := EvaluationType(strings.ToLower(strings.TrimSpace(s)))
	switch et {
	case "":
		return EvalAutomated, nil
	case EvalAutomated, EvalManual, EvalABTest, EvalStaging, EvalProductionCanary:
		return et, nil
	default:
		return "", Invalid("unknown evaluation_type %q", s)
	}
}

// Verdict is the outcome of a capability evaluation.
type Verdict string

const (
	VerdictPending     Verdict = "pending"
	VerdictApproved    Verdict = "approved"
	VerdictRejected    Verdict = "rejected"
	VerdictNeedsReview Verdict = "needs_review"
	VerdictDeferred    Verdict = "deferred"
)

// ParseVerdict accepts any known verdict.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case VerdictPending, VerdictApproved, VerdictRejected, VerdictNeedsReview, VerdictDeferred:
		return v, nil
	default:
		return "", Invalid("unknown verdict %q", s)
	}
}

// GenomeStatus is the lifecycle status of a canonical capability.
type GenomeStatus string

const (
	GenomeActive       GenomeStatus = "active"
	GenomeDeprecated   GenomeStatus = "deprecated"
	GenomeExperimental GenomeStatus = "experimental"
	GenomeArchived     GenomeStatus = "archived"
)

// StagingStatus is the lifecycle status of a staging environment.
type StagingStatus string

const (
	StagingProvisioning StagingStatus = "provisioning"
	StagingReady        StagingStatus = "ready"
	StagingInUse        StagingStatus = "in_use"
	StagingTeardown     StagingStatus = "teardown"
	StagingDestroyed    StagingStatus = "destroyed"
	StagingError        StagingStatus = "error"
)

// SourceType says where a propagated capability came from.
type SourceType string

const (
	SourceGenome       SourceType = "genome"
	SourceChildLearned SourceType = "child_learned"
	SourceMarketplace  SourceType = "marketplace"
	SourceManual       SourceType = "manual"
	SourceRollback     SourceType = "rollback"
)

// PropagationStatus is the lifecycle status of a ledger row.
type PropagationStatus string

const (
	PropagationPending    PropagationStatus = "pending"
	PropagationInProgress PropagationStatus = "in_progress"
	PropagationSuccess    PropagationStatus = "success"
	PropagationFailed     PropagationStatus = "failed"
	PropagationRolledBack PropagationStatus = "rolled_back"
	PropagationSkipped    PropagationStatus = "skipped"
)

// Terminal reports whether no further transition is allowed from s.
func (s PropagationStatus) Terminal() bool {
	switch s {
	case PropagationSuccess, PropagationFailed, PropagationRolledBack, PropagationSkipped:
		return true
	}
	return false
}

// ProposalStatus is the lifecycle status of a pollination proposal.
type ProposalStatus string

const (
	ProposalProposed ProposalStatus = "proposed"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExecuted ProposalStatus = "executed"
)

// CanAdvance enforces proposed -> {approved, rejected} and approved -> executed.
func (s ProposalStatus) CanAdvance(to ProposalStatus) bool {
	switch s {
	case ProposalProposed:
		return to == ProposalApproved || to == ProposalRejected
	case ProposalApproved:
		return to == ProposalExecuted
	default:
		return false
	}
}

// CapabilitySource records how a child acquired a capability.
type CapabilitySource string

const (
	CapSourceGenome      CapabilitySource = "genome"
	CapSourceEvolved     CapabilitySource = "evolved"
	CapSourceManual      CapabilitySource = "manual"
	CapSourceMarketplace CapabilitySource = "marketplace"
)

// CapabilityStatus is the status of a capability on one child.
type CapabilityStatus string

const (
	CapabilityActive   CapabilityStatus = "active"
	CapabilityDisabled CapabilityStatus = "disabled"
)

// ClampUnit clamps v into [0,1]. NaN maps to 0.
func ClampUnit(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Slug lowercases s and collapses every run of non-alphanumerics into '-'.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
