package store

import (
	"time"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

// LearnedBehavior is one child-reported observation.
type LearnedBehavior struct {
	ID             string                 `json:"id"`
	ChildID        string                 `json:"child_id"`
	CapabilityName string                 `json:"capability_name"`
	BehaviorType   evolution.BehaviorType `json:"behavior_type"`
	Description    string                 `json:"description"`
	Evidence       evolution.Doc          `json:"evidence"`
	Confidence     float64                `json:"confidence"`
	DiscoveredAt   time.Time              `json:"discovered_at"`
	Evaluated      bool                   `json:"evaluated"`
	Absorbed       bool                   `json:"absorbed"`
	EvaluatedAt    *time.Time             `json:"evaluated_at,omitempty"`
	AbsorbedAt     *time.Time             `json:"absorbed_at,omitempty"`
}

// CapabilityEvaluation is one immutable scoring run against a capability name.
type CapabilityEvaluation struct {
	ID             string                   `json:"id"`
	CapabilityName string                   `json:"capability_name"`
	SourceChildID  string                   `json:"source_child_id,omitempty"`
	EvaluationType evolution.EvaluationType `json:"evaluation_type"`
	Score          float64                  `json:"score"`
	Metrics        evolution.Doc            `json:"metrics"`
	GateResults    evolution.Doc            `json:"gate_results"`
	Verdict        evolution.Verdict        `json:"verdict"`
	Evaluator      string                   `json:"evaluator"`
	Notes          string                   `json:"notes,omitempty"`
	SupersedesID   string                   `json:"supersedes_id,omitempty"`
	StagingEnvID   string                   `json:"staging_env_id,omitempty"`
	EvaluatedAt    time.Time                `json:"evaluated_at"`
}

// CapabilityGenome is the canonical definition of one capability name.
// RowVersion is the optimistic concurrency token checked on every write.
type CapabilityGenome struct {
	ID             string                 `json:"id" yaml:"id"`
	Name           string                 `json:"name" yaml:"name"`
	Description    string                 `json:"description" yaml:"description"`
	Category       string                 `json:"category" yaml:"category"`
	CurrentVersion int                    `json:"current_version" yaml:"current_version"`
	Spec           evolution.Doc          `json:"spec" yaml:"spec"`
	Dependencies   []string               `json:"dependencies" yaml:"dependencies"`
	Status         evolution.GenomeStatus `json:"status" yaml:"status"`
	RowVersion     int                    `json:"-" yaml:"-"`
	CreatedAt      time.Time              `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" yaml:"updated_at"`
}

// GenomeVersion is the immutable history row written on every version bump.
type GenomeVersion struct {
	ID         int64         `json:"id" yaml:"-"`
	GenomeID   string        `json:"genome_id" yaml:"-"`
	Version    int           `json:"version" yaml:"version"`
	Changelog  string        `json:"changelog" yaml:"changelog"`
	Spec       evolution.Doc `json:"spec" yaml:"spec"`
	ReleasedBy string        `json:"released_by" yaml:"released_by"`
	ReleasedAt time.Time     `json:"released_at" yaml:"released_at"`
}

// StagingEnvironment is an ephemeral evaluation sandbox.
type StagingEnvironment struct {
	ID                  string                  `json:"id"`
	Name                string                  `json:"name"`
	Purpose             string                  `json:"purpose"`
	Status              evolution.StagingStatus `json:"status"`
	Config              evolution.Doc           `json:"config"`
	ChildID             string                  `json:"child_id"`
	CapabilityUnderTest string                  `json:"capability_under_test"`
	Infrastructure      evolution.Doc           `json:"infrastructure"`
	ErrorText           string                  `json:"error_text,omitempty"`
	ProvisionedAt       time.Time               `json:"provisioned_at"`
	LastUsedAt          *time.Time              `json:"last_used_at,omitempty"`
	DestroyedAt         *time.Time              `json:"destroyed_at,omitempty"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

// PropagationLogEntry is one ledger row. Once CompletedAt is set the row is frozen.
type PropagationLogEntry struct {
	ID                string                      `json:"id"`
	Seq               int64                       `json:"seq"`
	CapabilityName    string                      `json:"capability_name"`
	GenomeVersion     int                         `json:"genome_version,omitempty"`
	SourceType        evolution.SourceType        `json:"source_type"`
	SourceChildID     string                      `json:"source_child_id,omitempty"`
	TargetChildID     string                      `json:"target_child_id,omitempty"` // empty = all children
	PropagationStatus evolution.PropagationStatus `json:"propagation_status"`
	EvaluationID      string                      `json:"evaluation_id,omitempty"`
	StagingEnvID      string                      `json:"staging_env_id,omitempty"`
	ProposalID        string                      `json:"proposal_id,omitempty"`
	RefEntryID        string                      `json:"ref_entry_id,omitempty"`
	ErrorDetails      string                      `json:"error_details,omitempty"`
	InitiatedBy       string                      `json:"initiated_by"`
	InitiatedAt       time.Time                   `json:"initiated_at"`
	CompletedAt       *time.Time                  `json:"completed_at,omitempty"`
}

// PollinationProposal is a cross-child sharing request awaiting a human decision.
type PollinationProposal struct {
	ID             string                   `json:"id"`
	SourceChildID  string                   `json:"source_child_id"`
	CapabilityName string                   `json:"capability_name"`
	TargetChildIDs []string                 `json:"target_child_ids"`
	Rationale      string                   `json:"rationale"`
	ProposedBy     string                   `json:"proposed_by"`
	Status         evolution.ProposalStatus `json:"status"`
	Approver       string                   `json:"approver,omitempty"`
	DecisionNote   string                   `json:"decision_note,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	DecidedAt      *time.Time               `json:"decided_at,omitempty"`
	ExecutedAt     *time.Time               `json:"executed_at,omitempty"`
}

// Child is a deployed instance spawned from a parent template.
type Child struct {
	ChildID      string    `json:"child_id"`
	Name         string    `json:"name"`
	Template     string    `json:"template"`
	Status       string    `json:"status"` // active|retired
	RegisteredAt time.Time `json:"registered_at"`
}

const (
	ChildActive  = "active"
	ChildRetired = "retired"
)

// ChildCapability is one capability held by one child.
type ChildCapability struct {
	ChildID        string                     `json:"child_id"`
	CapabilityName string                     `json:"capability_name"`
	Version        int                        `json:"version"`
	Status         evolution.CapabilityStatus `json:"status"`
	Source         evolution.CapabilitySource `json:"source"`
	LedgerEntryID  string                     `json:"ledger_entry_id"`
	GrantedAt      time.Time                  `json:"granted_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// CompliancePosture is one recorded compliance score for a child.
type CompliancePosture struct {
	ID         int64     `json:"id"`
	ChildID    string    `json:"child_id"`
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LedgerFilter holds query parameters for the audit contract.
type LedgerFilter struct {
	CapabilityName string
	TargetChildID  string
	SourceType     string
	Status         string
	ProposalID     string
	Since          *time.Time
	Until          *time.Time
	Limit          int
	Offset         int
}

// AuditFinding is a grant with no terminal ledger row behind it.
type AuditFinding struct {
	Kind           string `json:"kind"` // genome_version|child_capability
	CapabilityName string `json:"capability_name"`
	ChildID        string `json:"child_id,omitempty"`
	Version        int    `json:"version,omitempty"`
	Detail         string `json:"detail"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS learned_behaviors (
	id TEXT PRIMARY KEY,
	child_id TEXT NOT NULL,
	capability_name TEXT NOT NULL,
	behavior_type TEXT NOT NULL,
	description TEXT NOT NULL,
	evidence TEXT NOT NULL DEFAULT '{}',
	confidence REAL NOT NULL DEFAULT 0,
	discovered_at DATETIME NOT NULL,
	evaluated INTEGER NOT NULL DEFAULT 0,
	absorbed INTEGER NOT NULL DEFAULT 0,
	evaluated_at DATETIME,
	absorbed_at DATETIME,
	CHECK (absorbed = 0 OR evaluated = 1),
	CHECK (confidence >= 0 AND confidence <= 1)
);
CREATE INDEX IF NOT EXISTS idx_behaviors_unevaluated ON learned_behaviors(evaluated, discovered_at);
CREATE INDEX IF NOT EXISTS idx_behaviors_capability ON learned_behaviors(capability_name);
CREATE INDEX IF NOT EXISTS idx_behaviors_child ON learned_behaviors(child_id);

CREATE TRIGGER IF NOT EXISTS trg_behaviors_no_delete
BEFORE DELETE ON learned_behaviors
BEGIN
	SELECT RAISE(ABORT, 'learned behavior is immutable');
END;

CREATE TABLE IF NOT EXISTS capability_evaluations (
	id TEXT PRIMARY KEY,
	capability_name TEXT NOT NULL,
	source_child_id TEXT,
	evaluation_type TEXT NOT NULL DEFAULT 'automated',
	score REAL NOT NULL DEFAULT 0,
	metrics TEXT NOT NULL DEFAULT '{}',
	gate_results TEXT NOT NULL DEFAULT '{}',
	verdict TEXT NOT NULL DEFAULT 'pending',
	evaluator TEXT NOT NULL DEFAULT '',
	notes TEXT DEFAULT '',
	supersedes_id TEXT,
	staging_env_id TEXT,
	evaluated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evaluations_capability ON capability_evaluations(capability_name, evaluated_at);

CREATE TRIGGER IF NOT EXISTS trg_evaluations_immutable
BEFORE UPDATE ON capability_evaluations
BEGIN
	SELECT RAISE(ABORT, 'capability evaluation is immutable');
END;

CREATE TABLE IF NOT EXISTS capability_genomes (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	description TEXT DEFAULT '',
	category TEXT DEFAULT '',
	current_version INTEGER NOT NULL DEFAULT 0,
	spec TEXT NOT NULL DEFAULT '{}',
	dependencies TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'active',
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS genome_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	genome_id TEXT NOT NULL REFERENCES capability_genomes(id),
	version INTEGER NOT NULL,
	changelog TEXT DEFAULT '',
	spec TEXT NOT NULL DEFAULT '{}',
	released_by TEXT NOT NULL,
	released_at DATETIME NOT NULL,
	UNIQUE(genome_id, version)
);

CREATE TRIGGER IF NOT EXISTS trg_genome_versions_immutable
BEFORE UPDATE ON genome_versions
BEGIN
	SELECT RAISE(ABORT, 'genome version is immutable');
END;

CREATE TABLE IF NOT EXISTS staging_environments (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	purpose TEXT DEFAULT '',
	status TEXT NOT NULL DEFAULT 'provisioning',
	config TEXT NOT NULL DEFAULT '{}',
	child_id TEXT NOT NULL DEFAULT '',
	capability_under_test TEXT NOT NULL DEFAULT '',
	infrastructure TEXT NOT NULL DEFAULT '{}',
	error_text TEXT DEFAULT '',
	provisioned_at DATETIME NOT NULL,
	last_used_at DATETIME,
	destroyed_at DATETIME,
	updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_staging_active_key
	ON staging_environments(child_id, capability_under_test)
	WHERE status IN ('provisioning', 'ready', 'in_use');
CREATE INDEX IF NOT EXISTS idx_staging_status ON staging_environments(status);

CREATE TABLE IF NOT EXISTS propagation_log (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	capability_name TEXT NOT NULL,
	genome_version INTEGER,
	source_type TEXT NOT NULL,
	source_child_id TEXT,
	target_child_id TEXT,
	propagation_status TEXT NOT NULL DEFAULT 'pending',
	evaluation_id TEXT,
	staging_env_id TEXT,
	proposal_id TEXT,
	ref_entry_id TEXT,
	error_details TEXT DEFAULT '',
	initiated_by TEXT NOT NULL,
	initiated_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_ledger_capability ON propagation_log(capability_name, initiated_at);
CREATE INDEX IF NOT EXISTS idx_ledger_target ON propagation_log(target_child_id, initiated_at);
CREATE INDEX IF NOT EXISTS idx_ledger_initiated ON propagation_log(initiated_at);

CREATE TRIGGER IF NOT EXISTS trg_ledger_frozen
BEFORE UPDATE ON propagation_log
WHEN OLD.completed_at IS NOT NULL
BEGIN
	SELECT RAISE(ABORT, 'ledger row is terminal');
END;

CREATE TRIGGER IF NOT EXISTS trg_ledger_no_delete
BEFORE DELETE ON propagation_log
BEGIN
	SELECT RAISE(ABORT, 'ledger row is terminal');
END;

CREATE TABLE IF NOT EXISTS pollination_proposals (
	id TEXT PRIMARY KEY,
	source_child_id TEXT NOT NULL,
	capability_name TEXT NOT NULL,
	target_child_ids TEXT NOT NULL DEFAULT '[]',
	rationale TEXT DEFAULT '',
	proposed_by TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'proposed',
	approver TEXT DEFAULT '',
	decision_note TEXT DEFAULT '',
	created_at DATETIME NOT NULL,
	decided_at DATETIME,
	executed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON pollination_proposals(status);

CREATE TABLE IF NOT EXISTS children (
	child_id TEXT PRIMARY KEY,
	name TEXT DEFAULT '',
	template TEXT NOT NULL DEFAULT 'default',
	status TEXT NOT NULL DEFAULT 'active',
	registered_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_children_template ON children(template, status);

CREATE TABLE IF NOT EXISTS child_capabilities (
	child_id TEXT NOT NULL,
	capability_name TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'active',
	source TEXT NOT NULL,
	ledger_entry_id TEXT NOT NULL,
	granted_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (child_id, capability_name)
);
CREATE INDEX IF NOT EXISTS idx_child_caps_capability ON child_capabilities(capability_name, status);

CREATE TABLE IF NOT EXISTS compliance_posture (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	child_id TEXT NOT NULL,
	score REAL NOT NULL,
	recorded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_compliance_child ON compliance_posture(child_id, recorded_at);
`
