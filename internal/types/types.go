// Package types holds the shared data model that every ratchet component
// reads or writes: Feature, Catalog, Baseline, SessionState, Checkpoint,
// ActivitySnapshot, and VerificationResult. No component owns another's
// artifact; this package only defines the shapes they exchange.
package types

import "time"

// VerificationKind says how a feature's completion is attested.
type VerificationKind string

const (
	VerificationAutomated VerificationKind = "/automated"
	VerificationHybrid    VerificationKind = "/hybrid"
	VerificationManual    VerificationKind = "/manual"
)

// SizeClass is an advisory estimate of a feature's scope.
type SizeClass string

const (
	SizeSmall  SizeClass = "/small"
	SizeMedium SizeClass = "/medium"
	SizeLarge  SizeClass = "/large"
)

// Feature is one unit of work in the catalog.
type Feature struct {
	ID               int              `yaml:"id" json:"id"`
	Description      string           `yaml:"description" json:"description"`
	Verification     VerificationKind `yaml:"verification" json:"verification"`
	TestRef           string          `yaml:"test_ref,omitempty" json:"test_ref,omitempty"`
	Size             SizeClass        `yaml:"size,omitempty" json:"size,omitempty"`
	DependsOn        []int            `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Passing          bool             `yaml:"passing" json:"passing"`
	Origin           string           `yaml:"origin,omitempty" json:"origin,omitempty"`
	StuckCounter     int              `yaml:"stuck_counter" json:"stuck_counter"`
	Priority         int              `yaml:"priority,omitempty" json:"priority,omitempty"`
	VerificationSteps int             `yaml:"verification_steps,omitempty" json:"verification_steps,omitempty"`
	DeclaredFiles    []string         `yaml:"declared_files,omitempty" json:"declared_files,omitempty"`
}

// RequiresTest reports whether this feature must carry a non-empty test
// reference (automated and hybrid features do; manual features don't).
func (f Feature) RequiresTest() bool {
	return f.Verification == VerificationAutomated || f.Verification == VerificationHybrid
}

// CatalogMeta is the catalog-wide metadata block.
type CatalogMeta struct {
	SchemaVersion int    `yaml:"schema_version" json:"schema_version"`
	ProjectID     string `yaml:"project_id" json:"project_id"`
}

// Catalog is the ordered collection of features plus catalog-wide metadata.
type Catalog struct {
	Meta     CatalogMeta `yaml:"meta" json:"meta"`
	Features []Feature   `yaml:"features" json:"features"`
}

// ByID returns the feature with the given id and whether it was found.
func (c *Catalog) ByID(id int) (Feature, bool) {
	for _, f := range c.Features {
		if f.ID == id {
			return f, true
		}
	}
	return Feature{}, false
}

// Baseline is the set of test identifiers known to pass at a moment in
// time, plus the pre-existing-failures set excluded from regression
// accounting.
type Baseline struct {
	Session          int      `json:"session"`
	Passing          []string `json:"passing"`
	PreExistingFailed []string `json:"pre_existing_failed"`
	Hash             string   `json:"hash"`
}

// SessionStatus is the terminal status of the last session.
type SessionStatus string

const (
	StatusComplete SessionStatus = "/complete"
	StatusPartial  SessionStatus = "/partial"
	StatusFailed   SessionStatus = "/failed"
	StatusPaused   SessionStatus = "/paused"
	StatusTimedOut SessionStatus = "/timed_out"
	StatusStuck    SessionStatus = "/stuck"
	StatusRunning  SessionStatus = "/running"
)

// PromptKind tells the external agent collaborator what kind of prompt the
// next session should open with.
type PromptKind string

const (
	PromptCoding       PromptKind = "/coding"
	PromptContinuation PromptKind = "/continuation"
	PromptCleanup      PromptKind = "/cleanup"
	PromptInit         PromptKind = "/init"
)

// SessionState is the persisted cursor between invocations.
type SessionState struct {
	SchemaVersion    int            `json:"schema_version"`
	LastSession      int            `json:"last_session"`
	LastStatus       SessionStatus  `json:"last_status"`
	NextPrompt       PromptKind     `json:"next_prompt"`
	CurrentFeature   *int           `json:"current_feature,omitempty"`
	StuckCounters    map[int]int    `json:"stuck_counters"`
	TimeoutCounters  map[int]int    `json:"timeout_counters"`
	TotalSessions    int            `json:"total_sessions"`
	UpdatedAt        time.Time      `json:"updated_at"`
	ConsecutiveWins  int            `json:"consecutive_wins"`
}

// CheckpointReason names why a checkpoint was taken.
type CheckpointReason string

const (
	ReasonPreFeature     CheckpointReason = "/pre_feature"
	ReasonPreVerification CheckpointReason = "/pre_verification"
	ReasonManual         CheckpointReason = "/manual"
)

// Checkpoint is an immutable snapshot taken before a risky transition.
type Checkpoint struct {
	ID             string           `json:"id"`
	Timestamp      time.Time        `json:"timestamp"`
	Session        int              `json:"session"`
	VCSRef         string           `json:"vcs_ref"`
	CatalogHash    string           `json:"catalog_hash"`
	NarrativeHash  string           `json:"narrative_hash"`
	StateDir       string           `json:"state_dir"`
	Reason         CheckpointReason `json:"reason"`
	Feature        *int             `json:"feature,omitempty"`
}

// ActivitySnapshot is a per-interval record the Progress Monitor
// accumulates. It is session-scoped, never persisted.
type ActivitySnapshot struct {
	Tokens           int64
	FilesModified    map[string]struct{}
	CommandsIssued   int
	TestsRun         int
	ErrorSignatures  map[string]int
	Elapsed          time.Duration
}

// NewActivitySnapshot returns a zeroed snapshot ready for accumulation.
func NewActivitySnapshot() ActivitySnapshot {
	return ActivitySnapshot{
		FilesModified:   make(map[string]struct{}),
		ErrorSignatures: make(map[string]int),
	}
}

// Verdict is the Verification Engine's final decision for a session.
type Verdict string

const (
	VerdictAccept            Verdict = "/accept"
	VerdictRejectClaim       Verdict = "/reject_claim"
	VerdictRegression        Verdict = "/regression"
	VerdictNoEvidence        Verdict = "/no_evidence"
	VerdictMultipleClaims    Verdict = "/multiple_claims"
	VerdictProtocolViolation Verdict = "/protocol_violation"
	VerdictNoOp              Verdict = "/no_op"
	// VerdictPendingChecklist holds a hybrid feature's accept pending an
	// operator's answer to its human-verification checklist; every
	// automated gate (catalog diff, feature test, regression, lint) has
	// already passed.
	VerdictPendingChecklist Verdict = "/pending_checklist"
	// VerdictChecklistRejected is an operator's "no" on the checklist,
	// equivalent in effect to reject_claim but distinguished for the
	// decision log since no automated gate failed.
	VerdictChecklistRejected Verdict = "/checklist_rejected"
)

// VerificationResult is the outcome of one Verification Engine run.
type VerificationResult struct {
	FeatureID        int
	Passed           []string
	Failed           []string
	EvidencePresent  bool
	NewlyFailing     []string
	LintFindings     int
	Verdict          Verdict
}

// IsRegression reports whether this result demands a rollback.
func (v VerificationResult) IsRegression() bool {
	return v.Verdict == VerdictRegression || len(v.NewlyFailing) > 0
}
