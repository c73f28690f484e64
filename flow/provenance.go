package flow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// AttestationKeyEnv is the environment variable the executor reads the
// attestation signing key from. When unset, a deterministic development
// key is derived from the scope; production deployments must supply a
// real key.
const AttestationKeyEnv = "BILKO_ATTESTATION_KEY"

// TranscriptAction is the action recorded in one transcript entry.
type TranscriptAction string

const (
	ActionStarted   TranscriptAction = "started"
	ActionCompleted TranscriptAction = "completed"
	ActionFailed    TranscriptAction = "failed"
	ActionCanceled  TranscriptAction = "canceled"
	ActionRetried   TranscriptAction = "retried"
)

// TranscriptEntry is one ordered record of what happened during a run.
type TranscriptEntry struct {
	StepID    string           `json:"stepId"`
	Timestamp time.Time        `json:"timestamp"`
	Action    TranscriptAction `json:"action"`

	// DurationMs is set for completed and failed entries.
	DurationMs int64 `json:"durationMs,omitempty"`

	// OutputHash is set for completed entries.
	OutputHash *Digest `json:"outputHash,omitempty"`

	// PoliciesApplied snapshots the policy in force when the step
	// started.
	PoliciesApplied *StepPolicy `json:"policiesApplied,omitempty"`
}

// StepImage pins the handler implementation a step ran under.
type StepImage struct {
	StepID string `json:"stepId"`

	// ImageDigest is sha256 over the implementation version string.
	ImageDigest Digest `json:"imageDigest"`

	ImplementationVersion string `json:"implementationVersion"`
}

// Provenance is the record of what ran: document and plan hashes, per-step
// output hashes, step images, and the ordered transcript. Created exactly
// once, when a run succeeds.
type Provenance struct {
	ID              string    `json:"id"`
	RunID           string    `json:"runId"`
	WorkflowID      string    `json:"workflowId"`
	WorkflowVersion int       `json:"workflowVersion"`
	CreatedAt       time.Time `json:"createdAt"`

	// DeterminismGrade is the grade the run achieved.
	DeterminismGrade DeterminismGrade `json:"determinismGrade"`

	WorkflowHash Digest `json:"workflowHash"`
	PlanHash     Digest `json:"planHash"`

	// InputHashes maps step id to the hash of that step's *outputs*.
	// The field name is a historical artifact of the wire format and is
	// kept for compatibility; do not read it as input hashes.
	InputHashes map[string]Digest `json:"inputHashes"`

	StepImages []StepImage `json:"stepImages"`

	// Transcript is the ordered list of started/completed/failed/
	// canceled/retried entries collected during execution.
	Transcript []TranscriptEntry `json:"transcript"`
}

// AttestationStatus is the lifecycle state of an attestation.
type AttestationStatus string

// AttestationIssued is the only status the core produces; revocation is a
// store-side concern.
const AttestationIssued AttestationStatus = "issued"

// SignatureAlgorithm identifies the attestation signing scheme.
const SignatureAlgorithm = "hmac-sha256"

// AttestationSubject identifies what an attestation speaks for.
type AttestationSubject struct {
	RunID           string `json:"runId"`
	WorkflowID      string `json:"workflowId"`
	WorkflowVersion int    `json:"workflowVersion"`
	ProvenanceID    string `json:"provenanceId"`
}

// AttestationStatement is the signed claim: the hashes that pin exactly
// what ran. The signature covers the canonical JSON form of the statement
// with keys sorted.
type AttestationStatement struct {
	WorkflowHash     Digest            `json:"workflowHash"`
	StepInputHashes  map[string]Digest `json:"stepInputHashes"`
	StepImageDigests map[string]Digest `json:"stepImageDigests"`
	ArtifactHashes   map[string]Digest `json:"artifactHashes"`
	DeterminismGrade DeterminismGrade  `json:"determinismGrade"`
}

// Attestation is an HMAC-signed statement over provenance, intended for
// third-party verification.
type Attestation struct {
	ID        string               `json:"id"`
	RunID     string               `json:"runId"`
	Subject   AttestationSubject   `json:"subject"`
	Status    AttestationStatus    `json:"status"`
	Statement AttestationStatement `json:"statement"`

	SignatureAlgorithm string    `json:"signatureAlgorithm"`
	Signature          string    `json:"signature"`
	VerificationKeyRef string    `json:"verificationKeyRef"`
	IssuedAt           time.Time `json:"issuedAt"`
}

// SignStatement computes HMAC-SHA256 over the canonical JSON form of the
// statement. Canonical JSON sorts keys at every level, which subsumes the
// top-level sorting the signature contract requires.
func SignStatement(statement *AttestationStatement, key []byte) (string, error) {
	canonical, err := CanonicalJSON(statement)
	if err != nil {
		return "", fmt.Errorf("sign statement: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyStatement recomputes the signature and compares in constant time.
func VerifyStatement(statement *AttestationStatement, key []byte, signature string) (bool, error) {
	expected, err := SignStatement(statement, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// resolveSigningKey returns the attestation signing key and a reference
// name for it. The environment key wins; otherwise a deterministic key is
// derived from the scope. The derived key exists so development setups can
// verify their own attestations; it offers no security and production
// deployments must set AttestationKeyEnv.
func resolveSigningKey(scope Scope) (key []byte, keyRef string) {
	if env := os.Getenv(AttestationKeyEnv); env != "" {
		return []byte(env), "env:" + AttestationKeyEnv
	}
	derived := sha256.Sum256([]byte("bilko-dev-key:" + scope.TenantID + ":" + scope.ProjectID))
	return derived[:], "derived:dev"
}
