package workflow

// Severity grades an issue a worker flags against its own output.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Verdict is the worker's explicit self-assessment. Absence of a verdict is
// meaningful: strict gating refuses to advance without an explicit pass.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
	VerdictNone Verdict = ""
)

// WellFormedPolicy selects what "structurally well-formed" means for gate
// purposes. Deployments that do not want the artifact heuristic can accept
// any schema-valid output.
type WellFormedPolicy string

const (
	// WellFormedArtifacts requires at least one declared artifact or a
	// non-empty summary.
	WellFormedArtifacts WellFormedPolicy = "artifacts"
	// WellFormedParse accepts any output that parsed into the schema.
	WellFormedParse WellFormedPolicy = "parse"
)

// Artifact is one named output a stage produced (a document, a file, a diff).
type Artifact struct {
	Name    string `json:"name"`
	Kind    string `json:"kind,omitempty"`
	Content string `json:"content,omitempty"`
}

// Issue is one problem the worker flagged in its result.
type Issue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// StageOutput is the structured result of one stage attempt.
type StageOutput struct {
	Summary   string     `json:"summary,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Issues    []Issue    `json:"issues,omitempty"`
	Verdict   Verdict    `json:"verdict,omitempty"`
	// Raw preserves the untrimmed worker text so a retry can show the model
	// exactly what was rejected.
	Raw string `json:"raw,omitempty"`
}

// WellFormed reports whether the output satisfies the configured structural
// check. A nil output is never well-formed.
func (o *StageOutput) WellFormed(policy WellFormedPolicy) bool {
	if o == nil {
		return false
	}
	if policy == WellFormedParse {
		return true
	}
	return len(o.Artifacts) > 0 || o.Summary != ""
}

// HasCritical reports whether any flagged issue is critical.
func (o *StageOutput) HasCritical() bool {
	if o == nil {
		return false
	}
	for _, is := range o.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Passed reports whether the worker gave an explicit pass signal.
func (o *StageOutput) Passed() bool {
	return o != nil && o.Verdict == VerdictPass
}
