// Package tool defines the capability model the gateway enforces: fixed
// safety classifications, per-run approval grants, and the invocation audit
// record.
package tool

import (
	"encoding/json"
	"time"
)

// Classification is a capability's fixed safety class. It is declared by the
// capability provider, never by the caller.
type Classification string

const (
	ClassReadOnly Classification = "read-only"
	ClassWrite    Classification = "write"
	ClassExecute  Classification = "execute"
)

// Valid reports whether c is a declared classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassReadOnly, ClassWrite, ClassExecute:
		return true
	}
	return false
}

// RequiresApproval reports whether the class needs a recorded approval before
// the gateway will execute it.
func (c Classification) RequiresApproval() bool {
	return c != ClassReadOnly
}

// Capability describes one invocable external capability as exposed by a
// provider registry.
type Capability struct {
	ID             string          `json:"capability_id"`
	Classification Classification  `json:"classification"`
	Description    string          `json:"description,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
}

// GrantScope says how long an approval holds.
type GrantScope string

const (
	// GrantRun approvals are pre-authorizations recorded at start and apply
	// for the whole run.
	GrantRun GrantScope = "run"
	// GrantCycle approvals come from a checkpoint decision and expire when
	// the next suspension resolves.
	GrantCycle GrantScope = "cycle"
)

// Grant is one recorded capability approval on a run.
type Grant struct {
	CapabilityID string     `json:"capability_id"`
	Scope        GrantScope `json:"scope"`
	Cycle        int        `json:"cycle"`
}

// Invocation is the audit record of a single call through the gateway,
// whether it produced a result or a denial.
type Invocation struct {
	CapabilityID     string          `json:"capability_id"`
	Stage            string          `json:"stage_id,omitempty"`
	Arguments        json.RawMessage `json:"arguments,omitempty"`
	Classification   Classification  `json:"classification"`
	RequiresApproval bool            `json:"requires_approval"`
	Result           json.RawMessage `json:"result,omitempty"`
	DenialReason     string          `json:"denial_reason,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Denied reports whether the invocation was refused by policy.
func (i *Invocation) Denied() bool {
	return i.DenialReason != ""
}
