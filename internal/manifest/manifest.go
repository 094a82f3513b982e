// Package manifest holds the persisted per-feature execution record.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Status string

const (
	StatusPending      Status = "PENDING"
	StatusEligible     Status = "ELIGIBLE"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusAwaitingGate Status = "AWAITING_GATE"
	StatusCompleted    Status = "COMPLETED"
	StatusBlocked      Status = "BLOCKED"
	StatusFailed       Status = "FAILED"
)

// Decision is the outcome of a gate review.
type Decision string

const (
	Approved Decision = "approved"
	Rejected Decision = "rejected"
	Revise   Decision = "revise"
)

// ParseDecision accepts the decision names and their imperative forms
// (approve, reject).
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve", "y", "yes":
		return Approved, nil
	case "rejected", "reject":
		return Rejected, nil
	case "revise", "revision":
		return Revise, nil
	}
	return "", fmt.Errorf("unknown gate decision %q (must be approve, reject, or revise)", s)
}

// StepState is the runtime state of one step.
type StepState struct {
	Status    Status            `json:"status"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Attempts  int               `json:"attempts"`
	LastError *string           `json:"lastError"`
	UpdatedAt time.Time         `json:"updatedAt"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	Owner     string            `json:"owner,omitempty"`
}

func (s StepState) clone() StepState {
	if s.Outputs != nil {
		out := make(map[string]string, len(s.Outputs))
		for k, v := range s.Outputs {
			out[k] = v
		}
		s.Outputs = out
	}
	if s.LastError != nil {
		msg := *s.LastError
		s.LastError = &msg
	}
	if s.StartedAt != nil {
		at := *s.StartedAt
		s.StartedAt = &at
	}
	return s
}

// Err returns the last recorded error message, or "".
func (s StepState) Err() string {
	if s.LastError == nil {
		return ""
	}
	return *s.LastError
}

// GateDecision is one entry of a step's append-only review history.
type GateDecision struct {
	DecidedBy string    `json:"decidedBy"`
	Decision  Decision  `json:"decision"`
	Timestamp time.Time `json:"timestamp"`
	Notes     string    `json:"notes,omitempty"`
}

// Entry records one applied transition. Entries marked Derived were produced
// as a consequence of the preceding entry and are skipped on replay.
type Entry struct {
	Step      string            `json:"step"`
	Event     string            `json:"event"`
	From      Status            `json:"from"`
	To        Status            `json:"to"`
	At        time.Time         `json:"at"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	Error     string            `json:"error,omitempty"`
	Decision  Decision          `json:"decision,omitempty"`
	DecidedBy string            `json:"decidedBy,omitempty"`
	Notes     string            `json:"notes,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Force     bool              `json:"force,omitempty"`
	Derived   bool              `json:"derived,omitempty"`
}

// Manifest is the durable record of a feature's progress through a
// definition. Version increases by one on every committed change.
type Manifest struct {
	FeatureID         string                    `json:"featureId"`
	DefinitionVersion string                    `json:"definitionVersion"`
	StepStates        map[string]StepState      `json:"stepStates"`
	GateDecisions     map[string][]GateDecision `json:"gateDecisions"`
	Version           int64                     `json:"version"`
	CreatedAt         time.Time                 `json:"createdAt"`
	UpdatedAt         time.Time                 `json:"updatedAt"`
	History           []Entry                   `json:"history,omitempty"`
}

// New returns an empty manifest for featureID bound to definitionVersion.
func New(featureID, definitionVersion string, at time.Time) *Manifest {
	return &Manifest{
		FeatureID:         featureID,
		DefinitionVersion: definitionVersion,
		StepStates:        make(map[string]StepState),
		GateDecisions:     make(map[string][]GateDecision),
		CreatedAt:         at,
		UpdatedAt:         at,
	}
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	cp := *m
	cp.StepStates = make(map[string]StepState, len(m.StepStates))
	for id, s := range m.StepStates {
		cp.StepStates[id] = s.clone()
	}
	cp.GateDecisions = make(map[string][]GateDecision, len(m.GateDecisions))
	for id, ds := range m.GateDecisions {
		cp.GateDecisions[id] = append([]GateDecision(nil), ds...)
	}
	if m.History != nil {
		cp.History = make([]Entry, len(m.History))
		for i, e := range m.History {
			if e.Outputs != nil {
				out := make(map[string]string, len(e.Outputs))
				for k, v := range e.Outputs {
					out[k] = v
				}
				e.Outputs = out
			}
			cp.History[i] = e
		}
	}
	return &cp
}

// Step returns the state of id.
func (m *Manifest) Step(id string) (StepState, bool) {
	s, ok := m.StepStates[id]
	return s, ok
}

// Status returns the status of id, or "" when the step is unknown.
func (m *Manifest) Status(id string) Status {
	return m.StepStates[id].Status
}

// LastDecision returns the most recent gate decision for id.
func (m *Manifest) LastDecision(id string) (GateDecision, bool) {
	ds := m.GateDecisions[id]
	if len(ds) == 0 {
		return GateDecision{}, false
	}
	return ds[len(ds)-1], true
}

// StepsWithStatus returns the ids in the given status, sorted.
func (m *Manifest) StepsWithStatus(status Status) []string {
	var ids []string
	for id, s := range m.StepStates {
		if s.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Done reports whether every step is COMPLETED.
func (m *Manifest) Done() bool {
	if len(m.StepStates) == 0 {
		return false
	}
	for _, s := range m.StepStates {
		if s.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Stuck reports whether no step can make progress without intervention:
// nothing is eligible, running or awaiting review, yet the feature is not done.
func (m *Manifest) Stuck() bool {
	if m.Done() {
		return false
	}
	for _, s := range m.StepStates {
		switch s.Status {
		case StatusEligible, StatusInProgress, StatusAwaitingGate:
			return false
		}
	}
	return true
}

// WithoutTimestamps returns a clone with every timestamp zeroed, for
// comparing manifests produced at different times.
func (m *Manifest) WithoutTimestamps() *Manifest {
	cp := m.Clone()
	cp.CreatedAt = time.Time{}
	cp.UpdatedAt = time.Time{}
	for id, s := range cp.StepStates {
		s.UpdatedAt = time.Time{}
		s.StartedAt = nil
		cp.StepStates[id] = s
	}
	for id, ds := range cp.GateDecisions {
		for i := range ds {
			ds[i].Timestamp = time.Time{}
		}
		cp.GateDecisions[id] = ds
	}
	for i := range cp.History {
		cp.History[i].At = time.Time{}
	}
	return cp
}

// Encode renders m as indented JSON.
func Encode(m *Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Decode parses a JSON manifest.
func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if m.StepStates == nil {
		m.StepStates = make(map[string]StepState)
	}
	if m.GateDecisions == nil {
		m.GateDecisions = make(map[string][]GateDecision)
	}
	return &m, nil
}
