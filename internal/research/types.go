package research

import (
	"fmt"
	"strings"
	"time"
)

type ResearchMode string

const (
	ModeSemiAutonomous  ResearchMode = "semi-autonomous"
	ModeFullyAutonomous ResearchMode = "fully-autonomous"
	ModeSteering        ResearchMode = "steering"
)

func NormalizeMode(mode string) ResearchMode {
	switch ResearchMode(strings.TrimSpace(strings.ToLower(mode))) {
	case ModeFullyAutonomous:
		return ModeFullyAutonomous
	case ModeSteering:
		return ModeSteering
	default:
		return ModeSemiAutonomous
	}
}

type TaskType string

const (
	TaskLiterature TaskType = "LITERATURE"
	TaskAnalysis   TaskType = "ANALYSIS"
)

const (
	taskPrefixLiterature = "lit-"
	taskPrefixAnalysis   = "ana-"
)

type RunMode string

const (
	RunModeQueue     RunMode = "queue"
	RunModeInProcess RunMode = "in-process"
)

const (
	RunResultCompleted    = "completed"
	RunResultAwaitingUser = "awaiting_user"
	RunResultFailed       = "failed"
)

// Artifact is a named, typed output produced by an ANALYSIS task.
type Artifact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Path string `json:"path"`
}

// Upload references a user-uploaded file already resolved to storage.
type Upload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Path string `json:"path"`
}

// PlanTask is one unit of investigative work. Tasks within a level are
// mutually independent; cross-level dependency is expressed by referencing
// a completed task's id or artifact id in a later level's datasets.
type PlanTask struct {
	ID        string     `json:"id"`
	Objective string     `json:"objective"`
	Type      TaskType   `json:"type"`
	Datasets  []string   `json:"datasets,omitempty"`
	Level     int        `json:"level"`
	Start     time.Time  `json:"start,omitempty"`
	End       time.Time  `json:"end,omitempty"`
	Output    string     `json:"output,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

func (t PlanTask) Completed() bool {
	return !t.End.IsZero()
}

// Discovery is a structured scientific claim. It is only valid when at
// least one evidence entry references an ANALYSIS task.
type Discovery struct {
	Title     string   `json:"title"`
	Claim     string   `json:"claim"`
	Summary   string   `json:"summary,omitempty"`
	Evidence  []string `json:"evidence"`
	Artifacts []string `json:"artifacts,omitempty"`
	Novelty   string   `json:"novelty,omitempty"`
}

// HasAnalysisEvidence reports whether any evidence entry references an
// analysis task id.
func (d Discovery) HasAnalysisEvidence() bool {
	for _, ref := range d.Evidence {
		if strings.HasPrefix(strings.TrimSpace(ref), taskPrefixAnalysis) {
			return true
		}
	}
	return false
}

// DeepResearchRun is the run ledger entry: the concurrency-control record
// for one conversation's research loop.
type DeepResearchRun struct {
	IsRunning       bool       `json:"isRunning"`
	RootMessageID   string     `json:"rootMessageId"`
	StateID         string     `json:"stateId"`
	Mode            RunMode    `json:"mode"`
	JobID           string     `json:"jobId,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	LastResult      string     `json:"lastResult,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
}

// OwnedBy reports whether the given caller identity matches the entry's
// current owner. Both halves of the identity must match.
func (r *DeepResearchRun) OwnedBy(rootMessageID, stateID string) bool {
	if r == nil {
		return false
	}
	return r.RootMessageID == rootMessageID && r.StateID == stateID
}

// ConversationState is the durable unit of research memory, one per
// conversation. FileBuffers and ParsedText are working-copy payloads that
// are stripped before persistence.
type ConversationState struct {
	ID                 string            `json:"id"`
	Objective          string            `json:"objective"`
	CurrentObjective   string            `json:"currentObjective"`
	CurrentLevel       int               `json:"currentLevel"`
	KeyInsights        []string          `json:"keyInsights,omitempty"`
	Methodology        string            `json:"methodology,omitempty"`
	CurrentHypothesis  string            `json:"currentHypothesis,omitempty"`
	Discoveries        []Discovery       `json:"discoveries,omitempty"`
	Plan               []PlanTask        `json:"plan,omitempty"`
	SuggestedNextSteps []PlanTask        `json:"suggestedNextSteps,omitempty"`
	ResearchMode       ResearchMode      `json:"researchMode"`
	DeepResearchRun    *DeepResearchRun  `json:"deepResearchRun,omitempty"`
	ConversationTitle  string            `json:"conversationTitle,omitempty"`
	Uploads            []Upload          `json:"uploads,omitempty"`
	FileBuffers        map[string][]byte `json:"fileBuffers,omitempty"`
	ParsedText         map[string]string `json:"parsedText,omitempty"`
}

// Persistable returns a copy safe to write to the state store: large
// ancillary payloads are stripped, everything else is kept. The receiver's
// working copy is untouched.
func (s *ConversationState) Persistable() *ConversationState {
	clone := *s
	clone.FileBuffers = nil
	clone.ParsedText = nil
	return &clone
}

// Validate checks the cross-field invariants that must hold before the
// state is persisted.
func (s *ConversationState) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("conversation state id is required")
	}
	if s.CurrentLevel < 0 {
		return fmt.Errorf("current level must be >= 0")
	}
	for _, task := range s.Plan {
		if task.Level < 1 {
			return fmt.Errorf("task %s has level %d, want >= 1", task.ID, task.Level)
		}
		if task.Level > s.CurrentLevel {
			return fmt.Errorf("task %s has level %d above current level %d", task.ID, task.Level, s.CurrentLevel)
		}
	}
	for _, d := range s.Discoveries {
		if !d.HasAnalysisEvidence() {
			return fmt.Errorf("discovery %q has no analysis-backed evidence", d.Title)
		}
	}
	return nil
}

// TaskByID looks a task up in the executed plan history.
func (s *ConversationState) TaskByID(id string) (PlanTask, bool) {
	for _, task := range s.Plan {
		if task.ID == id {
			return task, true
		}
	}
	return PlanTask{}, false
}
