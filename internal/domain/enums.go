// Package domain contains the core domain models for the strategy lab.
package domain

import "strings"

// JobStatus represents the status of an optimization job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusComplete  JobStatus = "complete"
	JobStatusError     JobStatus = "error"
)

// IsTerminal returns true if the status is terminal (no further transitions).
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusError || s == JobStatusCancelled
}

// IsValid returns true if the status is a valid JobStatus.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused,
		JobStatusCancelled, JobStatusComplete, JobStatusError:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// JobStatusFromString converts a string to JobStatus.
func JobStatusFromString(s string) JobStatus {
	status := JobStatus(s)
	if status.IsValid() {
		return status
	}
	return JobStatusPending
}

// Direction is the side a strategy trades.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// IsValid returns true if the direction is long or short.
func (d Direction) IsValid() bool {
	return d == DirectionLong || d == DirectionShort
}

func (d Direction) String() string {
	return string(d)
}

// DirectionFromString converts a string to Direction, defaulting to long.
func DirectionFromString(s string) Direction {
	d := Direction(strings.ToLower(s))
	if d.IsValid() {
		return d
	}
	return DirectionLong
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitReasonSignal     ExitReason = "signal"
	ExitReasonStopLoss   ExitReason = "stop_loss"
	ExitReasonTakeProfit ExitReason = "take_profit"
	ExitReasonEndOfData  ExitReason = "end_of_data"
)

func (r ExitReason) String() string {
	return string(r)
}

// FillPolicy decides at which price a signal is executed.
type FillPolicy string

const (
	// FillNextOpen executes a signal raised on bar i at the open of bar i+1.
	FillNextOpen FillPolicy = "next_open"
	// FillClose executes a signal at the close of the bar that raised it.
	FillClose FillPolicy = "close"
)

// IsValid returns true if the policy is known.
func (p FillPolicy) IsValid() bool {
	return p == FillNextOpen || p == FillClose
}

func (p FillPolicy) String() string {
	return string(p)
}

// FillPolicyFromString converts a string to FillPolicy, defaulting to next_open.
func FillPolicyFromString(s string) FillPolicy {
	p := FillPolicy(strings.ToLower(s))
	if p.IsValid() {
		return p
	}
	return FillNextOpen
}

// StageKind tags how a stage enumerates its candidates.
type StageKind string

const (
	StageKindGrid       StageKind = "grid"
	StageKindSequential StageKind = "sequential"
)

func (k StageKind) String() string {
	return string(k)
}

// StageStatus represents the status of a single optimization stage.
type StageStatus string

const (
	StageStatusPending  StageStatus = "pending"
	StageStatusRunning  StageStatus = "running"
	StageStatusComplete StageStatus = "complete"
	StageStatusSkipped  StageStatus = "skipped"
)

// IsDone returns true once the stage will receive no more results.
func (s StageStatus) IsDone() bool {
	return s == StageStatusComplete || s == StageStatusSkipped
}

func (s StageStatus) String() string {
	return string(s)
}

// Objective is the metric an optimization maximizes.
type Objective string

const (
	ObjectiveSharpe       Objective = "sharpe"
	ObjectiveSortino      Objective = "sortino"
	ObjectiveCalmar       Objective = "calmar"
	ObjectiveTotalReturn  Objective = "total_return"
	ObjectiveCAGR         Objective = "cagr"
	ObjectiveProfitFactor Objective = "profit_factor"
	ObjectiveExpectancy   Objective = "expectancy"
	ObjectiveWinRate      Objective = "win_rate"
)

// IsValid returns true if the objective is supported.
func (o Objective) IsValid() bool {
	switch o {
	case ObjectiveSharpe, ObjectiveSortino, ObjectiveCalmar, ObjectiveTotalReturn,
		ObjectiveCAGR, ObjectiveProfitFactor, ObjectiveExpectancy, ObjectiveWinRate:
		return true
	default:
		return false
	}
}

func (o Objective) String() string {
	return string(o)
}

// ObjectiveFromString converts a string to Objective, defaulting to sharpe.
func ObjectiveFromString(s string) Objective {
	o := Objective(strings.ToLower(s))
	if o.IsValid() {
		return o
	}
	return ObjectiveSharpe
}

// Verdict is the GO/NO-GO outcome of the criteria evaluation.
type Verdict string

const (
	VerdictGo   Verdict = "GO"
	VerdictNoGo Verdict = "NO-GO"
)

// EventType identifies a progress event.
type EventType string

const (
	EventTestCompleted  EventType = "test_completed"
	EventStageCompleted EventType = "stage_completed"
	EventProgress       EventType = "progress"
	EventStatusChanged  EventType = "status_changed"
	EventJobCompleted   EventType = "job_completed"
)

func (t EventType) String() string {
	return string(t)
}
