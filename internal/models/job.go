package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Verdict is the whole-job outcome persisted on RunStatus.
type Verdict string

const (
	VerdictUnset   Verdict = "unset"
	VerdictSuccess Verdict = "success"
	VerdictPartial Verdict = "partial-success"
	VerdictError   Verdict = "error"
)

// ParseVerdict accepts the persisted spelling of a verdict. An empty string is unset.
func ParseVerdict(s string) (Verdict, error) {
	switch v := Verdict(strings.ToLower(strings.TrimSpace(s))); v {
	case "", VerdictUnset:
		return VerdictUnset, nil
	case VerdictSuccess, VerdictPartial, VerdictError:
		return v, nil
	default:
		return VerdictUnset, fmt.Errorf("unknown verdict %q", s)
	}
}

// jobNamespace seeds deterministic job identifiers.
var jobNamespace = uuid.MustParse("6f1d7c2e-3b0a-5e4f-9a64-0c1b2d3e4f50")

// EntityKey identifies the entity whose upstream data changed.
type EntityKey struct {
	Subject      string    `json:"subject"`
	SessionStart time.Time `json:"session_start"`
}

// String renders the key in a stable form used in scope keys and logs.
func (k EntityKey) String() string {
	return k.Subject + "/" + k.SessionStart.UTC().Format("2006-01-02T15:04:05")
}

// Date is the calendar date of the session start, at midnight UTC.
func (k EntityKey) Date() time.Time {
	y, m, d := k.SessionStart.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Snapshot holds descriptive fields captured when a job is requested.
// It is kept for audit only; nothing in orchestration reads it.
type Snapshot struct {
	Nickname    string `json:"nickname,omitempty"`
	SessionUUID string `json:"session_uuid,omitempty"`
	Lab         string `json:"lab,omitempty"`
}

// Job is one request to reprocess one entity. Jobs are append-only.
type Job struct {
	ID        string    `json:"id"`
	Entity    EntityKey `json:"entity"`
	JobDate   time.Time `json:"job_date"`
	Snapshot  Snapshot  `json:"snapshot"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJob builds a job with its deterministic ID. The job date is truncated to a day.
func NewJob(entity EntityKey, jobDate time.Time, snap Snapshot) Job {
	y, m, d := jobDate.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	entity.SessionStart = entity.SessionStart.UTC().Truncate(time.Second)
	return Job{
		ID:       JobID(entity, day),
		Entity:   entity,
		JobDate:  day,
		Snapshot: snap,
	}
}

// JobID derives the identifier of the job for entity requested on jobDate.
func JobID(entity EntityKey, jobDate time.Time) string {
	name := entity.String() + "@" + jobDate.Format("2006-01-02")
	return uuid.NewSHA1(jobNamespace, []byte(name)).String()
}

// PartitionKey groups jobs that may share downstream aggregates.
func (j Job) PartitionKey() string {
	return j.Entity.Subject
}

// RunStatus tracks whole-job timing, one per job.
type RunStatus struct {
	JobID      string     `json:"job_id"`
	RunStart   time.Time  `json:"run_start_time"`
	RunRestart *time.Time `json:"run_restart_time,omitempty"`
	RunEnd     *time.Time `json:"run_end_time,omitempty"`
	Verdict    Verdict    `json:"job_verdict"`
	Attempts   int        `json:"attempts"`
}

// JobSummary joins a job with its run status, if any.
type JobSummary struct {
	Job Job        `json:"job"`
	Run *RunStatus `json:"run,omitempty"`
}

// Verdict returns the last verdict, unset when the job never ran.
func (s JobSummary) Verdict() Verdict {
	if s.Run == nil || s.Run.Verdict == "" {
		return VerdictUnset
	}
	return s.Run.Verdict
}
