package types

import (
	"time"
)

// WorkItem is a scheduled unit of work: repository x specification x type.
type WorkItem struct {
	ID                 string         `json:"id"`
	Repo               string         `json:"repo"`
	Branch             string         `json:"branch"`
	Type               WorkItemType   `json:"type"`
	Spec               *string        `json:"spec,omitempty"`
	Description        *string        `json:"description,omitempty"`
	Status             WorkItemStatus `json:"status"`
	Priority           Priority       `json:"priority"`
	WorkerID           *string        `json:"workerId,omitempty"`
	Iteration          int            `json:"iteration"`
	MaxIterations      int            `json:"maxIterations"`
	RetryCount         int            `json:"retryCount"`
	NextRetryAt        *time.Time     `json:"nextRetryAt,omitempty"`
	ParentWorkItemID   *string        `json:"parentWorkItemId,omitempty"`
	PRNumber           *int           `json:"prNumber,omitempty"`
	PRURL              *string        `json:"prUrl,omitempty"`
	VerificationPassed *bool          `json:"verificationPassed,omitempty"`
	Source             string         `json:"source,omitempty"`
	SourceRef          string         `json:"sourceRef,omitempty"`
	Error              *string        `json:"error,omitempty"`
	Metadata           map[string]any `json:"metadata"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// WorkItemType distinguishes original tasks from PR follow-up checks
type WorkItemType string

const (
	WorkItemTypeExecution    WorkItemType = "execution"
	WorkItemTypeVerification WorkItemType = "verification"
)

// ValidWorkItemType reports whether t names a known work-item type.
func ValidWorkItemType(t WorkItemType) bool {
	return t == WorkItemTypeExecution || t == WorkItemTypeVerification
}

// WorkItemStatus represents the current state of a work item
type WorkItemStatus string

const (
	WorkItemStatusGenerating WorkItemStatus = "generating"
	WorkItemStatusQueued     WorkItemStatus = "queued"
	WorkItemStatusAssigned   WorkItemStatus = "assigned"
	WorkItemStatusInProgress WorkItemStatus = "in_progress"
	WorkItemStatusCompleted  WorkItemStatus = "completed"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusCancelled  WorkItemStatus = "cancelled"
)

// Priority orders work items in the queue
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityRank maps a priority onto an integer for ordering.
// Higher rank schedules first.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ValidPriority reports whether p names a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Worker is one execution attempt of a work item, realized as a container.
type Worker struct {
	ID            string       `json:"id"`
	WorkItemID    string       `json:"workItemId"`
	Status        WorkerStatus `json:"status"`
	Iteration     int          `json:"iteration"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	StartedAt     time.Time    `json:"startedAt"`
	CompletedAt   *time.Time   `json:"completedAt,omitempty"`
	ContainerID   *string      `json:"containerId,omitempty"`
	Error         *string      `json:"error,omitempty"`
}

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusStarting  WorkerStatus = "starting"
	WorkerStatusRunning   WorkerStatus = "running"
	WorkerStatusCompleted WorkerStatus = "completed"
	WorkerStatusFailed    WorkerStatus = "failed"
	WorkerStatusStuck     WorkerStatus = "stuck"
	WorkerStatusKilled    WorkerStatus = "killed"
)

// IsActive reports whether the worker can still accept transitions.
// Terminal states are sinks; nothing re-enters the state machine.
func (s WorkerStatus) IsActive() bool {
	return s == WorkerStatusStarting || s == WorkerStatusRunning
}

// FileLock is an exclusive per-(repo, path) token held by a worker for
// cooperative mutual exclusion. Uniqueness is enforced by the store.
type FileLock struct {
	WorkerID   string    `json:"workerId"`
	Repo       string    `json:"repo"`
	FilePath   string    `json:"filePath"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// WorkerMetrics is one append-only usage record written on completion.
type WorkerMetrics struct {
	ID            int64     `json:"id"`
	WorkerID      string    `json:"workerId"`
	WorkItemID    string    `json:"workItemId"`
	TokensIn      int64     `json:"tokensIn"`
	TokensOut     int64     `json:"tokensOut"`
	DurationMS    int64     `json:"durationMs"`
	FilesModified int       `json:"filesModified"`
	TestsRun      int       `json:"testsRun"`
	TestsPassed   int       `json:"testsPassed"`
	Iteration     int       `json:"iteration"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PRReview is a collaborator-owned record persisted from the complete payload.
type PRReview struct {
	ID         int64     `json:"id"`
	WorkItemID string    `json:"workItemId"`
	PRNumber   int       `json:"prNumber"`
	Review     string    `json:"review"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Learning is a collaborator-owned note surfaced read-only by the API.
type Learning struct {
	ID        int64     `json:"id"`
	Repo      string    `json:"repo"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SubmitRequest is the client payload for admitting a new work item.
// Exactly one of Spec or Description must be present.
type SubmitRequest struct {
	Repo          string   `json:"repo"`
	Spec          *string  `json:"spec,omitempty"`
	Description   *string  `json:"description,omitempty"`
	Source        string   `json:"source,omitempty"`
	SourceRef     string   `json:"sourceRef,omitempty"`
	Priority      Priority `json:"priority,omitempty"`
	MaxIterations int      `json:"maxIterations,omitempty"`
}

// HeartbeatRequest is the periodic liveness signal from a worker.
type HeartbeatRequest struct {
	WorkerID  string `json:"workerId"`
	Iteration int    `json:"iteration"`
}

// CompleteRequest is the terminal success payload from a worker.
type CompleteRequest struct {
	WorkerID            string          `json:"workerId"`
	PRURL               *string         `json:"prUrl,omitempty"`
	PRNumber            *int            `json:"prNumber,omitempty"`
	VerificationPassed  *bool           `json:"verificationPassed,omitempty"`
	VerificationEnabled bool            `json:"verificationEnabled,omitempty"`
	Review              *string         `json:"review,omitempty"`
	Metrics             *MetricsPayload `json:"metrics,omitempty"`
}

// MetricsPayload carries per-run usage numbers reported by a worker.
type MetricsPayload struct {
	TokensIn      int64 `json:"tokensIn"`
	TokensOut     int64 `json:"tokensOut"`
	DurationMS    int64 `json:"durationMs"`
	FilesModified int   `json:"filesModified"`
	TestsRun      int   `json:"testsRun"`
	TestsPassed   int   `json:"testsPassed"`
}

// FailRequest is the terminal failure payload from a worker.
type FailRequest struct {
	WorkerID  string `json:"workerId"`
	Error     string `json:"error"`
	Iteration int    `json:"iteration"`
}

// StuckRequest reports a worker that is alive but no longer progressing.
type StuckRequest struct {
	WorkerID string `json:"workerId"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// LockRequest asks for or returns per-file locks within one repository.
type LockRequest struct {
	WorkerID string   `json:"workerId"`
	Repo     string   `json:"repo"`
	Files    []string `json:"files"`
}

// LockResult partitions a lock request into acquired and blocked paths.
// The two lists, concatenated, cover the requested set.
type LockResult struct {
	Acquired []string `json:"acquired"`
	Blocked  []string `json:"blocked"`
}

// QueueStats summarizes work items by status and priority.
type QueueStats struct {
	Total      int                    `json:"total"`
	ByStatus   map[WorkItemStatus]int `json:"byStatus"`
	ByPriority map[Priority]int       `json:"byPriority"`
}

// WorkerStats summarizes workers by status.
type WorkerStats struct {
	Total    int                  `json:"total"`
	ByStatus map[WorkerStatus]int `json:"byStatus"`
}

// Summary is the read-only metrics aggregate derived from durable tables.
type Summary struct {
	ActiveWorkers   int     `json:"activeWorkers"`
	QueuedItems     int     `json:"queuedItems"`
	CompletedToday  int     `json:"completedToday"`
	FailedToday     int     `json:"failedToday"`
	IterationsToday int64   `json:"iterationsToday"`
	AvgDurationMS   int64   `json:"avgDurationMs"`
	SuccessRate     float64 `json:"successRate"`
}

// RateStatus is a point-in-time snapshot of the rate-limiter counters.
type RateStatus struct {
	ActiveWorkers   int64     `json:"activeWorkers"`
	MaxWorkers      int       `json:"maxWorkers"`
	LastSpawn       time.Time `json:"lastSpawn"`
	DailyIterations int64     `json:"dailyIterations"`
	DailyBudget     int       `json:"dailyBudget"`
	DailyResetDate  string    `json:"dailyResetDate"`
	CanSpawn        bool      `json:"canSpawn"`
}
