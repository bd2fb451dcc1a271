package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/skylarbarrera/whim/pkg/events"
	"github.com/skylarbarrera/whim/pkg/log"
	"github.com/skylarbarrera/whim/pkg/store"
	"github.com/skylarbarrera/whim/pkg/types"
)

var (
	// ErrValidation marks a rejected submission; the API maps it to 400.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidState marks an operation attempted from a status that does
	// not allow it, as opposed to the item not existing at all.
	ErrInvalidState = errors.New("invalid state")
)

// Manager admits work items, answers reads, and owns the cancel, requeue,
// and verification-chaining transitions. Scheduling order and retry gating
// live in the store's eligibility query; the manager only persists the
// fields that query reads.
type Manager struct {
	store         store.Store
	events        *events.Broker
	maxIterations int
	logger        zerolog.Logger
}

// NewManager creates a queue manager. maxIterations is the default
// iteration cap applied when a submission does not set one. A nil
// broker disables event publication.
func NewManager(s store.Store, broker *events.Broker, maxIterations int) *Manager {
	return &Manager{
		store:         s,
		events:        broker,
		maxIterations: maxIterations,
		logger:        log.WithComponent("queue"),
	}
}

func (m *Manager) publish(t events.EventType, msg string, metadata map[string]string) {
	if m.events == nil {
		return
	}
	m.events.Publish(&events.Event{Type: t, Message: msg, Metadata: metadata})
}

// Add admits a new work item. Exactly one of spec or description must be
// present: a spec is immediately queued, a description parks the item in
// generating until an external collaborator attaches a spec.
func (m *Manager) Add(ctx context.Context, req *types.SubmitRequest) (*types.WorkItem, error) {
	if req.Repo == "" {
		return nil, fmt.Errorf("%w: repo is required", ErrValidation)
	}
	hasSpec := req.Spec != nil && *req.Spec != ""
	hasDesc := req.Description != nil && *req.Description != ""
	if hasSpec == hasDesc {
		return nil, fmt.Errorf("%w: exactly one of spec or description is required", ErrValidation)
	}

	priority := req.Priority
	if priority == "" {
		priority = types.PriorityMedium
	}
	if !types.ValidPriority(priority) {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, priority)
	}

	status := types.WorkItemStatusQueued
	if hasDesc {
		status = types.WorkItemStatusGenerating
	}

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = m.maxIterations
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	item := &types.WorkItem{
		ID:            id,
		Repo:          req.Repo,
		Branch:        branchFor(id),
		Type:          types.WorkItemTypeExecution,
		Spec:          req.Spec,
		Description:   req.Description,
		Status:        status,
		Priority:      priority,
		MaxIterations: maxIterations,
		Source:        req.Source,
		SourceRef:     req.SourceRef,
		Metadata:      map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.store.CreateWorkItem(ctx, item); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: branch %s already in use for %s", ErrValidation, item.Branch, item.Repo)
		}
		return nil, fmt.Errorf("failed to create work item: %w", err)
	}

	m.logger.Info().
		Str("work_item_id", item.ID).
		Str("repo", item.Repo).
		Str("status", string(item.Status)).
		Str("priority", string(item.Priority)).
		Msg("work item admitted")
	m.publish(events.EventWorkItemAdmitted, "work item admitted for "+item.Repo, map[string]string{
		"work_item_id": item.ID,
		"repo":         item.Repo,
		"priority":     string(item.Priority),
	})
	return item, nil
}

// Get returns one work item by id.
func (m *Manager) Get(ctx context.Context, id string) (*types.WorkItem, error) {
	return m.store.GetWorkItem(ctx, id)
}

// List returns all work items, optionally filtered by type.
func (m *Manager) List(ctx context.Context, typeFilter *types.WorkItemType) ([]*types.WorkItem, error) {
	return m.store.ListWorkItems(ctx, typeFilter)
}

// Stats summarizes the queue by status and priority.
func (m *Manager) Stats(ctx context.Context) (*types.QueueStats, error) {
	return m.store.WorkItemStats(ctx)
}

// Eligible returns up to limit runnable items: queued, retry timer expired
// or absent, ordered priority-descending then oldest-first.
func (m *Manager) Eligible(ctx context.Context, limit int) ([]*types.WorkItem, error) {
	return m.store.EligibleWorkItems(ctx, time.Now().UTC(), limit)
}

// Cancel moves an item to cancelled and reports whether it did. Only
// items that have not started running (generating or queued) can be
// cancelled; anything else returns false with the item untouched.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	n, err := m.store.UpdateWorkItemIfStatus(ctx, id,
		[]types.WorkItemStatus{types.WorkItemStatusGenerating, types.WorkItemStatusQueued},
		store.Fields{"status": types.WorkItemStatusCancelled},
	)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	m.logger.Info().Str("work_item_id", id).Msg("work item cancelled")
	m.publish(events.EventWorkItemCancelled, "work item cancelled", map[string]string{"work_item_id": id})
	return true, nil
}

// Requeue returns a failed or cancelled item to the queue with its retry
// state cleared. Items in any other status yield ErrInvalidState so the
// API can answer with a conflict rather than a not-found.
func (m *Manager) Requeue(ctx context.Context, id string) (*types.WorkItem, error) {
	n, err := m.store.UpdateWorkItemIfStatus(ctx, id,
		[]types.WorkItemStatus{types.WorkItemStatusFailed, types.WorkItemStatusCancelled},
		store.Fields{
			"status":      types.WorkItemStatusQueued,
			"retryCount":  0,
			"nextRetryAt": nil,
			"workerId":    nil,
			"error":       nil,
		},
	)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := m.store.GetWorkItem(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: work item %s is not failed or cancelled", ErrInvalidState, id)
	}

	m.logger.Info().Str("work_item_id", id).Msg("work item requeued")
	m.publish(events.EventWorkItemRequeued, "work item requeued", map[string]string{"work_item_id": id})
	return m.store.GetWorkItem(ctx, id)
}

// AddVerificationWorkItem chains a verification item off a completed
// execution item and its PR. At most one verification per (parent, PR):
// a duplicate, or a parent whose verification already concluded, is
// rejected.
func (m *Manager) AddVerificationWorkItem(ctx context.Context, parent *types.WorkItem, prNumber int) (*types.WorkItem, error) {
	exists, err := m.store.VerificationExists(ctx, parent.ID, prNumber)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: verification for work item %s PR #%d already exists", ErrInvalidState, parent.ID, prNumber)
	}
	if verificationConcluded(parent.Metadata) {
		return nil, fmt.Errorf("%w: verification for work item %s already concluded", ErrInvalidState, parent.ID)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	spec := fmt.Sprintf("Verify PR #%d for %s", prNumber, parent.Repo)
	item := &types.WorkItem{
		ID:               id,
		Repo:             parent.Repo,
		Branch:           branchFor(id),
		Type:             types.WorkItemTypeVerification,
		Spec:             &spec,
		Status:           types.WorkItemStatusQueued,
		Priority:         types.PriorityHigh,
		MaxIterations:    m.maxIterations,
		ParentWorkItemID: &parent.ID,
		PRNumber:         &prNumber,
		Source:           parent.Source,
		Metadata:         map[string]any{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := m.store.CreateWorkItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to create verification work item: %w", err)
	}

	m.logger.Info().
		Str("work_item_id", item.ID).
		Str("parent_work_item_id", parent.ID).
		Int("pr_number", prNumber).
		Msg("verification work item chained")
	return item, nil
}

// branchFor derives the working branch from the item id. The id prefix
// keeps branches unique per item without a second naming scheme.
func branchFor(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "whim/" + short
}

// verificationConcluded reports whether metadata.verificationStatus.passed
// carries a verdict already.
func verificationConcluded(metadata map[string]any) bool {
	vs, ok := metadata["verificationStatus"].(map[string]any)
	if !ok {
		return false
	}
	_, set := vs["passed"]
	return set && vs["passed"] != nil
}
