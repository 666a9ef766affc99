// Package registry implements the execution registry from spec.md §4.8
// (C10): a bounded in-memory store of ExecutionState keyed by executionId,
// grounded on the teacher's bounded-map + access-order eviction shape in
// accumulate-lite-client-2/liteclient/cache/account.go, retargeted from
// per-type account caches to one ExecutionState store.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/certen/bridgekit/types"
)

// Capacity is the maximum number of entries retained, per spec.md §4.8.
const Capacity = 100

// terminalRetention is how long a terminal entry survives before it becomes
// eligible for eviction purely on age.
const terminalRetention = time.Hour

// Registry is the sole mutable store of execution state; only the
// orchestrator is expected to write to it (spec.md §4.9).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*types.ExecutionState
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*types.ExecutionState, Capacity)}
}

// CreateParams seeds a new execution entry.
type CreateParams struct {
	ExecutionID   string
	QuoteID       string
	TotalSteps    int
	FromChainID   int
	ToChainID     int
	FromAmount    *uint256.Int
	ToAmount      *uint256.Int
	EstimatedTime int
	Steps         []types.StepStatus
}

// Create initializes an entry with status=pending, currentStepIndex=0,
// progress=0, per spec.md §4.8.
func (r *Registry) Create(p CreateParams) types.ExecutionState {
	now := time.Now().UnixMilli()
	state := &types.ExecutionState{
		ExecutionID:      p.ExecutionID,
		QuoteID:          p.QuoteID,
		Status:           types.StatusPending,
		CurrentStepIndex: 0,
		TotalSteps:       p.TotalSteps,
		Steps:            append([]types.StepStatus(nil), p.Steps...),
		FromAmount:       p.FromAmount,
		ToAmount:         p.ToAmount,
		FromChainID:      p.FromChainID,
		ToChainID:        p.ToChainID,
		Progress:         0,
		EstimatedTime:    p.EstimatedTime,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictIfNeeded()
	r.entries[p.ExecutionID] = state
	return cloneState(state)
}

// StateUpdate is a partial update: nil fields are left unchanged. update()
// always stamps UpdatedAt, per spec.md §4.8.
type StateUpdate struct {
	Status           *types.ExecutionStatus
	CurrentStepIndex *int
	TxHash           *string
	ReceivingTxHash  *string
	ReceivedAmount   *uint256.Int
	Progress         *int
	Substatus        *string
	Error            *string
	RetryCount       *int
	FailedStepIndex  *int
}

// Update merges non-nil fields of u into the entry identified by id and
// stamps UpdatedAt. Returns (zero, false) if id is unknown.
func (r *Registry) Update(id string, u StateUpdate) (types.ExecutionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[id]
	if !ok {
		return types.ExecutionState{}, false
	}

	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.CurrentStepIndex != nil {
		s.CurrentStepIndex = *u.CurrentStepIndex
	}
	if u.TxHash != nil {
		s.TxHash = *u.TxHash
	}
	if u.ReceivingTxHash != nil {
		s.ReceivingTxHash = *u.ReceivingTxHash
	}
	if u.ReceivedAmount != nil {
		s.ReceivedAmount = u.ReceivedAmount
	}
	if u.Progress != nil {
		s.Progress = *u.Progress
	}
	if u.Substatus != nil {
		s.Substatus = *u.Substatus
	}
	if u.Error != nil {
		s.Error = *u.Error
		if *u.Error != "" {
			s.PreviousErrors = append(s.PreviousErrors, *u.Error)
		}
	}
	if u.RetryCount != nil {
		s.RetryCount = *u.RetryCount
	}
	if u.FailedStepIndex != nil {
		s.FailedStepIndex = u.FailedStepIndex
	}
	s.UpdatedAt = time.Now().UnixMilli()

	return cloneState(s), true
}

// StepUpdate is a partial update to one step entry.
type StepUpdate struct {
	Status *types.StepRunStatus
	TxHash *string
	Error  *string
}

// UpdateStep rewrites the step entry matching stepID, per spec.md §4.8.
// Returns false if either id or stepID is unknown.
func (r *Registry) UpdateStep(id, stepID string, u StepUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[id]
	if !ok {
		return false
	}
	for i := range s.Steps {
		if s.Steps[i].StepID != stepID {
			continue
		}
		if u.Status != nil {
			s.Steps[i].Status = *u.Status
		}
		if u.TxHash != nil {
			s.Steps[i].TxHash = *u.TxHash
		}
		if u.Error != nil {
			s.Steps[i].Error = *u.Error
		}
		now := time.Now().UnixMilli()
		s.Steps[i].Timestamp = now
		s.UpdatedAt = now
		return true
	}
	return false
}

// GetStatus projects an ExecutionStatusResult, per spec.md §4.8. When id is
// unknown, Found is false and every other field is zero.
func (r *Registry) GetStatus(id string) types.ExecutionStatusResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.entries[id]
	if !ok {
		return types.ExecutionStatusResult{Found: false}
	}

	var current *types.StepStatus
	if s.CurrentStepIndex >= 0 && s.CurrentStepIndex < len(s.Steps) {
		cp := s.Steps[s.CurrentStepIndex]
		current = &cp
	}

	return types.ExecutionStatusResult{
		Found:           true,
		Status:          s.Status,
		CurrentStep:     current,
		Steps:           append([]types.StepStatus(nil), s.Steps...),
		Progress:        s.Progress,
		TxHash:          s.TxHash,
		ReceivingTxHash: s.ReceivingTxHash,
		Error:           s.Error,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// evictIfNeeded runs the two-phase eviction from spec.md §4.8 when the
// registry is at capacity: first terminal entries older than 1h, then (if
// still at capacity) the oldest quartile by CreatedAt. Callers must hold mu.
func (r *Registry) evictIfNeeded() {
	if len(r.entries) < Capacity {
		return
	}

	cutoff := time.Now().Add(-terminalRetention).UnixMilli()
	for id, s := range r.entries {
		if s.Status.IsTerminal() && s.UpdatedAt < cutoff {
			delete(r.entries, id)
		}
	}
	if len(r.entries) < Capacity {
		return
	}

	type ageEntry struct {
		id        string
		createdAt int64
	}
	byAge := make([]ageEntry, 0, len(r.entries))
	for id, s := range r.entries {
		byAge = append(byAge, ageEntry{id: id, createdAt: s.CreatedAt})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].createdAt < byAge[j].createdAt })

	quartile := len(byAge) / 4
	if quartile == 0 {
		quartile = 1
	}
	for i := 0; i < quartile; i++ {
		delete(r.entries, byAge[i].id)
	}
}

func cloneState(s *types.ExecutionState) types.ExecutionState {
	cp := *s
	cp.Steps = append([]types.StepStatus(nil), s.Steps...)
	cp.PreviousErrors = append([]string(nil), s.PreviousErrors...)
	return cp
}

// IsRecoverable implements the projected-error recoverability heuristic from
// spec.md §4.8: specific substrings mark an error as non-recoverable,
// everything else defaults to recoverable.
func IsRecoverable(message string) bool {
	lower := strings.ToLower(message)
	for _, sub := range []string{"user rejected", "user denied", "insufficient balance", "insufficient funds", "nonce too low"} {
		if strings.Contains(lower, sub) {
			return false
		}
	}
	return true
}
