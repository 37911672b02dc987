// Package model holds the tracked entities of BleepBackup and the lifecycle
// state machine they share.
//
// Every entity keeps an append-only list of transitions. State changes go
// through TransitionState, which fails unless the entity is in the expected
// state, or SetState for unconditional marks such as failure and timeout.
// completedDate is stamped the first time an entity reaches a successful or
// failed state.
package model

import (
	"fmt"
	"slices"
	"sync"
	"time"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
)

// State is implemented by the state enums of lifecycle entities.
type State interface {
	~string
	Successful() bool
	Failed() bool
	Running() bool
}

// Transition is one audited state change.
type Transition[S State] struct {
	OldState S         `json:"oldState"`
	NewState S         `json:"newState"`
	Time     time.Time `json:"time"`
	Comment  string    `json:"comment"`
}

// Entity is what processors and sweeps need from any tracked record.
type Entity interface {
	RowKey() string
	ColumnKey() string
	Service() string
	ID() string
	NodeName() string
	StartedDate() time.Time
	CompletedDate() (time.Time, bool)
	IsAtNode(nodeName string) bool
	IsRunning() bool
	IsFinished() bool
	IsSuccessful() bool
	IsFailed() bool
	SetFailed(comment string)
	SetTimedOut(comment string)
}

// Lifecycle is embedded by every entity. All methods are safe for concurrent
// use within one process.
type Lifecycle[S State] struct {
	mu            sync.Mutex
	service       string
	id            string
	sourceAddress string
	startedDate   time.Time
	completedDate *time.Time
	nodeName      string
	state         S
	transitions   []Transition[S]
	modelVersion  int
}

// lifecycleJSON is the wire form shared by all entities.
type lifecycleJSON[S State] struct {
	Service       string          `json:"service"`
	ID            string          `json:"id"`
	SourceAddress string          `json:"sourceAddress"`
	StartedDate   time.Time       `json:"startedDate"`
	CompletedDate *time.Time      `json:"completedDate,omitempty"`
	NodeName      string          `json:"nodeName"`
	State         S               `json:"state"`
	Transitions   []Transition[S] `json:"transitions"`
	ModelVersion  int             `json:"modelVersion"`
}

func (l *Lifecycle[S]) init(service, id, sourceAddress, nodeName string, started time.Time, state S, modelVersion int) {
	l.service = service
	l.id = id
	l.sourceAddress = sourceAddress
	l.nodeName = nodeName
	l.startedDate = started.UTC()
	l.state = state
	l.transitions = []Transition[S]{}
	l.modelVersion = modelVersion
}

// wire must be called with l.mu held.
func (l *Lifecycle[S]) wire() lifecycleJSON[S] {
	return lifecycleJSON[S]{
		Service:       l.service,
		ID:            l.id,
		SourceAddress: l.sourceAddress,
		StartedDate:   l.startedDate,
		CompletedDate: l.completedDate,
		NodeName:      l.nodeName,
		State:         l.state,
		Transitions:   slices.Clone(l.transitions),
		ModelVersion:  l.modelVersion,
	}
}

// restore must be called with l.mu held.
func (l *Lifecycle[S]) restore(w lifecycleJSON[S]) {
	l.service = w.Service
	l.id = w.ID
	l.sourceAddress = w.SourceAddress
	l.startedDate = w.StartedDate
	l.completedDate = w.CompletedDate
	l.nodeName = w.NodeName
	l.state = w.State
	l.transitions = w.Transitions
	if l.transitions == nil {
		l.transitions = []Transition[S]{}
	}
	l.modelVersion = w.ModelVersion
}

// RowKey is the storage partition key: the service name.
func (l *Lifecycle[S]) RowKey() string { return l.Service() }

// ColumnKey is the storage key within a partition: the entity id.
func (l *Lifecycle[S]) ColumnKey() string { return l.ID() }

func (l *Lifecycle[S]) Service() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.service
}

func (l *Lifecycle[S]) ID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

func (l *Lifecycle[S]) SourceAddress() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sourceAddress
}

func (l *Lifecycle[S]) NodeName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nodeName
}

func (l *Lifecycle[S]) StartedDate() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startedDate
}

// CompletedDate returns the completion time and whether it is set.
func (l *Lifecycle[S]) CompletedDate() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completedDate == nil {
		return time.Time{}, false
	}
	return *l.completedDate, true
}

func (l *Lifecycle[S]) ModelVersion() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.modelVersion
}

func (l *Lifecycle[S]) State() S {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transitions returns a copy of the audit trail.
func (l *Lifecycle[S]) Transitions() []Transition[S] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.transitions)
}

func (l *Lifecycle[S]) IsAtNode(nodeName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nodeName == nodeName
}

// IsState reports whether the current state is any of states.
func (l *Lifecycle[S]) IsState(states ...S) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(states, l.state)
}

func (l *Lifecycle[S]) IsSuccessful() bool { return l.State().Successful() }
func (l *Lifecycle[S]) IsFailed() bool     { return l.State().Failed() }
func (l *Lifecycle[S]) IsRunning() bool    { return l.State().Running() }
func (l *Lifecycle[S]) IsFinished() bool   { return !l.State().Running() }

// TransitionState moves from expected to next, failing with
// ErrIllegalTransition when the entity is in any other state.
func (l *Lifecycle[S]) TransitionState(expected, next S, comment string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitionLocked(expected, next, comment)
}

// SetState moves to next regardless of the current state.
func (l *Lifecycle[S]) SetState(next S, comment string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setStateLocked(next, comment)
}

func (l *Lifecycle[S]) transitionLocked(expected, next S, comment string) error {
	if l.state != expected {
		return fmt.Errorf("%s/%s: expected state %s but was %s: %w", l.service, l.id, expected, l.state, backuperr.ErrIllegalTransition)
	}
	l.setStateLocked(next, comment)
	return nil
}

func (l *Lifecycle[S]) setStateLocked(next S, comment string) {
	now := time.Now().UTC()
	l.transitions = append(l.transitions, Transition[S]{
		OldState: l.state,
		NewState: next,
		Time:     now,
		Comment:  comment,
	})
	l.state = next
	if (next.Successful() || next.Failed()) && l.completedDate == nil {
		l.completedDate = &now
	}
}
