// Copyright 2026 Devport Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package operation tracks long-running work as an explicit state machine
// with durable checkpoints.
//
// Lifecycle:
//
//	CREATED -> RUNNING -> PAUSED -> RUNNING -> ... -> COMPLETED
//	                                               -> FAILED
//	                                               -> CANCELLED
//
// Every transition is persisted to the memory store before the mutating
// call returns, so a restarted process can resume from the last checkpoint.
package operation

import (
	"bytes"
	"time"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// validTransitions enumerates the allowed edges of the state machine.
var validTransitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Operation is a snapshot of one long-running operation.
type Operation struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerAgent string    `json:"owner_agent"`
	SessionID  string    `json:"session_id,omitempty"`
	Status     Status    `json:"status"`
	Checkpoint string    `json:"checkpoint,omitempty"`
	State      []byte    `json:"state,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	cancelled  bool
}

// sameCheckpoint reports whether an advance repeats the current checkpoint
// with byte-identical state. Repeats refresh UpdatedAt without growing the
// transition history.
func (o *Operation) sameCheckpoint(checkpoint string, state []byte) bool {
	return o.Status == StatusRunning &&
		o.Checkpoint == checkpoint &&
		bytes.Equal(o.State, state)
}

// Transition is one recorded state machine edge.
type Transition struct {
	OperationID string    `json:"operation_id"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	Checkpoint  string    `json:"checkpoint,omitempty"`
	State       []byte    `json:"state,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
