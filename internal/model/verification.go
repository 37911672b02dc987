package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	backuperr "github.com/bleepstore/bleepbackup/internal/errors"
	"github.com/bleepstore/bleepbackup/internal/uid"
)

const VerificationModelVersion = 1

// VerificationState is the lifecycle state of a verification run.
type VerificationState string

const (
	VerificationStarted  VerificationState = "STARTED"
	VerificationFinished VerificationState = "FINISHED"
	VerificationFailed   VerificationState = "FAILED"
	VerificationTimedOut VerificationState = "TIMEDOUT"
)

var VerificationStates = []VerificationState{
	VerificationStarted, VerificationFinished, VerificationFailed, VerificationTimedOut,
}

func ParseVerificationState(s string) (VerificationState, error) {
	if st := VerificationState(s); slices.Contains(VerificationStates, st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown verification state %q: %w", s, backuperr.ErrInvalidArgument)
}

func (s VerificationState) Successful() bool { return s == VerificationFinished }
func (s VerificationState) Failed() bool {
	return s == VerificationFailed || s == VerificationTimedOut
}
func (s VerificationState) Running() bool { return s == VerificationStarted }

// VerificationMetadata tracks one verification run of a backup.
type VerificationMetadata struct {
	Lifecycle[VerificationState]

	backupID string
}

type verificationJSON struct {
	lifecycleJSON[VerificationState]
	BackupID string `json:"backupId"`
}

// NewVerificationMetadata creates a STARTED verification of backupID.
func NewVerificationMetadata(service, backupID, sourceAddress, nodeName string, started time.Time) *VerificationMetadata {
	v := &VerificationMetadata{backupID: backupID}
	v.init(service, uid.New(), sourceAddress, nodeName, started, VerificationStarted, VerificationModelVersion)
	return v
}

func (v *VerificationMetadata) MarshalJSON() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return json.Marshal(verificationJSON{lifecycleJSON: v.wire(), BackupID: v.backupID})
}

func (v *VerificationMetadata) UnmarshalJSON(data []byte) error {
	var w verificationJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.restore(w.lifecycleJSON)
	v.backupID = w.BackupID
	return nil
}

func (v *VerificationMetadata) BackupID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.backupID
}

func (v *VerificationMetadata) SetFailed(comment string)   { v.SetState(VerificationFailed, comment) }
func (v *VerificationMetadata) SetTimedOut(comment string) { v.SetState(VerificationTimedOut, comment) }

func (v *VerificationMetadata) String() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fmt.Sprintf("VerificationMetadata{service=%s, id=%s, backupId=%s, state=%s}", v.service, v.id, v.backupID, v.state)
}
