// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/bureau-foundation/propagator/lib/codec"
)

// Kind is the task a job asks its target to perform.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCreate
	KindMove
	KindSync
	KindDelete
	KindSetDescription
)

var kindNames = map[Kind]string{
	KindCreate:         "create",
	KindMove:           "move",
	KindSync:           "sync",
	KindDelete:         "delete",
	KindSetDescription: "setdesc",
}

// Kinds lists every valid task kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindCreate, KindMove, KindSync, KindDelete, KindSetDescription}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, error) {
	for kind, candidate := range kindNames {
		if candidate == name {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown task kind %q", name)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("cannot encode task kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Well-known argument keys.
const (
	ArgRepository  = "repository"
	ArgDestination = "destination"
	ArgDescription = "description"
)

// DefaultDescription is used when a repository has no description of
// its own.
const DefaultDescription = "This repository has no description"

// Job is one unit of work for one target. Only Attempt changes after
// the dispatcher creates it.
type Job struct {
	ID        string            `cbor:"id"`
	Target    string            `cbor:"target"`
	Kind      Kind              `cbor:"kind"`
	Arguments map[string]string `cbor:"arguments"`
	DependsOn string            `cbor:"depends_on,omitempty"`
	Attempt   int               `cbor:"attempt"`
}

// Repository returns the repository argument, or "" when absent.
func (j Job) Repository() string {
	return j.Arguments[ArgRepository]
}

// Clone returns a copy whose Arguments map is not shared with j.
func (j Job) Clone() Job {
	clone := j
	clone.Arguments = maps.Clone(j.Arguments)
	return clone
}

// Validate reports structural problems that make a job impossible to
// execute no matter how often it is retried.
func (j Job) Validate() error {
	var errs []error
	if j.ID == "" {
		errs = append(errs, errors.New("job id is empty"))
	}
	if j.Target == "" {
		errs = append(errs, errors.New("job target is empty"))
	}
	if _, ok := kindNames[j.Kind]; !ok {
		errs = append(errs, fmt.Errorf("job kind %d is not valid", uint8(j.Kind)))
	}
	if j.Attempt < 0 {
		errs = append(errs, fmt.Errorf("job attempt %d is negative", j.Attempt))
	}
	if j.DependsOn != "" && j.DependsOn == j.ID {
		errs = append(errs, errors.New("job depends on itself"))
	}
	return errors.Join(errs...)
}

// MalformedError is returned by Decode for payloads that can never be
// executed.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return "malformed job payload: " + e.Err.Error() }

func (e *MalformedError) Unwrap() error { return e.Err }

// Encode serializes a job for the queue.
func Encode(j Job) ([]byte, error) {
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("encoding job: %w", err)
	}
	data, err := codec.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encoding job %s: %w", j.ID, err)
	}
	return data, nil
}

// Decode parses a queue payload. Any failure is a *MalformedError.
func Decode(data []byte) (Job, error) {
	var j Job
	if err := codec.Unmarshal(data, &j); err != nil {
		return Job{}, &MalformedError{Err: err}
	}
	if err := j.Validate(); err != nil {
		return Job{}, &MalformedError{Err: err}
	}
	return j, nil
}

// State is the lifecycle position of a job.
type State uint8

const (
	StatePending State = iota
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Outcome is the last known result of a job. Detail carries the error
// text for StateFailed.
type Outcome struct {
	State  State  `cbor:"state"`
	Detail string `cbor:"detail,omitempty"`
}

// FailureRecord is what the failed sink keeps for a permanently
// abandoned job: enough to diagnose it without replaying.
type FailureRecord struct {
	Job        Job       `cbor:"job"`
	Repository string    `cbor:"repository"`
	Error      string    `cbor:"error"`
	FailedAt   time.Time `cbor:"failed_at"`
}

// NewFailureRecord builds the record for j failing with err at now.
func NewFailureRecord(j Job, err error, now time.Time) FailureRecord {
	message := "unknown error"
	if err != nil {
		message = err.Error()
	}
	return FailureRecord{
		Job:        j.Clone(),
		Repository: j.Repository(),
		Error:      message,
		FailedAt:   now.UTC(),
	}
}

// EncodeFailure serializes a failure record for the failed sink.
func EncodeFailure(record FailureRecord) ([]byte, error) {
	return codec.Marshal(record)
}

// DecodeFailure parses a failed-sink entry.
func DecodeFailure(data []byte) (FailureRecord, error) {
	var record FailureRecord
	if err := codec.Unmarshal(data, &record); err != nil {
		return FailureRecord{}, fmt.Errorf("decoding failure record: %w", err)
	}
	return record, nil
}
