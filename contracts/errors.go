package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned when inbound data cannot be turned into a Message
	ErrMalformedMessage = errors.New("contracts: malformed message")

	// ErrUnknownKind is returned when a kind is not part of a KindTable
	ErrUnknownKind = errors.New("contracts: unknown kind")
	// ErrDuplicateKind is returned when a kind is registered twice
	ErrDuplicateKind = errors.New("contracts: duplicate kind")
	// ErrKindCollision is returned when two kinds derive the same routing key
	ErrKindCollision = errors.New("contracts: routing key collision")
	// ErrInvalidKind is returned for kinds that cannot produce a usable routing key
	ErrInvalidKind = errors.New("contracts: invalid kind")
)

// MalformedMessageError describes why an envelope was rejected
type MalformedMessageError struct {
	Reason string // What was wrong with the input
	Err    error  // Underlying decode error, if any
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("contracts: malformed message: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("contracts: malformed message: %s", e.Reason)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrMalformedMessage
func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// IsMalformed reports whether err marks undecodable input
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedMessage)
}

func malformed(reason string, err error) error {
	return &MalformedMessageError{Reason: reason, Err: err}
}
