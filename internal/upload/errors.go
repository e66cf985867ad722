package upload

import (
	"errors"
	"fmt"
)

var (
	errInvalidRequest = errors.New("invalid upload request")
	errMissingETag    = errors.New("storage response has no ETag")
	errETagMismatch   = errors.New("ETag does not match part checksum")
	errBadSession     = errors.New("upload session does not match plan")
	errMissingParts   = errors.New("not every part result arrived")
)

// Reason classifies why a file ended in the Failed state.
type Reason int

const (
	ReasonAuth Reason = iota + 1
	ReasonNetwork
	ReasonHTTP
	ReasonServerReject
	ReasonCancelled
	ReasonPlanning
)

func (r Reason) String() string {
	switch r {
	case ReasonAuth:
		return "auth"
	case ReasonNetwork:
		return "network"
	case ReasonHTTP:
		return "http"
	case ReasonServerReject:
		return "server-reject"
	case ReasonCancelled:
		return "cancelled"
	case ReasonPlanning:
		return "planning"
	}
	return "unknown"
}

type TransferKind int

const (
	TransferNetwork TransferKind = iota + 1
	TransferHTTP
	TransferCancelled
)

func (k TransferKind) reason() Reason {
	switch k {
	case TransferHTTP:
		return ReasonHTTP
	case TransferCancelled:
		return ReasonCancelled
	}
	return ReasonNetwork
}

// TransferError is the failure of one storage PUT. Part is zero for a
// single part upload.
type TransferError struct {
	Kind   TransferKind
	Status int
	Part   uint32
	Err    error
}

func (e *TransferError) Error() string {
	prefix := "upload"
	if e.Part > 0 {
		prefix = fmt.Sprintf("part %d", e.Part)
	}
	switch e.Kind {
	case TransferHTTP:
		return fmt.Sprintf("%s: http %d: %v", prefix, e.Status, e.Err)
	case TransferCancelled:
		return fmt.Sprintf("%s: cancelled: %v", prefix, e.Err)
	}
	return fmt.Sprintf("%s: network: %v", prefix, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// FileError is the terminal failure of one file. Stage is the state the
// pipeline was in when it failed.
type FileError struct {
	Name   string
	Stage  State
	Reason Reason
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("upload %q failed while %s (%s): %v", e.Name, e.Stage, e.Reason, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
