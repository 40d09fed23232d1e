package worker

import (
	"errors"
	"fmt"
)

// ErrorClass groups failures by how the archiver reacts to them.
type ErrorClass int

const (
	Unclassified ErrorClass = iota
	// Connectivity: endpoint unreachable or transport-level credential
	// rejection. Retried within the attempt budget.
	Connectivity
	// RemoteRejection: the store answered with a hard error. Not retried.
	RemoteRejection
	// LocalResource: source unreadable, fallback directory not writable,
	// disk full.
	LocalResource
	// PartitionParse: a remote partition name is not a date. Skipped.
	PartitionParse
)

func (c ErrorClass) String() string {
	switch c {
	case Connectivity:
		return "connectivity"
	case RemoteRejection:
		return "remote_rejection"
	case LocalResource:
		return "local_resource"
	case PartitionParse:
		return "partition_parse"
	default:
		return "unclassified"
	}
}

// ArchiveError reports a failed operation on one segment.
type ArchiveError struct {
	Segment  string
	Class    ErrorClass
	Attempts int
	Err      error
}

func (e *ArchiveError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("segment %s: %s after %d attempt(s): %v", e.Segment, e.Class, e.Attempts, e.Err)
	}
	return fmt.Sprintf("segment %s: %s: %v", e.Segment, e.Class, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// ClassOf returns the class of the first ArchiveError in err's chain.
func ClassOf(err error) ErrorClass {
	var ae *ArchiveError
	if errors.As(err, &ae) {
		return ae.Class
	}
	return Unclassified
}
