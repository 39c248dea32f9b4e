package engine

import "errors"

var (
	// ErrCycleDetected is returned when a parent change or depends_on edge
	// would close a cycle. The transaction is rolled back, nothing is written.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrMergeConflict is returned when two merge candidates disagree on
	// resolved or state. The caller must reconcile before retrying.
	ErrMergeConflict = errors.New("merge conflict")
)
