package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTaskNotProcessing is returned by FinishTask when the task has already
// reached a terminal state (or does not exist in the caller's tenant).
var ErrTaskNotProcessing = errors.New("storage: task not processing")
