package domain

import "errors"

var (
	// ErrDuplicateContent means the content key already reached completed
	// at some point in the past and may never be admitted again.
	ErrDuplicateContent = errors.New("content already captured")

	// ErrAlreadyQueued means an active job for the content key exists.
	ErrAlreadyQueued = errors.New("content already queued")

	// ErrHourlyLimit means the submitter exhausted their hourly allowance.
	ErrHourlyLimit = errors.New("hourly submission limit reached")

	ErrNotFound = errors.New("not found")
)
