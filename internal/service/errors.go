package service

import "errors"

var (
	// ErrNotFound indicates no registry entry exists for the id.
	ErrNotFound = errors.New("sandbox not found")

	// ErrIllegalTransition indicates the operation is not legal from the
	// entry's recorded state.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")

	// ErrNotLive indicates the operation requires a live instance and the
	// platform did not confirm one.
	ErrNotLive = errors.New("sandbox is not running")
)
