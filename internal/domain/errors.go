package domain

import "errors"

var (
	ErrTokenInvalid         = errors.New("token invalid or expired")
	ErrResyncRequired       = errors.New("resync required: sequence outside replay window")
	ErrSequencerUnavailable = errors.New("sequencer unavailable")
	ErrConnectionNotFound   = errors.New("connection not found")
	ErrTooManyConnections   = errors.New("too many connections for user")
)
