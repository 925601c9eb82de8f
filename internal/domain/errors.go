package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidDecision = errors.New("invalid decision")
	ErrLegNotPending   = errors.New("leg is not pending")
	ErrPositionClosed  = errors.New("position is closed")
	ErrLockHeld        = errors.New("lock already held")
	ErrVersionConflict = errors.New("stale position version")
	ErrPriceStale      = errors.New("cached price too old")
	ErrFillUnrecorded  = errors.New("swap confirmed but fill not recorded")
)
