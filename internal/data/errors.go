package data

import "github.com/target/dispatchd/internal/core"

// Repository sentinels; aliases of the core errors so callers may match either.
var (
	ErrJobNotFound           = core.ErrJobNotFound
	ErrJobNotDeletable       = core.ErrJobNotDeletable
	ErrMessageNotFound       = core.ErrMessageNotFound
	ErrMessageConflict       = core.ErrMessageConflict
	ErrMessageAlreadyQueued  = core.ErrMessageAlreadyQueued
	ErrMessageNotHeld        = core.ErrMessageNotHeld
	ErrMessageNotDeliverable = core.ErrMessageNotDeliverable
	ErrMessageSent           = core.ErrMessageSent
	ErrMessageNotErrored     = core.ErrMessageNotErrored
)
