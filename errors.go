package aura

import "errors"

var (
	// Configuration errors.
	ErrNoGateway       = errors.New("aura: no gateway client configured")
	ErrNoClusterModule = errors.New("aura: no cluster module configured")
	ErrDuplicateName   = errors.New("aura: duplicate service name")
	ErrRelativePath    = errors.New("aura: service path must be absolute")

	// Registry errors.
	ErrWorkerNotFound  = errors.New("aura: worker not found")
	ErrClusterNotFound = errors.New("aura: cluster not found")
	ErrServiceNotFound = errors.New("aura: service not found")
	ErrWorkerTracked   = errors.New("aura: worker already tracked")

	// State errors.
	ErrAlreadyStarted     = errors.New("aura: orchestrator already started")
	ErrNotStarted         = errors.New("aura: orchestrator not started")
	ErrReshardInProgress  = errors.New("aura: resharding already in progress")
	ErrShutdownInProgress = errors.New("aura: shutdown already in progress")

	// Request errors.
	ErrRequestTimeout = errors.New("aura: request timed out")
	ErrNoValue        = errors.New("aura: no cluster returned a value")
)
