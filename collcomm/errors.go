package collcomm

import (
	"errors"

	"github.com/unixpickle/shmcoll/rendezvous"
	"github.com/unixpickle/shmcoll/shmem"
)

var (
	// ErrInvalidConfiguration is returned when a configured
	// algorithm name or tuning value is not recognized.
	ErrInvalidConfiguration = errors.New("collcomm: invalid configuration")

	// ErrResourceExhausted is returned when the shared region
	// cannot be created or attached.
	ErrResourceExhausted = shmem.ErrResourceExhausted

	// ErrProtocolViolation is returned when a rendezvous
	// observes a state that correct peers cannot produce.
	ErrProtocolViolation = rendezvous.ErrProtocolViolation

	// ErrNoTransport is returned when a call needs
	// point-to-point messages but no Transport was given.
	ErrNoTransport = errors.New("collcomm: no point-to-point transport")
)
