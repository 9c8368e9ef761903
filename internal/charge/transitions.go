package charge

import (
	"errors"

	"github.com/frahmantamala/payment-connector/internal"
	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
	"github.com/frahmantamala/payment-connector/internal/gateway"
)

// Statuses the expiry sweep may move to EXPIRED, grouped by threshold.
var (
	preAuthorisationStatuses = []charge.Status{
		charge.StatusCreated,
		charge.StatusEnteringCardDetails,
		charge.StatusAuthorisation3dsRequired,
		charge.StatusAuthorisation3dsReady,
	}
	awaitingCaptureStatuses = []charge.Status{
		charge.StatusAuthorisationSuccess,
		charge.StatusReadyForCapture,
	}
)

func transition(c *charge.Charge, to charge.Status) error {
	if c.Status == to {
		return nil
	}
	if !c.Status.CanTransitionTo(to) {
		return internal.NewIllegalStateError("charge %s cannot move from %s to %s", c.ExternalID, c.Status, to)
	}
	c.Status = to
	return nil
}

// lockedBy returns the error for an operation whose lock status means the same
// operation is already running, and IllegalState for anything else.
func lockedBy(c *charge.Charge, want, lock charge.Status, operation string) error {
	switch c.Status {
	case want:
		return nil
	case lock:
		return internal.NewOperationInProgressError("%s for charge %s already in progress", operation, c.ExternalID)
	default:
		return internal.NewIllegalStateError("charge %s is in status %s, %s not permitted", c.ExternalID, c.Status, operation)
	}
}

func guardAuthorise(c *charge.Charge) error {
	return lockedBy(c, charge.StatusEnteringCardDetails, charge.StatusAuthorisationReady, "authorisation")
}

func guardAuthorise3ds(c *charge.Charge) error {
	return lockedBy(c, charge.StatusAuthorisation3dsRequired, charge.StatusAuthorisation3dsReady, "3DS authorisation")
}

func guardCapture(c *charge.Charge) error {
	return lockedBy(c, charge.StatusAuthorisationSuccess, charge.StatusCaptureReady, "capture")
}

func guardCancel(c *charge.Charge) error {
	if !c.Status.IsCancellable() {
		return internal.NewIllegalStateError("charge %s is in status %s, cancellation not permitted", c.ExternalID, c.Status)
	}
	return nil
}

// authorisationFailureStatus maps an error returned by a provider during
// authorisation onto the status the charge is left in.
func authorisationFailureStatus(err error) charge.Status {
	switch {
	case errors.Is(err, gateway.ErrConnectionTimeout):
		return charge.StatusAuthorisationTimeout
	case errors.Is(err, gateway.ErrGateway):
		return charge.StatusAuthorisationError
	default:
		return charge.StatusAuthorisationUnexpectedError
	}
}
