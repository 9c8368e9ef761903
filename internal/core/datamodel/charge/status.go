package charge

type Status string

const (
	StatusCreated                      Status = "CREATED"
	StatusEnteringCardDetails          Status = "ENTERING_CARD_DETAILS"
	StatusAuthorisationReady           Status = "AUTHORISATION_READY"
	StatusAuthorisation3dsRequired     Status = "AUTHORISATION_3DS_REQUIRED"
	StatusAuthorisation3dsReady        Status = "AUTHORISATION_3DS_READY"
	StatusAuthorisationSuccess         Status = "AUTHORISATION_SUCCESS"
	StatusAuthorisationRejected        Status = "AUTHORISATION_REJECTED"
	StatusAuthorisationError           Status = "AUTHORISATION_ERROR"
	StatusAuthorisationTimeout         Status = "AUTHORISATION_TIMEOUT"
	StatusAuthorisationUnexpectedError Status = "AUTHORISATION_UNEXPECTED_ERROR"
	StatusAuthorisationCancelled       Status = "AUTHORISATION_CANCELLED"
	StatusReadyForCapture              Status = "READY_FOR_CAPTURE"
	StatusCaptureReady                 Status = "CAPTURE_READY"
	StatusCaptureSubmitted             Status = "CAPTURE_SUBMITTED"
	StatusCaptured                     Status = "CAPTURED"
	StatusCaptureUnknown               Status = "CAPTURE_UNKNOWN"
	StatusSystemCancelled              Status = "SYSTEM_CANCELLED"
	StatusUserCancelled                Status = "USER_CANCELLED"
	StatusExpired                      Status = "EXPIRED"
)

// transitions is the charge state graph. A status missing from the map is terminal.
var transitions = map[Status][]Status{
	StatusCreated: {
		StatusEnteringCardDetails, StatusSystemCancelled, StatusUserCancelled, StatusExpired,
	},
	StatusEnteringCardDetails: {
		StatusAuthorisationReady, StatusSystemCancelled, StatusUserCancelled, StatusExpired,
	},
	StatusAuthorisationReady: {
		StatusAuthorisationSuccess, StatusAuthorisationRejected, StatusAuthorisationError,
		StatusAuthorisationTimeout, StatusAuthorisationUnexpectedError, StatusAuthorisationCancelled,
		StatusAuthorisation3dsRequired, StatusSystemCancelled, StatusUserCancelled,
	},
	StatusAuthorisation3dsRequired: {
		StatusAuthorisation3dsReady, StatusExpired,
	},
	StatusAuthorisation3dsReady: {
		StatusAuthorisationSuccess, StatusAuthorisationRejected, StatusAuthorisationError,
		StatusAuthorisationTimeout, StatusAuthorisationUnexpectedError, StatusAuthorisationCancelled,
		StatusAuthorisation3dsRequired, StatusExpired,
	},
	StatusAuthorisationSuccess: {
		StatusCaptureReady, StatusSystemCancelled, StatusUserCancelled, StatusExpired,
	},
	// READY_FOR_CAPTURE has no inbound edge here. Delayed-capture charges are
	// moved into it by the platform's capture-approval step, which writes the
	// row directly; this service only cancels, expires and refund-checks them.
	StatusReadyForCapture: {
		StatusCaptureReady, StatusSystemCancelled, StatusUserCancelled, StatusExpired,
	},
	StatusCaptureReady: {
		StatusCaptureSubmitted, StatusCaptureUnknown,
	},
	StatusCaptureSubmitted: {
		StatusCaptured,
	},
	StatusCaptureUnknown: {
		StatusCaptured,
	},
}

var cancellable = map[Status]bool{
	StatusCreated:              true,
	StatusEnteringCardDetails:  true,
	StatusAuthorisationSuccess: true,
	StatusAuthorisationReady:   true,
	StatusReadyForCapture:      true,
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) IsCancellable() bool {
	return cancellable[s]
}

func (s Status) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// ReachedGateway reports whether a charge in this status may hold state at the acquirer.
func (s Status) ReachedGateway() bool {
	return s != StatusCreated && s != StatusEnteringCardDetails
}

func (s Status) IsAuthorisationFailure() bool {
	switch s {
	case StatusAuthorisationRejected, StatusAuthorisationError, StatusAuthorisationTimeout,
		StatusAuthorisationUnexpectedError, StatusAuthorisationCancelled:
		return true
	}
	return false
}

type RefundStatus string

const (
	RefundStatusCreated   RefundStatus = "CREATED"
	RefundStatusSubmitted RefundStatus = "REFUND_SUBMITTED"
	RefundStatusRefunded  RefundStatus = "REFUNDED"
	RefundStatusError     RefundStatus = "REFUND_ERROR"
	// RefundStatusUnknown is a refund whose gateway call got no usable answer.
	// The acquirer may have paid it out, so it stays spent until a
	// notification settles it.
	RefundStatusUnknown RefundStatus = "REFUND_UNKNOWN"
)

func (s RefundStatus) CanTransitionTo(to RefundStatus) bool {
	switch s {
	case RefundStatusCreated:
		return to == RefundStatusSubmitted || to == RefundStatusRefunded || to == RefundStatusError || to == RefundStatusUnknown
	case RefundStatusSubmitted, RefundStatusUnknown:
		return to == RefundStatusRefunded || to == RefundStatusError
	}
	return false
}

// CountsTowardsRefunded reports whether the refund amount is spent from the charge.
func (s RefundStatus) CountsTowardsRefunded() bool {
	return s != RefundStatusError
}

type FeeType string

const (
	FeeTypeTransaction FeeType = "TRANSACTION"
	FeeTypeRadar       FeeType = "RADAR"
	FeeTypeThreeDS     FeeType = "THREE_D_S"
)

type CancelledBy string

const (
	CancelledByUser   CancelledBy = "USER"
	CancelledBySystem CancelledBy = "SYSTEM"
)

func (c CancelledBy) Status() Status {
	if c == CancelledByUser {
		return StatusUserCancelled
	}
	return StatusSystemCancelled
}
