package gateway

// Map3dsOutcome translates the issuer's 3DS outcome. Only an absent outcome
// leaves the charge waiting for an asynchronous notification.
func Map3dsOutcome(outcome Auth3dsOutcome) AuthoriseStatus {
	switch outcome {
	case "":
		return AuthoriseStatusAuth3dsReady
	case Auth3dsOutcomeCanceled:
		return AuthoriseStatusCancelled
	case Auth3dsOutcomeDeclined:
		return AuthoriseStatusRejected
	case Auth3dsOutcomeAuthorised:
		return AuthoriseStatusAuthorised
	default:
		return AuthoriseStatusError
	}
}

// LocalAuth3dsOutcome is used by acquirers whose 3DS result arrives out of
// band, so nothing needs to be sent back to them.
func LocalAuth3dsOutcome(req *Auth3dsResponseRequest) *AuthorisationOutcome {
	return &AuthorisationOutcome{
		Status:        Map3dsOutcome(req.Result.Outcome),
		TransactionID: req.TransactionID,
	}
}
