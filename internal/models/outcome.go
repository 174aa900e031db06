package models

// Outcome classifies how a capture attempt ended. Expected failures are
// values, not errors: callers branch on the outcome while errors stay
// reserved for infrastructure faults.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeAuthRequired     Outcome = "auth_required"
	OutcomeChallengeBlocked Outcome = "challenge_blocked"
	OutcomeChallengeWarning Outcome = "challenge_warning" // proceeded despite an unresolved challenge
	OutcomeCaptchaRequired  Outcome = "captcha_required"
	OutcomeTwoFactor        Outcome = "two_factor_required"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeSelectorMiss     Outcome = "selector_miss"
	OutcomePageClosed       Outcome = "page_closed"
	OutcomeEngineError      Outcome = "engine_error"
)

// OK reports whether the capture produced a usable answer. A challenge
// warning still carries content.
func (o Outcome) OK() bool {
	return o == OutcomeSuccess || o == OutcomeChallengeWarning
}

// Retryable reports whether a later attempt could plausibly succeed
// without operator intervention. Auth, captcha and 2FA outcomes need a
// human (or a different profile) first.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeRateLimited, OutcomeTimeout, OutcomeChallengeBlocked,
		OutcomePageClosed, OutcomeEngineError, OutcomeSelectorMiss:
		return true
	}
	return false
}

func (o Outcome) String() string {
	return string(o)
}
