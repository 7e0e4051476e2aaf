package period

// Attempts are the attempt counters of one student on one problem.
type Attempts struct {
	Used  int
	Extra int // granted by staff
}

// EffectiveMax is the number of credit-bearing attempts allowed; 0 means unlimited.
func (a Attempts) EffectiveMax(maxAttempts int) int {
	if maxAttempts <= 0 {
		return 0
	}
	return maxAttempts + a.Extra
}

// Exhausted reports whether a limited problem has no attempts left.
func (a Attempts) Exhausted(maxAttempts int) bool {
	eff := a.EffectiveMax(maxAttempts)
	return eff > 0 && a.Used >= eff
}

// Rules are the instance settings that feed the permission table.
type Rules struct {
	MaxAttempts          int
	AllowShowAnswers     bool
	NoLimitShowThreshold int
}

// Permissions are the actions the UI should offer.
type Permissions struct {
	CanSubmit      bool
	CanPreview     bool
	CanShowCorrect bool
}

// ComputePermissions applies the permission table for p.
func ComputePermissions(p Period, a Attempts, r Rules) Permissions {
	var out Permissions
	switch p {
	case PostDueLocked:
	case PreDue:
		if !a.Exhausted(r.MaxAttempts) {
			out.CanSubmit, out.CanPreview = true, true
		}
	case PostDueUnlocked:
		out = Permissions{CanSubmit: true, CanPreview: true, CanShowCorrect: true}
	case NoDue:
		out = Permissions{CanSubmit: true, CanPreview: true, CanShowCorrect: true}
		if a.EffectiveMax(r.MaxAttempts) == 0 && a.Used < r.NoLimitShowThreshold {
			out.CanShowCorrect = false
		}
	}
	out.CanShowCorrect = out.CanShowCorrect && r.AllowShowAnswers
	return out
}

// Reason explains a blocked action or a notice on an allowed one.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonLocked
	ReasonAttemptsExhausted
	ReasonAnswersForbidden
	ReasonAnswersNotYetAvailable
	ReasonMoreAttemptsRequired
	// ReasonNotForCredit is a notice: the submission is accepted but the grade will not change
	// because the credit-bearing attempts are used up.
	ReasonNotForCredit
)

// Decision is the outcome of asking whether one action may proceed.
type Decision struct {
	Allowed bool
	// SaveGrade marks a credit-bearing submission. Only set by DecideSubmit.
	SaveGrade bool
	Reason    Reason
	// Required is the number of attempts needed before answers are shown,
	// set with ReasonMoreAttemptsRequired.
	Required int
}

// DecideSubmit decides whether a submission is accepted and whether it counts for credit.
func DecideSubmit(p Period, a Attempts, r Rules) Decision {
	switch p {
	case PreDue:
		if a.Exhausted(r.MaxAttempts) {
			return Decision{Reason: ReasonAttemptsExhausted}
		}
		return Decision{Allowed: true, SaveGrade: true}
	case NoDue:
		if a.Exhausted(r.MaxAttempts) {
			return Decision{Allowed: true, Reason: ReasonNotForCredit}
		}
		return Decision{Allowed: true, SaveGrade: true}
	case PostDueUnlocked:
		return Decision{Allowed: true}
	default:
		return Decision{Reason: ReasonLocked}
	}
}

// DecidePreview decides whether a preview request is served.
func DecidePreview(p Period, a Attempts, r Rules) Decision {
	switch p {
	case PreDue:
		if a.Exhausted(r.MaxAttempts) {
			return Decision{Reason: ReasonAttemptsExhausted}
		}
		return Decision{Allowed: true}
	case NoDue, PostDueUnlocked:
		return Decision{Allowed: true}
	default:
		return Decision{Reason: ReasonLocked}
	}
}

// DecideShowCorrect decides whether correct answers may be revealed.
func DecideShowCorrect(p Period, a Attempts, r Rules) Decision {
	if !r.AllowShowAnswers {
		return Decision{Reason: ReasonAnswersForbidden}
	}
	switch p {
	case PostDueUnlocked:
		return Decision{Allowed: true}
	case NoDue:
		if a.EffectiveMax(r.MaxAttempts) == 0 && a.Used < r.NoLimitShowThreshold {
			return Decision{Reason: ReasonMoreAttemptsRequired, Required: r.NoLimitShowThreshold}
		}
		return Decision{Allowed: true}
	default:
		return Decision{Reason: ReasonAnswersNotYetAvailable}
	}
}
