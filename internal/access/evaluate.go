package access

import "time"

const (
	ReasonOK              = "ok"
	ReasonTrialExhausted  = "trial_exhausted"
	ReasonPaymentRequired = "payment_required"
	ReasonNotConfigured   = "not_configured"
)

// Basis names what an allowed decision rests on.
type Basis string

const (
	BasisNone  Basis = ""
	BasisPaid  Basis = "paid"
	BasisPromo Basis = "promo"
	BasisTrial Basis = "trial"
)

type Decision struct {
	HasAccess   bool
	TrialLeft   int
	AccessUntil *time.Time
	Reason      string
	Basis       Basis
}

// Evaluate is the pure access decision for one grant at instant now.
// Paid and promo windows are combined; a live window never consumes trial.
func Evaluate(g Grant, now time.Time, s Settings) Decision {
	trialLeft := ClampTrial(g.TrialQuestionsLeft, s.TrialDefault)
	accessUntil := laterOf(g.PaidUntil, g.PromoUntil)

	if accessUntil != nil && now.Before(*accessUntil) {
		basis := BasisPaid
		if g.PaidUntil == nil || (g.PromoUntil != nil && g.PromoUntil.After(*g.PaidUntil)) {
			basis = BasisPromo
		}
		return Decision{
			HasAccess:   true,
			TrialLeft:   trialLeft,
			AccessUntil: accessUntil,
			Reason:      ReasonOK,
			Basis:       basis,
		}
	}
	if trialLeft > 0 {
		return Decision{
			HasAccess:   true,
			TrialLeft:   trialLeft,
			AccessUntil: accessUntil,
			Reason:      ReasonOK,
			Basis:       BasisTrial,
		}
	}
	return Decision{
		HasAccess:   false,
		TrialLeft:   0,
		AccessUntil: accessUntil,
		Reason:      ReasonTrialExhausted,
	}
}
