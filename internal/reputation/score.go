package reputation

import "math"

// ScoreInput is everything the score depends on
type ScoreInput struct {
	Counters
	SPF   AuthStatus
	DKIM  AuthStatus
	DMARC AuthStatus
}

// Score weights
const (
	scoreBase             = 40.0
	weightDelivery        = 30.0
	weightBounce          = -400.0
	weightComplaint       = -10000.0
	weightOpen            = 20.0
	weightClick           = 30.0
	authPassBonus         = 5.0
	authFailPenalty       = -5.0
	healthGoodThreshold   = 70.0
	healthWarnThreshold   = 40.0
	criticalBounceRate    = 0.10
	criticalComplaintRate = 0.003
)

// ComputeRates derives rates from counters. With nothing sent the delivery
// rate is taken as 1 so fresh identities start healthy.
func ComputeRates(c Counters) Rates {
	if c.Sent <= 0 {
		return Rates{DeliveryRate: 1}
	}
	sent := float64(c.Sent)
	return Rates{
		DeliveryRate:  math.Min(float64(c.Delivered)/sent, 1),
		BounceRate:    math.Min(float64(c.Bounced)/sent, 1),
		ComplaintRate: math.Min(float64(c.Complaints)/sent, 1),
		OpenRate:      math.Min(float64(c.Opens)/sent, 1),
		ClickRate:     math.Min(float64(c.Clicks)/sent, 1),
	}
}

// Score computes a deterministic reputation score clamped to [0,100]
func Score(in ScoreInput) float64 {
	r := ComputeRates(in.Counters)

	s := scoreBase
	s += weightDelivery * r.DeliveryRate
	s += weightBounce * r.BounceRate
	s += weightComplaint * r.ComplaintRate
	s += weightOpen * r.OpenRate
	s += weightClick * r.ClickRate

	for _, st := range []AuthStatus{in.SPF, in.DKIM, in.DMARC} {
		switch st {
		case AuthPass:
			s += authPassBonus
		case AuthFail:
			s += authFailPenalty
		}
	}

	return clamp(s)
}

func clamp(s float64) float64 {
	if math.IsNaN(s) {
		return 0
	}
	return math.Max(0, math.Min(100, s))
}

// Health maps a score and rates to a health bucket
func Health(score float64, r Rates) HealthStatus {
	if r.BounceRate > criticalBounceRate || r.ComplaintRate > criticalComplaintRate {
		return HealthCritical
	}
	switch {
	case score >= healthGoodThreshold:
		return HealthGood
	case score >= healthWarnThreshold:
		return HealthWarning
	default:
		return HealthCritical
	}
}
