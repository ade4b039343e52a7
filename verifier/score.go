package verifier

// Points awarded per passed check. The total is capped at maxScore.
const (
	pointsSyntax        = 10
	pointsTLD           = 5
	pointsNotGibberish  = 10
	pointsNotDisposable = 15
	pointsNotRole       = 10
	pointsDNS           = 10
	pointsMX            = 20
	pointsSPF           = 10
	pointsDMARC         = 10
	pointsNotFree       = 5

	maxScore = 100
)

func isTrue(b *bool) bool  { return b != nil && *b }
func isFalse(b *bool) bool { return b != nil && !*b }

func score(r *Result) int {
	s := 0
	if isTrue(r.SyntaxValid) {
		s += pointsSyntax
	}
	if isTrue(r.HasValidTLD) {
		s += pointsTLD
	}
	if isFalse(r.IsGibberish) {
		s += pointsNotGibberish
	}
	if isFalse(r.IsDisposable) {
		s += pointsNotDisposable
	}
	if isFalse(r.IsRoleAccount) {
		s += pointsNotRole
	}
	if isTrue(r.DNSValid) {
		s += pointsDNS
	}
	if isTrue(r.MXValid) {
		s += pointsMX
	}
	if isTrue(r.SPFValid) {
		s += pointsSPF
	}
	if isTrue(r.DMARCValid) {
		s += pointsDMARC
	}
	if isFalse(r.IsFreeProvider) {
		s += pointsNotFree
	}
	if s > maxScore {
		s = maxScore
	}
	return s
}

// classify applies the status rules in order; the first match wins.
func classify(s int, r *Result) Status {
	switch {
	case s == 0:
		return StatusInvalid
	case isFalse(r.SMTPValid):
		return StatusInvalid
	case isTrue(r.IsDisposable) || isTrue(r.IsGibberish):
		return StatusRisky
	case isTrue(r.IsRoleAccount):
		return StatusRisky
	}
	return statusForScore(s)
}

func statusForScore(s int) Status {
	switch {
	case s >= 80:
		return StatusValid
	case s >= 60:
		return StatusRisky
	case s >= 40:
		return StatusUnknown
	}
	return StatusInvalid
}
