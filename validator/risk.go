package validator

// Risk weights.
const (
	DisposableRisk = 50
	RoleBasedRisk  = 30
	CatchAllRisk   = 20

	MaxRiskScore = 100
	// RiskyThreshold is the highest score still classified valid.
	RiskyThreshold = 70
)

// RiskScore sums the heuristic weights of the given flags.
func RiskScore(disposable, roleBased, catchAll bool) int {
	score := 0
	if disposable {
		score += DisposableRisk
	}
	if roleBased {
		score += RoleBasedRisk
	}
	if catchAll {
		score += CatchAllRisk
	}
	if score > MaxRiskScore {
		score = MaxRiskScore
	}
	return score
}

// DecideStatus applies the status table: any failed stage is invalid, all
// stages passing is valid up to RiskyThreshold and risky above it.
func DecideStatus(formatValid, dnsValid, smtpValid bool, riskScore int) Status {
	if !formatValid || !dnsValid || !smtpValid {
		return StatusInvalid
	}
	if riskScore > RiskyThreshold {
		return StatusRisky
	}
	return StatusValid
}
