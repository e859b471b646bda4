package loyalty

// ComputeRedemption returns how many stored credits to apply as a discount
// against an order total. Credits are worth one currency unit each, so the
// result never exceeds the total and is never negative.
func ComputeRedemption(available, total int64, useCredits bool) int64 {
	if !useCredits || available <= 0 || total <= 0 {
		return 0
	}
	return min(available, total)
}
