package gacha

// Pity is a hard-pity rule: once a user has accumulated Threshold resolved
// draws, they may exchange that progress for a prize of their choice.
type Pity struct {
	Threshold int64
}

// Reached reports whether count draws are enough for a claim.
func (p Pity) Reached(count int64) bool {
	return p.Threshold > 0 && count >= p.Threshold
}

// Remaining is the number of draws still needed before a claim.
func (p Pity) Remaining(count int64) int64 {
	if p.Reached(count) || p.Threshold <= 0 {
		return 0
	}
	return p.Threshold - count
}
