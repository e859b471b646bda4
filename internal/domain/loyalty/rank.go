package loyalty

import (
	"strings"

	"github.com/go-faster/errors"
)

// Rank is a loyalty tier derived from cumulative XP.
type Rank int

const (
	RankCadet Rank = iota
	RankLieutenant
	RankCaptain
	RankCommander
	RankAdmiral
)

// ErrUnknownRank is returned by ParseRank for an unrecognised tier name.
var ErrUnknownRank = errors.New("unknown rank")

// rankThresholds is evaluated top-down by ClassifyRank.
var rankThresholds = []struct {
	rank Rank
	xp   int64
}{
	{RankAdmiral, 2000},
	{RankCommander, 1000},
	{RankCaptain, 500},
	{RankLieutenant, 200},
	{RankCadet, 0},
}

var rankNames = [...]string{
	RankCadet:      "Cadet",
	RankLieutenant: "Lieutenant",
	RankCaptain:    "Captain",
	RankCommander:  "Commander",
	RankAdmiral:    "Admiral",
}

// ClassifyRank returns the tier for the given cumulative XP.
func ClassifyRank(xp int64) Rank {
	for _, t := range rankThresholds {
		if xp >= t.xp {
			return t.rank
		}
	}
	return RankCadet
}

// Threshold returns the minimum XP of the tier.
func (r Rank) Threshold() int64 {
	for _, t := range rankThresholds {
		if t.rank == r {
			return t.xp
		}
	}
	return 0
}

// Next returns the tier above r. The second value is false for the top tier.
func (r Rank) Next() (Rank, bool) {
	if r >= RankAdmiral || r < RankCadet {
		return r, false
	}
	return r + 1, true
}

func (r Rank) String() string {
	if r < RankCadet || int(r) >= len(rankNames) {
		return "Unknown"
	}
	return rankNames[r]
}

// ParseRank resolves a tier from its name, case-insensitively.
func ParseRank(s string) (Rank, error) {
	for r, name := range rankNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Rank(r), nil
		}
	}
	return RankCadet, errors.Wrapf(ErrUnknownRank, "%q", s)
}
