package randomizer

import (
	"fmt"
	"math"
	mathrand "math/rand/v2"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session-engine/internal/model"
)

// minTimeLimitFactor is the floor applied to a varied time limit.
const minTimeLimitFactor = 0.5

// decoyPrefixes vary decoy wording. Picked with the unseeded source: wording has
// no grading consequence.
var decoyPrefixes = []string{
	"",
	"Consider the following. ",
	"Read carefully. ",
	"Answer the question below. ",
	"Review item: ",
}

// ApplyAntiCheat runs the enabled anti-cheat transforms in order: pool selection,
// difficulty balancing, time-limit variation and decoy injection.
func ApplyAntiCheat(a *model.Assessment, questions []model.Question, studentID int) ([]model.Question, model.AntiCheatMetadata) {
	ac := a.AntiCheat
	seed := Seed(strconv.Itoa(studentID), a.ID.String(), "anti-cheat")
	r := newRand(seed)

	meta := model.AntiCheatMetadata{
		Seed:              seed,
		SourcePoolSize:    len(questions),
		OriginalTimeLimit: a.TimeLimitMinutes,
		AdjustedTimeLimit: a.TimeLimitMinutes,
	}

	selected := make([]model.Question, len(questions))
	copy(selected, questions)
	var remaining []model.Question

	if ac.PoolRandomization && ac.PoolSize > 0 && ac.PoolSize < len(questions) {
		selected, remaining = selectPool(r.Perm(len(questions)), questions, ac.PoolSize)
		meta.PoolRandomized = true
		meta.PoolSize = len(selected)
	}

	if ac.DifficultyBalancing && len(selected) > 0 {
		selected, remaining = balanceDifficulty(selected, remaining, ac.DifficultyDistribution)
		meta.DifficultyBalanced = true
		meta.DifficultyCounts = countDifficulty(selected)
	}

	if ac.TimeLimitVariation && a.TimeLimitMinutes > 0 {
		meta.TimeVaried = true
		meta.TimeVariationFactor, meta.AdjustedTimeLimit = varyTimeLimit(r.Float64(), a.TimeLimitMinutes, ac.TimeVariationPercent)
	}

	if ac.DecoyQuestions && ac.DecoyCount > 0 && len(selected) > 0 {
		decoys := makeDecoys(r, selected, ac.DecoyCount, studentID)
		for _, d := range decoys {
			meta.DecoyQuestionIDs = append(meta.DecoyQuestionIDs, d.ID)
		}
		selected = insertDecoys(r, selected, decoys)
	}

	return selected, meta
}

// insertDecoys places each decoy at a seeded position so decoys do not cluster at the end.
func insertDecoys(r *mathrand.Rand, selected, decoys []model.Question) []model.Question {
	out := make([]model.Question, 0, len(selected)+len(decoys))
	out = append(out, selected...)
	for _, d := range decoys {
		at := r.IntN(len(out) + 1)
		out = append(out, model.Question{})
		copy(out[at+1:], out[at:])
		out[at] = d
	}
	return out
}

// selectPool keeps k questions picked by perm, preserving their relative order.
func selectPool(perm []int, questions []model.Question, k int) ([]model.Question, []model.Question) {
	picked := make([]int, k)
	copy(picked, perm[:k])
	sort.Ints(picked)

	chosen := make(map[int]bool, k)
	selected := make([]model.Question, 0, k)
	for _, idx := range picked {
		chosen[idx] = true
		selected = append(selected, questions[idx])
	}

	remaining := make([]model.Question, 0, len(questions)-k)
	for i, q := range questions {
		if !chosen[i] {
			remaining = append(remaining, q)
		}
	}
	return selected, remaining
}

func normalizeDifficulty(d model.Difficulty) model.Difficulty {
	switch d {
	case model.DifficultyEasy, model.DifficultyHard:
		return d
	default:
		return model.DifficultyMedium
	}
}

// difficultyTargets splits n slots by the distribution; medium absorbs rounding.
func difficultyTargets(n int, dist model.DifficultyDistribution) map[model.Difficulty]int {
	sum := dist.Easy + dist.Medium + dist.Hard
	if sum <= 0 {
		dist = model.DefaultAntiCheatSettings().DifficultyDistribution
		sum = 1
	}
	easy := int(math.Round(float64(n) * dist.Easy / sum))
	hard := int(math.Round(float64(n) * dist.Hard / sum))
	if easy > n {
		easy = n
	}
	if easy+hard > n {
		hard = n - easy
	}
	return map[model.Difficulty]int{
		model.DifficultyEasy:   easy,
		model.DifficultyMedium: n - easy - hard,
		model.DifficultyHard:   hard,
	}
}

// balanceDifficulty rebuilds a set of the same size that approaches the target
// distribution, drawing shortfalls from the remaining pool. Relative order of the
// input is preserved.
func balanceDifficulty(selected, remaining []model.Question, dist model.DifficultyDistribution) ([]model.Question, []model.Question) {
	n := len(selected)
	targets := difficultyTargets(n, dist)

	all := make([]model.Question, 0, len(selected)+len(remaining))
	all = append(all, selected...)
	all = append(all, remaining...)

	position := make(map[uuid.UUID]int, len(all))
	for i, q := range all {
		position[q.ID] = i
	}

	used := make(map[uuid.UUID]bool, n)
	out := make([]model.Question, 0, n)

	// Selected questions first, then the spare pool.
	for _, d := range []model.Difficulty{model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard} {
		take := targets[d]
		for _, q := range all {
			if take == 0 {
				break
			}
			if used[q.ID] || normalizeDifficulty(q.Difficulty) != d {
				continue
			}
			used[q.ID] = true
			out = append(out, q)
			take--
		}
	}

	// Not enough of some difficulty anywhere: fill remaining slots with anything.
	for _, q := range all {
		if len(out) >= n {
			break
		}
		if !used[q.ID] {
			used[q.ID] = true
			out = append(out, q)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return position[out[i].ID] < position[out[j].ID]
	})

	rest := make([]model.Question, 0, len(all)-len(out))
	for _, q := range all {
		if !used[q.ID] {
			rest = append(rest, q)
		}
	}
	return out, rest
}

func countDifficulty(qs []model.Question) map[model.Difficulty]int {
	counts := make(map[model.Difficulty]int, 3)
	for _, q := range qs {
		counts[normalizeDifficulty(q.Difficulty)]++
	}
	return counts
}

// varyTimeLimit scales the nominal limit by 1±pct using u in [0,1) and clamps it
// to at least half the nominal value.
func varyTimeLimit(u float64, nominal int, pct float64) (float64, int) {
	if pct < 0 {
		pct = -pct
	}
	factor := 1 + (u*2-1)*pct/100
	adjusted := int(math.Round(float64(nominal) * factor))

	floor := int(math.Ceil(float64(nominal) * minTimeLimitFactor))
	if adjusted < floor {
		adjusted = floor
	}
	if adjusted < 1 {
		adjusted = 1
	}
	return math.Round(factor*1000) / 1000, adjusted
}

// makeDecoys creates zero-point duplicates of seeded picks from selected. Decoy ids
// are name-based so replaying the same student yields the same ids.
func makeDecoys(r *mathrand.Rand, selected []model.Question, count, studentID int) []model.Question {
	decoys := make([]model.Question, 0, count)
	for i := 0; i < count; i++ {
		src := selected[r.IntN(len(selected))]
		srcID := src.ID

		d := src
		d.ID = uuid.NewSHA1(srcID, []byte(fmt.Sprintf("decoy:%d:%d", studentID, i)))
		d.Text = decoyPrefixes[mathrand.IntN(len(decoyPrefixes))] + src.Text
		d.Points = 0
		d.IsDecoy = true
		d.DecoyOf = &srcID
		d.Options = append([]model.Option(nil), src.Options...)
		d.CorrectAnswers = append([]string(nil), src.CorrectAnswers...)
		decoys = append(decoys, d)
	}
	return decoys
}
