// Package randomizer builds per-student question variants. Every function is
// pure: the same student, assessment and question set always yield the same
// variant, so a session can be reconstructed without persisting it.
package randomizer

import (
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Seed derives a stable 64-bit seed from identifying parts.
func Seed(parts ...string) uint64 {
	return xxhash.Sum64String(strings.Join(parts, ":"))
}

// StudentSeed is the ordering seed for a student+assessment pair.
func StudentSeed(studentID int, assessmentID uuid.UUID) uint64 {
	return Seed(strconv.Itoa(studentID), assessmentID.String())
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// shuffle is an in-place Fisher–Yates shuffle driven by r.
func shuffle[T any](r *rand.Rand, s []T) {
	for i := len(s) - 1; i > 0; i-- {
		j := r.IntN(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}
