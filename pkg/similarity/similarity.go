// Package similarity scores how alike two normalized alias keys are.
// Scores are in [0,1]; identical keys always score 1.0.
package similarity

import (
	"fmt"
	"strings"
)

// Scorer compares two normalized alias keys.
type Scorer interface {
	Name() string
	Score(a, b string) float64
}

const (
	NameTokenDice   = "token_dice"
	NameLevenshtein = "levenshtein"
)

// Names lists the registered scorers
func Names() []string {
	return []string{NameTokenDice, NameLevenshtein}
}

// New returns the scorer registered under name. "" selects the default.
func New(name string) (Scorer, error) {
	switch name {
	case "", NameTokenDice:
		return TokenDice{}, nil
	case NameLevenshtein:
		return Levenshtein{}, nil
	default:
		return nil, fmt.Errorf("unknown similarity %q (known: %s)", name, strings.Join(Names(), ", "))
	}
}

// Best returns the highest score of a against any of candidates
func Best(s Scorer, a string, candidates []string) float64 {
	best := 0.0
	for _, c := range candidates {
		if score := s.Score(a, c); score > best {
			best = score
			if best == 1.0 {
				break
			}
		}
	}
	return best
}

// TokenDice is the default scorer: 1.0 on exact key equality, otherwise the
// Sørensen–Dice coefficient over the two token sets, 2|A∩B| / (|A|+|B|).
type TokenDice struct{}

func (TokenDice) Name() string { return NameTokenDice }

func (TokenDice) Score(a, b string) float64 {
	if a == b {
		return 1.0
	}
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	shared := 0
	for tok := range setA {
		if setB[tok] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(setA)+len(setB))
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(s)
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// Levenshtein scores 1 - editDistance/max(len) over runes.
type Levenshtein struct{}

func (Levenshtein) Name() string { return NameLevenshtein }

func (Levenshtein) Score(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1.0
	}
	return 1 - float64(editDistance(ra, rb))/float64(longest)
}

// editDistance is the two-row Wagner-Fischer recurrence
func editDistance(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
