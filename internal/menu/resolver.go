package menu

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// ResolverOption is a functional option for configuring a [Resolver].
type ResolverOption func(*Resolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched item to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) ResolverOption {
	return func(r *Resolver) {
		r.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the resolver falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) ResolverOption {
	return func(r *Resolver) {
		r.fuzzyThreshold = threshold
	}
}

// Resolver maps a spoken (and possibly mis-transcribed) item name onto a menu
// snapshot. Resolution is a pure function of the snapshot and the input: the
// same name against the same snapshot always yields the same item.
//
// The algorithm proceeds in two stages:
//
//  1. Exact match, case-insensitive, against the snapshot's item names.
//
//  2. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each token of the input and each token of every item name. Items
//     sharing at least one code with the input become candidates, ranked by
//     Jaro-Winkler similarity on the original strings. When no phonetic
//     candidate clears the threshold, a secondary pass tests pure
//     Jaro-Winkler similarity against all items with a stricter threshold.
//
// Multi-word item names ("Double Bacon Burger") are supported: the resolver
// considers the best pairwise token score alongside full-string and
// space-stripped comparisons.
//
// Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewResolver returns a [Resolver] configured with the supplied options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve finds the menu item best matching name. confidence is 1 for exact
// matches and the Jaro-Winkler score for fuzzy matches; when ok is false the
// name matched nothing and the zero Item is returned.
func (r *Resolver) Resolve(name string, snap Snapshot) (item Item, confidence float64, ok bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || len(snap.Items) == 0 {
		return Item{}, 0, false
	}

	if exact, found := snap.FindExact(trimmed); found {
		return exact, 1, true
	}

	nameLower := strings.ToLower(trimmed)
	nameTokens := strings.Fields(nameLower)
	inputCodes := codesForTokens(nameTokens)

	type candidate struct {
		item     Item
		score    float64
		phonetic bool
	}

	var best candidate

	for _, mi := range snap.Items {
		itemLower := strings.ToLower(strings.TrimSpace(mi.Name))
		if itemLower == "" {
			continue
		}
		itemTokens := strings.Fields(itemLower)

		itemCodes := codesForTokens(itemTokens)
		phoneticMatch := codesOverlap(inputCodes, itemCodes)

		jwScore := bestJWScore(nameTokens, itemTokens, nameLower, itemLower)

		if phoneticMatch {
			if jwScore >= r.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{item: mi, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= r.fuzzyThreshold && jwScore > best.score {
				best = candidate{item: mi, score: jwScore, phonetic: false}
			}
		}
	}

	if best.item.Name != "" {
		return best.item, best.score, true
	}
	return Item{}, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or contains
// no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the input
// and the item name using three strategies: full-string comparison,
// space-stripped comparison, and the best pairwise token score.
func bestJWScore(inputTokens, itemTokens []string, inputFull, itemFull string) float64 {
	score := matchr.JaroWinkler(inputFull, itemFull, false)

	if len(inputTokens) > 1 || len(itemTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(itemTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, et := range itemTokens {
			if s := matchr.JaroWinkler(it, et, false); s > score {
				score = s
			}
		}
	}

	return score
}
