package harvest

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"marketplace-harvest/record"
)

// DefaultNestedTypeField is the sub-record field consulted by the nested check.
const DefaultNestedTypeField = "electionType"

// KeywordSet is a named group of terms; a record hits the set when its text
// contains any one term.
type KeywordSet struct {
	Name  string
	Terms []string
}

// ValidatorRules configures the relevance predicate. Zero rules accept
// everything.
type ValidatorRules struct {
	// Exclude holds case-insensitive regular expressions matched against
	// headline + description.
	Exclude []string
	// GroupField, when set, must hold a non-blank string with no digits.
	GroupField string
	// KeywordSets must each be hit.
	KeywordSets     []KeywordSet
	IncludeCategory bool
	// RequireNested makes records that carry events or tokens prove
	// relevance through at least one of them as well.
	RequireNested   bool
	NestedTypeField string
}

// ElectionRules is the default profile: one election keyword set over
// question and description.
func ElectionRules() ValidatorRules {
	return ValidatorRules{
		KeywordSets: []KeywordSet{{
			Name:  "election",
			Terms: []string{"election", "presidential", "popular vote", "vp nominee", "presidential nominee"},
		}},
	}
}

// Validator is the compiled, immutable form of ValidatorRules. It is safe for
// concurrent use.
type Validator struct {
	exclude         []*regexp.Regexp
	groupField      string
	sets            [][]string
	includeCategory bool
	requireNested   bool
	nestedTypeField string
}

func NewValidator(rules ValidatorRules) (*Validator, error) {
	v := &Validator{
		groupField:      strings.TrimSpace(rules.GroupField),
		includeCategory: rules.IncludeCategory,
		requireNested:   rules.RequireNested,
		nestedTypeField: rules.NestedTypeField,
	}
	if v.nestedTypeField == "" {
		v.nestedTypeField = DefaultNestedTypeField
	}
	for _, pat := range rules.Exclude {
		if strings.TrimSpace(pat) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidSpec, "exclude pattern %q: %v", pat, err)
		}
		v.exclude = append(v.exclude, re)
	}
	for i, set := range rules.KeywordSets {
		var terms []string
		for _, t := range set.Terms {
			if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
				terms = append(terms, t)
			}
		}
		if len(terms) == 0 {
			return nil, errors.Wrapf(ErrInvalidSpec, "keyword set %d (%q) has no terms", i, set.Name)
		}
		v.sets = append(v.sets, terms)
	}
	if v.requireNested && len(v.sets) == 0 {
		return nil, errors.Wrap(ErrInvalidSpec, "nested check needs at least one keyword set")
	}
	return v, nil
}

// IsRelevant reports whether r passes every configured check.
func (v *Validator) IsRelevant(r record.Record) bool {
	headline := r.Headline()
	desc := r.Text(record.FieldDescription)

	if len(v.exclude) > 0 {
		text := headline + " " + desc
		for _, re := range v.exclude {
			if re.MatchString(text) {
				return false
			}
		}
	}
	if v.groupField != "" && !validGroup(r, v.groupField) {
		return false
	}
	if len(v.sets) > 0 {
		text := headline + " " + desc
		if v.includeCategory {
			text += " " + r.Text(record.FieldCategory)
		}
		if !v.hitsAll(text) {
			return false
		}
	}
	if v.requireNested {
		if nested := r.Nested(); len(nested) > 0 && !v.nestedHit(nested) {
			return false
		}
	}
	return true
}

func (v *Validator) hitsAll(text string) bool {
	text = strings.ToLower(text)
	for _, terms := range v.sets {
		hit := false
		for _, t := range terms {
			if strings.Contains(text, t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func (v *Validator) nestedHit(nested []record.Record) bool {
	for _, sub := range nested {
		text := sub.Headline() + " " + sub.Text(record.FieldDescription) + " " + sub.Text(v.nestedTypeField)
		if v.hitsAll(text) {
			return true
		}
	}
	return false
}

func validGroup(r record.Record, field string) bool {
	val, ok := r.Field(field)
	if !ok {
		return false
	}
	s, ok := val.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, unicode.IsDigit) < 0
}

// Filter returns the relevant records of recs in their original order,
// evaluating up to workers records concurrently.
func (v *Validator) Filter(ctx context.Context, recs []record.Record, workers int) ([]record.Record, error) {
	keep := make([]bool, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, workers))
	for i := range recs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			keep[i] = v.IsRelevant(recs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]record.Record, 0, len(recs))
	for i, ok := range keep {
		if ok {
			out = append(out, recs[i])
		}
	}
	return out, nil
}
