package normalize

import (
	"strings"
	"unicode"

	"github.com/smallbiznis/adminis/internal/config"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultAliases folds the upstream spellings seen so far into one label per
// charge category. Diacritics and case are ignored when matching.
var DefaultAliases = []config.AliasRule{
	{Label: "Apa calda", Variants: []string{"Apa calda menajera", "Apa calda consum"}},
	{Label: "Apa rece", Variants: []string{"Apa rece consum", "Apa rece menajera"}},
	{Label: "Incalzire", Variants: []string{"Incalzire apartament", "Agent termic"}},
	{Label: "Curatenie", Variants: []string{"Curatenie scara", "Curatenie bloc"}},
	{Label: "Diferenta apa calda", Variants: []string{"Dif. apa calda", "Dif apa calda", "Diferente apa calda"}},
	{Label: "Diferenta apa rece", Variants: []string{"Dif. apa rece", "Dif apa rece", "Diferente apa rece"}},
	{Label: "Fond reparatii", Variants: []string{"Fond de reparatii", "Fond rep."}},
	{Label: "Fond rulment", Variants: []string{"Fond de rulment"}},
	{Label: "Salubritate", Variants: []string{"Salubrizare", "Gunoi"}},
}

// Aliases resolves raw charge labels to canonical ones.
type Aliases struct {
	byKey map[string]string
}

// NewAliases merges rules over DefaultAliases; later rules win.
func NewAliases(rules ...config.AliasRule) Aliases {
	a := Aliases{byKey: map[string]string{}}
	for _, set := range [][]config.AliasRule{DefaultAliases, rules} {
		for _, rule := range set {
			label := CleanLabel(rule.Label)
			if label == "" {
				continue
			}
			a.byKey[foldKey(label)] = label
			for _, v := range rule.Variants {
				if key := foldKey(v); key != "" {
					a.byKey[key] = label
				}
			}
		}
	}
	return a
}

// Canonical returns the canonical label for raw. Unknown labels come back
// trimmed with whitespace collapsed and are otherwise untouched.
func (a Aliases) Canonical(raw string) (string, bool) {
	label := CleanLabel(raw)
	if canonical, ok := a.byKey[foldKey(label)]; ok {
		return canonical, true
	}
	return label, false
}

// CleanLabel trims and collapses whitespace.
func CleanLabel(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

func foldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, CleanLabel(s))
	if err != nil {
		folded = CleanLabel(s)
	}
	return strings.ToLower(folded)
}
