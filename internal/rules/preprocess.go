package rules

import "regexp"

// preprocessHooks clean OCR artifacts specific to one provider's layout
// before its rule table runs.
var preprocessHooks = map[string]func(string) string{
	"energia_normalize": normalizeEnergia,
	"kerry_normalize":   normalizeKerry,
}

var (
	euroWord       = regexp.MustCompile(`\b[eEc][uU][rR][oO]\b`)
	atArtifacts    = regexp.MustCompile(`@[\s_~=]+`)
	euroColonCents = regexp.MustCompile(`(€[\d,]+):(\d{2})`)
	thouColonCents = regexp.MustCompile(`(\d,\d+):(\d{2})\b`)
	tatal          = regexp.MustCompile(`\bTatal\b`)
	kwhTypos       = regexp.MustCompile(`\b[xX]Wh\b`)
	multiSpace     = regexp.MustCompile(`  +`)
	tableRules     = regexp.MustCompile(`\s*[|—]\s*`)
	thousandsSep   = regexp.MustCompile(`(\d),(\d)`)
)

// normalizeEnergia fixes the OCR misreads common on scanned Energia bills:
// "euro" for the euro sign, colons in amounts and mangled kWh units.
func normalizeEnergia(text string) string {
	t := euroWord.ReplaceAllString(text, "€")
	t = atArtifacts.ReplaceAllString(t, "@ ")
	t = euroColonCents.ReplaceAllString(t, "$1.$2")
	t = thouColonCents.ReplaceAllString(t, "$1.$2")
	t = tatal.ReplaceAllString(t, "Total")
	t = kwhTypos.ReplaceAllString(t, "kWh")
	return multiSpace.ReplaceAllString(t, " ")
}

// normalizeKerry flattens the ruled invoice table into space separated
// columns and drops thousands separators.
func normalizeKerry(text string) string {
	t := tableRules.ReplaceAllString(text, " ")
	t = thousandsSep.ReplaceAllString(t, "$1$2")
	return multiSpace.ReplaceAllString(t, " ")
}
