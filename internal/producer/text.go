package producer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/rules"
)

// textConfidence is the confidence of a value read from a "Label: value"
// line of the text layer.
const textConfidence = 0.6

// Text layer quality floor.
const (
	minTextChars  = 50
	minTextWords  = 5
	minAlphaRatio = 0.40
)

var (
	columnGap = regexp.MustCompile(`\s{2,}`)
	wordRe    = regexp.MustCompile(`\p{L}{3,}`)
)

// NativeText reads labelled values straight off the PDF text layer. It fails
// closed when the layer is too sparse or looks like OCR noise.
type NativeText struct {
	minChars int
	labels   map[string][]string // normalized label -> anchor keys
	anchors  map[string]rules.Anchor
}

// NewNativeText builds the producer from the anchor table.
func NewNativeText(set *rules.Set, minCharsPerPage int) *NativeText {
	p := &NativeText{
		minChars: minCharsPerPage,
		labels:   make(map[string][]string),
		anchors:  set.Anchors,
	}
	keys := make([]string, 0, len(set.Anchors))
	for k := range set.Anchors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, l := range set.Anchors[k].Labels {
			n := normalizeLabel(l)
			p.labels[n] = append(p.labels[n], k)
		}
	}
	return p
}

// Name implements Producer.
func (p *NativeText) Name() string { return NameText }

// Produce implements Producer.
func (p *NativeText) Produce(_ context.Context, in Input) Output {
	if in.Doc == nil || len(in.Doc.Pages) == 0 {
		return failed(NameText, "document has no pages")
	}
	if density := in.Doc.AvgCharsPerPage(); density < float64(p.minChars) {
		return failed(NameText, fmt.Sprintf("text density %.0f chars/page below %d", density, p.minChars))
	}
	text := in.Doc.Text()
	if ok, reason := textQuality(text); !ok {
		return failed(NameText, "text layer rejected: "+reason)
	}

	seen := make(map[model.Field]bool)
	var cands []model.FieldCandidate
	for _, line := range strings.Split(text, "\n") {
		for _, lv := range labelValues(line) {
			for _, c := range p.read(lv[0], lv[1]) {
				if !seen[c.Name] {
					seen[c.Name] = true
					cands = append(cands, c)
				}
			}
		}
	}

	if len(cands) == 0 {
		return failed(NameText, "no labelled values in text layer")
	}
	return Output{Producer: NameText, Candidates: cands}
}

func (p *NativeText) read(label, value string) []model.FieldCandidate {
	for _, key := range p.labels[normalizeLabel(label)] {
		if key == rules.PeriodKey {
			if c := periodCandidates(value, model.TierText, textConfidence); c != nil {
				return c
			}
			continue
		}
		v, ok := firstShape(p.anchors[key].Values, value)
		if !ok {
			continue
		}
		if c, ok := model.NewCandidate(model.Field(key), v, model.TierText, textConfidence); ok {
			return []model.FieldCandidate{c}
		}
	}
	return nil
}

// labelValues splits a layout line into (label, value) pairs. Columns are
// separated by runs of spaces; a label whose value sits in the next column
// takes that column.
func labelValues(line string) [][2]string {
	cols := columnGap.Split(strings.TrimSpace(line), -1)
	var out [][2]string
	for i := 0; i < len(cols); i++ {
		idx := strings.Index(cols[i], ":")
		if idx <= 0 {
			continue
		}
		label := cols[i][:idx]
		value := strings.TrimSpace(cols[i][idx+1:])
		if value == "" && i+1 < len(cols) && !strings.Contains(cols[i+1], ":") {
			value = cols[i+1]
			i++
		}
		if value != "" {
			out = append(out, [2]string{label, value})
		}
	}
	return out
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ":. ")
	return strings.Join(strings.Fields(s), " ")
}

// textQuality rejects text layers that are empty, wordless or dominated by
// symbols, which is what a broken font map or an OCR overlay produces.
func textQuality(text string) (bool, string) {
	var nonSpace, letters int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		nonSpace++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if nonSpace < minTextChars {
		return false, fmt.Sprintf("only %d characters", nonSpace)
	}
	if n := len(wordRe.FindAllString(text, minTextWords)); n < minTextWords {
		return false, fmt.Sprintf("only %d words", n)
	}
	if ratio := float64(letters) / float64(nonSpace); ratio < minAlphaRatio {
		return false, fmt.Sprintf("alphabetic ratio %.2f", ratio)
	}
	return true, ""
}
