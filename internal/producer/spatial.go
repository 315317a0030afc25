package producer

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/rules"
)

const (
	// spatialConfidence is scaled by the mean OCR confidence of the value tokens.
	spatialConfidence = 0.7
	// maxValueTokens bounds how many adjacent tokens one value may span.
	maxValueTokens = 4
	// periodLookahead bounds the tokens searched for a period's end date.
	periodLookahead = 6
)

// ocrSubs folds the character confusions OCR commonly makes.
var ocrSubs = strings.NewReplacer("0", "o", "1", "l", "5", "s", "8", "b", "rn", "m", "cl", "d", "ii", "u")

type anchorSpec struct {
	key    string
	labels [][]string
	values []string
}

// SpatialAnchor reads values off positional OCR tokens: it finds an anchor
// label and takes the nearest acceptable token to its right or below it.
type SpatialAnchor struct {
	cfg     config.SpatialConfig
	anchors []anchorSpec
}

// NewSpatialAnchor builds the producer from the anchor table. Labels are
// tried most specific first: more words, then longer text.
func NewSpatialAnchor(set *rules.Set, cfg config.SpatialConfig) *SpatialAnchor {
	keys := make([]string, 0, len(set.Anchors))
	for k := range set.Anchors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := &SpatialAnchor{cfg: cfg}
	for _, k := range keys {
		a := set.Anchors[k]
		spec := anchorSpec{key: k, values: a.Values}
		for _, l := range a.Labels {
			if words := strings.Fields(l); len(words) > 0 {
				spec.labels = append(spec.labels, words)
			}
		}
		sort.SliceStable(spec.labels, func(i, j int) bool {
			li, lj := spec.labels[i], spec.labels[j]
			if len(li) != len(lj) {
				return len(li) > len(lj)
			}
			return len(strings.Join(li, " ")) > len(strings.Join(lj, " "))
		})
		p.anchors = append(p.anchors, spec)
	}
	return p
}

// Name implements Producer.
func (p *SpatialAnchor) Name() string { return NameSpatial }

// Produce implements Producer.
func (p *SpatialAnchor) Produce(_ context.Context, in Input) Output {
	if in.Doc == nil {
		return failed(NameSpatial, "document has no pages")
	}
	var tokens []model.Token
	for _, t := range in.Doc.Tokens() {
		if t.Conf >= p.cfg.MinTokenConfidence && strings.TrimSpace(t.Text) != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		return failed(NameSpatial, "no OCR tokens above confidence floor")
	}

	lines := groupLines(tokens)
	var cands []model.FieldCandidate
	for _, spec := range p.anchors {
		cands = append(cands, p.readAnchor(lines, spec)...)
	}
	if len(cands) == 0 {
		return failed(NameSpatial, "no anchored values found")
	}
	return Output{Producer: NameSpatial, Candidates: cands}
}

// span is a run of tokens on one line: lines[line][from:to].
type span struct {
	line, from, to int
}

type box struct {
	page                     int
	left, top, right, bottom int
}

func (b box) width() float64   { return float64(b.right - b.left) }
func (b box) height() float64  { return float64(b.bottom - b.top) }
func (b box) centerY() float64 { return float64(b.top+b.bottom) / 2 }

func spanBox(lines [][]model.Token, s span) box {
	toks := lines[s.line][s.from:s.to]
	b := box{page: toks[0].Page, left: toks[0].Left, top: toks[0].Top, right: toks[0].Right(), bottom: toks[0].Bottom()}
	for _, t := range toks[1:] {
		b.left = min(b.left, t.Left)
		b.top = min(b.top, t.Top)
		b.right = max(b.right, t.Right())
		b.bottom = max(b.bottom, t.Bottom())
	}
	return b
}

func (p *SpatialAnchor) readAnchor(lines [][]model.Token, spec anchorSpec) []model.FieldCandidate {
	for _, words := range spec.labels {
		hits := findLabel(lines, words)
		// Lowest on the page first: totals and summaries sit below headers.
		sort.SliceStable(hits, func(i, j int) bool {
			bi, bj := spanBox(lines, hits[i]), spanBox(lines, hits[j])
			if bi.page != bj.page {
				return bi.page > bj.page
			}
			return bi.top > bj.top
		})
		for _, hit := range hits {
			if c := p.readValue(lines, hit, spec); len(c) > 0 {
				return c
			}
		}
	}
	return nil
}

type nearby struct {
	line, pos int
	score     float64
}

func (p *SpatialAnchor) readValue(lines [][]model.Token, anchor span, spec anchorSpec) []model.FieldCandidate {
	a := spanBox(lines, anchor)
	h, w := math.Max(a.height(), 1), math.Max(a.width(), 1)

	var near []nearby
	for li, line := range lines {
		for pos, t := range line {
			if t.Page != a.page || (li == anchor.line && pos >= anchor.from && pos < anchor.to) {
				continue
			}
			dy := math.Abs(t.CenterY() - a.centerY())
			if t.Left >= a.right && dy < p.cfg.RowTolerance*h {
				if dx := float64(t.Left - a.right); dx <= p.cfg.RightWindow*w {
					near = append(near, nearby{li, pos, dx * p.cfg.RightWeight})
				}
				continue
			}
			if t.Top >= a.bottom && t.Left <= a.right && t.Right() >= a.left {
				if dv := float64(t.Top - a.bottom); dv <= p.cfg.BelowWindow*h {
					near = append(near, nearby{li, pos, dv})
				}
			}
		}
	}
	sort.SliceStable(near, func(i, j int) bool { return near[i].score < near[j].score })

	for _, n := range near {
		if spec.key == rules.PeriodKey {
			if c := readPeriod(lines[n.line], n.pos); c != nil {
				return c
			}
			continue
		}
		raw, conf, _, ok := readShape(lines[n.line], n.pos, spec.values)
		if !ok {
			continue
		}
		if c, ok := model.NewCandidate(model.Field(spec.key), raw, model.TierPattern, spatialConfidence*conf/100); ok {
			return []model.FieldCandidate{c}
		}
	}
	return nil
}

// readShape tries runs of 1..maxValueTokens tokens starting at pos, joined
// with and without spaces, and returns the first that fits a shape along
// with its mean OCR confidence and the position after the run.
func readShape(line []model.Token, pos int, shapes []string) (string, float64, int, bool) {
	for n := 1; n <= maxValueTokens && pos+n <= len(line); n++ {
		run := line[pos : pos+n]
		words := make([]string, n)
		var conf float64
		for i, t := range run {
			words[i] = t.Text
			conf += t.Conf
		}
		conf /= float64(n)
		for _, joined := range []string{strings.Join(words, " "), strings.Join(words, "")} {
			if v, ok := firstShape(shapes, joined); ok {
				return v, conf, pos + n, true
			}
		}
	}
	return "", 0, pos, false
}

func readPeriod(line []model.Token, pos int) []model.FieldCandidate {
	dates := []string{ValueDate}
	start, c1, next, ok := readShape(line, pos, dates)
	if !ok {
		return nil
	}
	for i := next; i < len(line) && i < next+periodLookahead; i++ {
		end, c2, _, ok := readShape(line, i, dates)
		if !ok {
			continue
		}
		raw := start + " - " + end
		return periodCandidates(raw, model.TierPattern, spatialConfidence*(c1+c2)/200)
	}
	return nil
}

// groupLines groups tokens by page, block and line, each sorted left to right.
func groupLines(tokens []model.Token) [][]model.Token {
	type key struct{ page, block, line int }
	idx := make(map[key]int)
	var lines [][]model.Token
	for _, t := range tokens {
		k := key{t.Page, t.Block, t.Line}
		i, ok := idx[k]
		if !ok {
			i = len(lines)
			idx[k] = i
			lines = append(lines, nil)
		}
		lines[i] = append(lines[i], t)
	}
	for _, l := range lines {
		sort.SliceStable(l, func(i, j int) bool { return l[i].Left < l[j].Left })
	}
	return lines
}

func findLabel(lines [][]model.Token, words []string) []span {
	var out []span
	for li, line := range lines {
		for i := 0; i+len(words) <= len(line); i++ {
			match := true
			for j, w := range words {
				if !fuzzyEqual(line[i+j].Text, w) {
					match = false
					break
				}
			}
			if match {
				out = append(out, span{line: li, from: i, to: i + len(words)})
			}
		}
	}
	return out
}

func normalizeWord(s string) string {
	return ocrSubs.Replace(strings.TrimRight(strings.ToLower(strings.TrimSpace(s)), ":;,."))
}

// fuzzyEqual compares an OCR token to a label word after folding common
// misreads, allowing one edit for words of three or more characters.
func fuzzyEqual(token, word string) bool {
	a, b := normalizeWord(token), normalizeWord(word)
	if a == b {
		return true
	}
	return len(b) >= 3 && withinOneEdit(a, b)
}

func withinOneEdit(a, b string) bool {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(ra)-len(rb) > 1 {
		return false
	}
	i, j, edits := 0, 0, 0
	for i < len(ra) && j < len(rb) {
		if ra[i] == rb[j] {
			i++
			j++
			continue
		}
		edits++
		if edits > 1 {
			return false
		}
		if len(ra) == len(rb) {
			j++
		}
		i++
	}
	return edits+(len(ra)-i) <= 1
}
