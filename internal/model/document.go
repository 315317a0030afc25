package model

import (
	"sort"
	"strings"
)

// Token is one OCR word with its bounding box in page pixels.
type Token struct {
	Text   string  `json:"text"`
	Page   int     `json:"page"`
	Block  int     `json:"block"`
	Line   int     `json:"line"`
	Left   int     `json:"left"`
	Top    int     `json:"top"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Conf   float64 `json:"conf"`
}

// Right returns the token's right edge.
func (t Token) Right() int { return t.Left + t.Width }

// Bottom returns the token's bottom edge.
func (t Token) Bottom() int { return t.Top + t.Height }

// CenterY returns the token's vertical center.
func (t Token) CenterY() float64 { return float64(t.Top) + float64(t.Height)/2 }

// Page is one decoded page: its text layer, OCR tokens and rendered raster.
type Page struct {
	Number    int     `json:"number"`
	Text      string  `json:"text"`
	Tokens    []Token `json:"tokens,omitempty"`
	Image     []byte  `json:"-"`
	ImageType string  `json:"image_type,omitempty"`
}

// Document is a bill opened by the decoding collaborator.
type Document struct {
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	Pages       []Page `json:"pages"`
}

// Text joins the text layer of every page with form feeds.
func (d *Document) Text() string {
	parts := make([]string, 0, len(d.Pages))
	for _, p := range d.Pages {
		parts = append(parts, p.Text)
	}
	return strings.Join(parts, "\f")
}

// AvgCharsPerPage returns the mean non-space character count per page.
func (d *Document) AvgCharsPerPage() float64 {
	if len(d.Pages) == 0 {
		return 0
	}
	total := 0
	for _, p := range d.Pages {
		total += len(strings.Join(strings.Fields(p.Text), ""))
	}
	return float64(total) / float64(len(d.Pages))
}

// Tokens returns every OCR token across pages.
func (d *Document) Tokens() []Token {
	var out []Token
	for _, p := range d.Pages {
		out = append(out, p.Tokens...)
	}
	return out
}

// TokenText rebuilds line-ordered text from OCR tokens, one output line per
// OCR line, so regex rules can run against scanned pages.
func (d *Document) TokenText() string {
	type key struct{ page, block, line int }
	lines := make(map[key][]Token)
	var keys []key
	for _, t := range d.Tokens() {
		k := key{t.Page, t.Block, t.Line}
		if _, ok := lines[k]; !ok {
			keys = append(keys, k)
		}
		lines[k] = append(lines[k], t)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.page != b.page {
			return a.page < b.page
		}
		if a.block != b.block {
			return a.block < b.block
		}
		return a.line < b.line
	})

	var sb strings.Builder
	for _, k := range keys {
		toks := lines[k]
		sort.SliceStable(toks, func(i, j int) bool { return toks[i].Left < toks[j].Left })
		words := make([]string, 0, len(toks))
		for _, t := range toks {
			words = append(words, t.Text)
		}
		sb.WriteString(strings.Join(words, " "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Images returns the rendered page rasters in page order.
func (d *Document) Images() []Page {
	var out []Page
	for _, p := range d.Pages {
		if len(p.Image) > 0 {
			out = append(out, p)
		}
	}
	return out
}
