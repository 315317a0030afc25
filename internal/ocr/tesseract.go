package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/billrecon/internal/model"
)

// tsvWordLevel is the tesseract TSV level for single words.
const tsvWordLevel = "5"

// Tesseract recognizes word tokens with the tesseract CLI in TSV mode.
type Tesseract struct {
	binPath string
}

// NewTesseract creates a recognizer. If binPath is empty, "tesseract" is used.
func NewTesseract(binPath string) *Tesseract {
	if binPath == "" {
		binPath = "tesseract"
	}
	return &Tesseract{binPath: binPath}
}

// Recognize runs tesseract on image and parses its TSV output.
func (t *Tesseract) Recognize(ctx context.Context, image []byte, page int) ([]model.Token, error) {
	path, cleanup, err := spill(image, "*.png")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, t.binPath, path, "stdout", "tsv")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "ocr: tesseract failed on page %d: %s", page, stderr.String())
	}
	return ParseTSV(stdout.String(), page)
}

// ParseTSV converts tesseract TSV into word tokens for page. Rows with
// negative confidence or blank text are layout rows and are skipped.
func ParseTSV(tsv string, page int) ([]model.Token, error) {
	lines := strings.Split(strings.ReplaceAll(tsv, "\r\n", "\n"), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "level") {
		return nil, eris.New("ocr: tesseract output has no TSV header")
	}

	var out []model.Token
	for i, line := range lines[1:] {
		if line == "" {
			continue
		}
		cols := strings.SplitN(line, "\t", 12)
		if len(cols) < 12 || cols[0] != tsvWordLevel {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}

		nums := make([]int, 9)
		for j := 0; j < 9; j++ {
			n, err := strconv.Atoi(cols[j+1])
			if err != nil {
				return nil, eris.Wrapf(err, "ocr: tesseract row %d column %d", i+2, j+2)
			}
			nums[j] = n
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return nil, eris.Wrapf(err, "ocr: tesseract row %d confidence", i+2)
		}
		if conf < 0 {
			continue
		}

		// nums: page block par line word left top width height
		out = append(out, model.Token{
			Text:   text,
			Page:   page,
			Block:  nums[1],
			Line:   nums[2]*1000 + nums[3],
			Left:   nums[5],
			Top:    nums[6],
			Width:  nums[7],
			Height: nums[8],
			Conf:   conf,
		})
	}
	return out, nil
}
