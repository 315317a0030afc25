package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
)

// PdfToPpm renders PDF pages to PNG using the pdftoppm CLI tool.
type PdfToPpm struct {
	binPath string
	dpi     int
}

// NewPdfToPpm creates a renderer. Empty binPath means "pdftoppm"; dpi <= 0
// means 200.
func NewPdfToPpm(binPath string, dpi int) *PdfToPpm {
	if binPath == "" {
		binPath = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 200
	}
	return &PdfToPpm{binPath: binPath, dpi: dpi}
}

// Render writes page images to a scratch directory and reads them back in
// page order.
func (p *PdfToPpm) Render(ctx context.Context, src Source, maxPages int) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "billrecon-render-*")
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create render dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	args := []string{"-r", strconv.Itoa(p.dpi), "-png"}
	if maxPages > 0 {
		args = append(args, "-f", "1", "-l", strconv.Itoa(maxPages))
	}
	args = append(args, src.Path, filepath.Join(dir, "page"))

	cmd := exec.CommandContext(ctx, p.binPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "ocr: pdftoppm failed for %s: %s", src.Name, stderr.String())
	}

	// pdftoppm zero-pads page numbers to a common width, so names sort.
	files, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: list rendered pages")
	}
	sort.Strings(files)

	out := make([][]byte, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, eris.Wrapf(err, "ocr: read rendered page %s", filepath.Base(f))
		}
		out = append(out, data)
	}
	if len(out) == 0 {
		return nil, eris.Errorf("ocr: pdftoppm produced no pages for %s", src.Name)
	}
	return out, nil
}
