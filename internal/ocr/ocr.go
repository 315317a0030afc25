// Package ocr opens billing documents: it reads the PDF text layer, renders
// page rasters and recognizes positional word tokens on scanned pages.
package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rotisserie/eris"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/model"
)

// ErrUnreadableDocument reports input that cannot be opened at all. It is the
// only extraction failure callers see as an error.
var ErrUnreadableDocument = eris.New("ocr: unreadable document")

// Source is one document handed to the decoding tools. Path points at a
// temporary copy of Data for tools that need a file.
type Source struct {
	Name string
	Path string
	Data []byte
	MIME string
}

// TextSource returns the text layer of every page.
type TextSource interface {
	PageTexts(ctx context.Context, src Source) ([]string, error)
}

// Renderer rasterizes up to maxPages pages to PNG. maxPages <= 0 renders all.
type Renderer interface {
	Render(ctx context.Context, src Source, maxPages int) ([][]byte, error)
}

// Recognizer reads positional word tokens from one page image.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, page int) ([]model.Token, error)
}

// Fingerprint returns the hex sha256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewDecoder builds a Decoder from config. renderPages is the number of pages
// rasterized for documents that carry a usable text layer.
func NewDecoder(cfg *config.Config, renderPages int) (*Decoder, error) {
	local := NewPdfToText(cfg.OCR.PdfToTextPath)

	d := &Decoder{
		renderer:    NewPdfToPpm(cfg.OCR.PdfToPpmPath, cfg.OCR.DPI),
		recognizer:  NewTesseract(cfg.OCR.TesseractPath),
		minChars:    cfg.Extraction.MinCharsPerPage,
		renderPages: renderPages,
	}

	switch cfg.OCR.Provider {
	case "local", "":
		d.texts = []TextSource{local, PDFText{}}
	case "mistral":
		if cfg.OCR.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		m := NewMistralOCR(cfg.OCR.MistralKey, cfg.OCR.MistralModel)
		d.texts = []TextSource{m, local, PDFText{}}
		d.imageText = m
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.OCR.Provider)
	}
	return d, nil
}
