package ocr

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg" // register decoders for DecodeConfig
	_ "image/png"
	"net/http"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/billrecon/internal/model"
)

const mimePDF = "application/pdf"

// Decoder turns raw document bytes into a model.Document.
type Decoder struct {
	texts       []TextSource
	imageText   TextSource
	renderer    Renderer
	recognizer  Recognizer
	minChars    int
	renderPages int
}

// Decode opens data. Text sources are tried in order; a PDF whose text layer
// averages fewer than minChars characters per page is rendered and
// recognized page by page.
func (d *Decoder) Decode(ctx context.Context, name string, data []byte) (*model.Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, eris.Wrapf(ErrUnreadableDocument, "ocr: %s is empty", name)
	}

	src := Source{Name: name, Data: data, MIME: sniff(data)}
	doc := &model.Document{Name: name, Fingerprint: Fingerprint(data)}

	switch {
	case src.MIME == mimePDF:
		if err := d.decodePDF(ctx, src, doc); err != nil {
			return nil, err
		}
	case strings.HasPrefix(src.MIME, "image/"):
		if err := d.decodeImage(ctx, src, doc); err != nil {
			return nil, err
		}
	default:
		return nil, eris.Wrapf(ErrUnreadableDocument, "ocr: %s has unsupported type %s", name, src.MIME)
	}
	return doc, nil
}

func (d *Decoder) decodePDF(ctx context.Context, src Source, doc *model.Document) error {
	path, cleanup, err := spill(src.Data, "*.pdf")
	if err != nil {
		return err
	}
	defer cleanup()
	src.Path = path

	var texts []string
	var lastErr error
	for _, ts := range d.texts {
		texts, lastErr = ts.PageTexts(ctx, src)
		if lastErr == nil && len(texts) > 0 {
			break
		}
		if lastErr != nil {
			zap.L().Debug("ocr: text source failed",
				zap.String("document", src.Name),
				zap.Error(lastErr),
			)
		}
		texts = nil
	}
	if len(texts) == 0 {
		if lastErr == nil {
			lastErr = eris.New("no pages")
		}
		return eris.Wrapf(ErrUnreadableDocument, "ocr: open %s: %v", src.Name, lastErr)
	}

	doc.Pages = make([]model.Page, len(texts))
	for i, t := range texts {
		doc.Pages[i] = model.Page{Number: i + 1, Text: t}
	}

	scanned := doc.AvgCharsPerPage() < float64(d.minChars)
	limit := d.renderPages
	if scanned {
		limit = 0
	} else if limit <= 0 {
		return nil
	}

	images, err := d.renderer.Render(ctx, src, limit)
	if err != nil {
		zap.L().Warn("ocr: render failed",
			zap.String("document", src.Name),
			zap.Bool("scanned", scanned),
			zap.Error(err),
		)
		return nil
	}
	for i, img := range images {
		if i >= len(doc.Pages) {
			break
		}
		p := &doc.Pages[i]
		p.Image = img
		p.ImageType = "image/png"
		if scanned {
			p.Tokens = d.recognize(ctx, src.Name, img, p.Number)
		}
	}
	return nil
}

func (d *Decoder) decodeImage(ctx context.Context, src Source, doc *model.Document) error {
	if _, _, err := image.DecodeConfig(bytes.NewReader(src.Data)); err != nil {
		return eris.Wrapf(ErrUnreadableDocument, "ocr: decode image %s: %v", src.Name, err)
	}

	page := model.Page{Number: 1, Image: src.Data, ImageType: src.MIME}
	page.Tokens = d.recognize(ctx, src.Name, src.Data, 1)
	if d.imageText != nil {
		if texts, err := d.imageText.PageTexts(ctx, src); err == nil {
			page.Text = strings.Join(texts, "\n")
		} else {
			zap.L().Warn("ocr: image text failed", zap.String("document", src.Name), zap.Error(err))
		}
	}
	doc.Pages = []model.Page{page}
	return nil
}

func (d *Decoder) recognize(ctx context.Context, name string, img []byte, page int) []model.Token {
	tokens, err := d.recognizer.Recognize(ctx, img, page)
	if err != nil {
		zap.L().Warn("ocr: recognize failed",
			zap.String("document", name),
			zap.Int("page", page),
			zap.Error(err),
		)
		return nil
	}
	return tokens
}

func sniff(data []byte) string {
	if bytes.HasPrefix(data, []byte("%PDF")) {
		return mimePDF
	}
	mime := http.DetectContentType(data)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime
}

// spill writes data to a temp file for tools that only accept paths.
func spill(data []byte, pattern string) (string, func(), error) {
	f, err := os.CreateTemp("", "billrecon-"+pattern)
	if err != nil {
		return "", nil, eris.Wrap(err, "ocr: create temp file")
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck
		cleanup()
		return "", nil, eris.Wrap(err, "ocr: write temp file")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, eris.Wrap(err, "ocr: close temp file")
	}
	return f.Name(), cleanup, nil
}
