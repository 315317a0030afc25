package ocr

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
)

// PDFText reads the embedded text layer in process, without poppler.
type PDFText struct{}

// PageTexts returns the plain text of each page. The reader panics on some
// malformed files; that is reported as an error.
func (PDFText) PageTexts(_ context.Context, src Source) (texts []string, err error) {
	if src.MIME != mimePDF {
		return nil, eris.Errorf("ocr: pdf reader cannot read %s", src.MIME)
	}
	defer func() {
		if r := recover(); r != nil {
			texts = nil
			err = eris.Errorf("ocr: pdf reader panic: %s", fmt.Sprint(r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, eris.Wrapf(err, "ocr: open pdf %s", src.Name)
	}

	n := r.NumPage()
	texts = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			texts = append(texts, "")
			continue
		}
		s, err := page.GetPlainText(nil)
		if err != nil {
			return nil, eris.Wrapf(err, "ocr: read text of page %d", i)
		}
		texts = append(texts, s)
	}
	return texts, nil
}
