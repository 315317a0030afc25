package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/resilience"
)

// minimalPDF builds a one page PDF whose content stream shows text.
func minimalPDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func fakeBin(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

type stubText struct {
	pages []string
	err   error
	calls int
}

func (s *stubText) PageTexts(context.Context, Source) ([]string, error) {
	s.calls++
	return s.pages, s.err
}

type stubRenderer struct {
	images [][]byte
	err    error
	limit  int
}

func (s *stubRenderer) Render(_ context.Context, _ Source, maxPages int) ([][]byte, error) {
	s.limit = maxPages
	return s.images, s.err
}

type stubRecognizer struct {
	tokens []model.Token
	err    error
	pages  []int
}

func (s *stubRecognizer) Recognize(_ context.Context, _ []byte, page int) ([]model.Token, error) {
	s.pages = append(s.pages, page)
	return s.tokens, s.err
}

func denseText() string {
	return strings.Repeat("Account Number: 123456789 Electricity charges for the period. ", 4)
}

func TestNewDecoder_Local(t *testing.T) {
	cfg := &config.Config{OCR: config.OCRConfig{Provider: "local"}, Extraction: config.ExtractionConfig{MinCharsPerPage: 100}}
	d, err := NewDecoder(cfg, 2)
	require.NoError(t, err)
	require.Len(t, d.texts, 2)
	assert.IsType(t, &PdfToText{}, d.texts[0])
	assert.IsType(t, PDFText{}, d.texts[1])
	assert.Nil(t, d.imageText)
	assert.Equal(t, 100, d.minChars)
	assert.Equal(t, 2, d.renderPages)
}

func TestNewDecoder_MistralMissingKey(t *testing.T) {
	_, err := NewDecoder(&config.Config{OCR: config.OCRConfig{Provider: "mistral"}}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral provider requires mistral_api_key")
}

func TestNewDecoder_MistralWithKey(t *testing.T) {
	d, err := NewDecoder(&config.Config{OCR: config.OCRConfig{Provider: "mistral", MistralKey: "k"}}, 0)
	require.NoError(t, err)
	assert.IsType(t, &MistralOCR{}, d.texts[0])
	assert.NotNil(t, d.imageText)
}

func TestNewDecoder_UnknownProvider(t *testing.T) {
	_, err := NewDecoder(&config.Config{OCR: config.OCRConfig{Provider: "abbyy"}}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "abbyy"`)
}

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint([]byte("bill"))
	assert.Equal(t, a, Fingerprint([]byte("bill")))
	assert.NotEqual(t, a, Fingerprint([]byte("bill2")))
	assert.Len(t, a, 64)
}

func TestDecode_EmptyIsUnreadable(t *testing.T) {
	d := &Decoder{}
	_, err := d.Decode(context.Background(), "empty.pdf", []byte("  \n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadableDocument))
}

func TestDecode_UnsupportedTypeIsUnreadable(t *testing.T) {
	d := &Decoder{}
	_, err := d.Decode(context.Background(), "notes.txt", []byte("just some words"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadableDocument))
	assert.Contains(t, err.Error(), "text/plain")
}

func TestDecode_AllTextSourcesFail(t *testing.T) {
	first := &stubText{err: errors.New("boom")}
	second := &stubText{}
	d := &Decoder{texts: []TextSource{first, second}}

	_, err := d.Decode(context.Background(), "bad.pdf", []byte("%PDF-1.4 garbage"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadableDocument))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestDecode_TextLayerFallsThroughSources(t *testing.T) {
	first := &stubText{err: errors.New("pdftotext missing")}
	second := &stubText{pages: []string{denseText(), denseText()}}
	rend := &stubRenderer{images: [][]byte{[]byte("p1")}}
	rec := &stubRecognizer{}
	d := &Decoder{texts: []TextSource{first, second}, renderer: rend, recognizer: rec, minChars: 100, renderPages: 1}

	doc, err := d.Decode(context.Background(), "bill.pdf", []byte("%PDF-1.4 body"))
	require.NoError(t, err)
	require.Len(t, doc.Pages, 2)
	assert.Equal(t, 1, doc.Pages[0].Number)
	assert.Equal(t, 2, doc.Pages[1].Number)
	assert.Equal(t, Fingerprint([]byte("%PDF-1.4 body")), doc.Fingerprint)

	// Text documents only render the vision pages and skip recognition.
	assert.Equal(t, 1, rend.limit)
	assert.Equal(t, []byte("p1"), doc.Pages[0].Image)
	assert.Empty(t, doc.Pages[1].Image)
	assert.Empty(t, rec.pages)
}

func TestDecode_ScannedPDFRecognizesEveryPage(t *testing.T) {
	text := &stubText{pages: []string{"", " "}}
	rend := &stubRenderer{images: [][]byte{[]byte("p1"), []byte("p2")}}
	rec := &stubRecognizer{tokens: []model.Token{{Text: "MPRN"}}}
	d := &Decoder{texts: []TextSource{text}, renderer: rend, recognizer: rec, minChars: 100}

	doc, err := d.Decode(context.Background(), "scan.pdf", []byte("%PDF-1.4 body"))
	require.NoError(t, err)
	assert.Equal(t, 0, rend.limit)
	assert.Equal(t, []int{1, 2}, rec.pages)
	assert.Len(t, doc.Tokens(), 2)
	assert.Equal(t, "image/png", doc.Pages[1].ImageType)
}

func TestDecode_RenderFailureKeepsDocument(t *testing.T) {
	text := &stubText{pages: []string{""}}
	d := &Decoder{
		texts:      []TextSource{text},
		renderer:   &stubRenderer{err: errors.New("no poppler")},
		recognizer: &stubRecognizer{},
		minChars:   100,
	}

	doc, err := d.Decode(context.Background(), "scan.pdf", []byte("%PDF-1.4 body"))
	require.NoError(t, err)
	require.Len(t, doc.Pages, 1)
	assert.Empty(t, doc.Tokens())
}

func TestDecode_Image(t *testing.T) {
	img := tinyPNG(t)
	rec := &stubRecognizer{tokens: []model.Token{{Text: "Total"}}}
	d := &Decoder{recognizer: rec}

	doc, err := d.Decode(context.Background(), "photo.png", img)
	require.NoError(t, err)
	require.Len(t, doc.Pages, 1)
	assert.Equal(t, "image/png", doc.Pages[0].ImageType)
	assert.Equal(t, img, doc.Pages[0].Image)
	assert.Len(t, doc.Tokens(), 1)
	assert.Empty(t, doc.Pages[0].Text)
}

func TestDecode_ImageUsesImageTextSource(t *testing.T) {
	d := &Decoder{recognizer: &stubRecognizer{}, imageText: &stubText{pages: []string{"MPRN 10006002900"}}}
	doc, err := d.Decode(context.Background(), "photo.png", tinyPNG(t))
	require.NoError(t, err)
	assert.Equal(t, "MPRN 10006002900", doc.Pages[0].Text)
}

func TestDecode_CorruptImageIsUnreadable(t *testing.T) {
	data := append([]byte("\x89PNG\r\n\x1a\n"), []byte("truncated")...)
	_, err := (&Decoder{}).Decode(context.Background(), "broken.png", data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadableDocument))
}

func TestPDFText_ReadsTextLayer(t *testing.T) {
	data := minimalPDF("MPRN 10006002900")
	texts, err := PDFText{}.PageTexts(context.Background(), Source{Name: "bill.pdf", Data: data, MIME: mimePDF})
	require.NoError(t, err)
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "10006002900")
}

func TestPDFText_Garbage(t *testing.T) {
	_, err := PDFText{}.PageTexts(context.Background(), Source{Name: "x.pdf", Data: []byte("%PDF-1.4 nope"), MIME: mimePDF})
	require.Error(t, err)
}

func TestPdfToText_BinPath(t *testing.T) {
	assert.Equal(t, "pdftotext", NewPdfToText("").binPath)
	assert.Equal(t, "/custom/pdftotext", NewPdfToText("/custom/pdftotext").binPath)
}

func TestPdfToText_SplitsPages(t *testing.T) {
	bin := fakeBin(t, "pdftotext", `printf 'page one\fpage two\f'`+"\n")
	pages, err := NewPdfToText(bin).PageTexts(context.Background(), Source{Name: "a.pdf", Path: "/tmp/a.pdf", MIME: mimePDF})
	require.NoError(t, err)
	assert.Equal(t, []string{"page one", "page two"}, pages)
}

func TestPdfToText_BinaryNotFound(t *testing.T) {
	_, err := NewPdfToText("/nonexistent/pdftotext").PageTexts(context.Background(), Source{Name: "a.pdf", MIME: mimePDF})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftotext failed")
}

func TestPdfToText_RejectsImages(t *testing.T) {
	_, err := NewPdfToText("").PageTexts(context.Background(), Source{MIME: "image/png"})
	require.Error(t, err)
}

func TestPdfToPpm_Render(t *testing.T) {
	// The last argument is the output prefix.
	bin := fakeBin(t, "pdftoppm", `for a; do last=$a; done
printf 'one' > "$last-1.png"
printf 'two' > "$last-2.png"
`)
	images, err := NewPdfToPpm(bin, 150).Render(context.Background(), Source{Name: "a.pdf", Path: "/tmp/a.pdf"}, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, images)
}

func TestPdfToPpm_NoOutput(t *testing.T) {
	bin := fakeBin(t, "pdftoppm", "exit 0\n")
	_, err := NewPdfToPpm(bin, 0).Render(context.Background(), Source{Name: "a.pdf"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced no pages")
}

func TestPdfToPpm_Defaults(t *testing.T) {
	p := NewPdfToPpm("", 0)
	assert.Equal(t, "pdftoppm", p.binPath)
	assert.Equal(t, 200, p.dpi)
}

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t1700\t2200\t-1\t\n" +
	"4\t1\t1\t1\t1\t0\t100\t200\t400\t30\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t100\t200\t80\t30\t96.5\tMPRN\n" +
	"5\t1\t1\t1\t1\t2\t200\t201\t180\t30\t91\t10006002900\n" +
	"5\t1\t1\t1\t1\t3\t400\t201\t10\t30\t95\t \n" +
	"5\t1\t2\t1\t2\t1\t100\t400\t90\t30\t88\tTotal\n"

func TestParseTSV(t *testing.T) {
	tokens, err := ParseTSV(sampleTSV, 3)
	require.NoError(t, err)
	require.Len(t, tokens, 3)

	assert.Equal(t, model.Token{Text: "MPRN", Page: 3, Block: 1, Line: 1001, Left: 100, Top: 200, Width: 80, Height: 30, Conf: 96.5}, tokens[0])
	assert.Equal(t, "10006002900", tokens[1].Text)
	assert.Equal(t, 2, tokens[2].Block)
	assert.Equal(t, 1002, tokens[2].Line)
}

func TestParseTSV_MissingHeader(t *testing.T) {
	_, err := ParseTSV("garbage", 1)
	require.Error(t, err)
}

func TestTesseract_Recognize(t *testing.T) {
	tsvPath := filepath.Join(t.TempDir(), "out.tsv")
	require.NoError(t, os.WriteFile(tsvPath, []byte(sampleTSV), 0o644))
	bin := fakeBin(t, "tesseract", "cat "+tsvPath+"\n")

	tokens, err := NewTesseract(bin).Recognize(context.Background(), []byte("img"), 1)
	require.NoError(t, err)
	assert.Len(t, tokens, 3)
}

func TestTesseract_Failure(t *testing.T) {
	bin := fakeBin(t, "tesseract", "echo 'bad image' >&2; exit 1\n")
	_, err := NewTesseract(bin).Recognize(context.Background(), []byte("img"), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page 2")
	assert.Contains(t, err.Error(), "bad image")
}

func TestMistralOCR_DefaultModel(t *testing.T) {
	m := NewMistralOCR("key", "")
	assert.Equal(t, defaultMistralModel, m.model)
	assert.Equal(t, mistralOCREndpoint, m.endpoint)
}

func newTestMistral(url string) *MistralOCR {
	return &MistralOCR{
		apiKey:   "test-key",
		model:    "test-model",
		endpoint: url,
		client:   &http.Client{},
		retry:    resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	}
}

func TestMistralOCR_RetriesServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(mistralOCRResponse{Pages: []mistralOCRPage{{Markdown: "ok"}}}) //nolint:errcheck
	}))
	defer srv.Close()

	pages, err := newTestMistral(srv.URL).PageTexts(context.Background(), Source{MIME: mimePDF})
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, pages)
	assert.Equal(t, 2, calls)
}

func TestMistralOCR_PDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req mistralOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "document_url", req.Document.Type)
		assert.True(t, strings.HasPrefix(req.Document.DocumentURL, "data:application/pdf;base64,"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mistralOCRResponse{Pages: []mistralOCRPage{ //nolint:errcheck
			{Index: 0, Markdown: "Page one"},
			{Index: 1, Markdown: "Page two"},
		}})
	}))
	defer srv.Close()

	pages, err := newTestMistral(srv.URL).PageTexts(context.Background(), Source{Data: []byte("%PDF-1.4"), MIME: mimePDF})
	require.NoError(t, err)
	assert.Equal(t, []string{"Page one", "Page two"}, pages)
}

func TestMistralOCR_Image(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mistralOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "image_url", req.Document.Type)
		assert.True(t, strings.HasPrefix(req.Document.ImageURL, "data:image/png;base64,"))
		json.NewEncoder(w).Encode(mistralOCRResponse{Pages: []mistralOCRPage{{Markdown: "scan"}}}) //nolint:errcheck
	}))
	defer srv.Close()

	pages, err := newTestMistral(srv.URL).PageTexts(context.Background(), Source{Data: []byte("png"), MIME: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"scan"}, pages)
}

func TestMistralOCR_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	_, err := newTestMistral(srv.URL).PageTexts(context.Background(), Source{MIME: mimePDF})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral API returned 401")
}

func TestMistralOCR_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{invalid json`))
	}))
	defer srv.Close()

	_, err := newTestMistral(srv.URL).PageTexts(context.Background(), Source{MIME: mimePDF})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal mistral response")
}
