package extractor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/mandari/ingest/internal/storage"
)

// minTextLength is the point below which a PDF text layer is treated as a
// scan artifact and OCR takes over.
const minTextLength = 100

// extractPDF reads the text layer and falls back to OCR for scanned
// documents. A scanned PDF whose OCR also yields nothing completes with an
// empty text; that is a valid terminal state, not a failure.
func (e *Extractor) extractPDF(ctx context.Context, data []byte, hash string) storage.Extraction {
	text, pages, layerErr := pdfTextLayer(data)
	if layerErr == nil && len(text) >= minTextLength {
		return storage.Extraction{Status: "completed", Method: "pdf-textlayer", Text: text, PageCount: pages, SHA256: hash}
	}

	ocrText, ocrPages, ocrErr := e.ocr(ctx, data)
	if pages == 0 {
		pages = ocrPages
	}
	if ocrErr != nil {
		// Fall back to whatever the text layer gave us before failing.
		if layerErr == nil && text != "" {
			return storage.Extraction{Status: "completed", Method: "pdf-textlayer", Text: text, PageCount: pages, SHA256: hash}
		}
		if layerErr != nil {
			return storage.Extraction{Status: "failed", Method: "none", SHA256: hash,
				Error: fmt.Sprintf("text layer: %v; ocr: %v", layerErr, ocrErr)}
		}
		return storage.Extraction{Status: "failed", Method: "ocr", SHA256: hash, Error: ocrErr.Error()}
	}

	if ocrText == "" {
		// Scanned document with no recognizable text.
		return storage.Extraction{Status: "completed", Method: "none", PageCount: pages, SHA256: hash}
	}
	return storage.Extraction{Status: "completed", Method: "ocr", Text: ocrText, PageCount: pages, SHA256: hash}
}

// pdfTextLayer pulls plain text out of the PDF content streams. The parser
// panics on some malformed municipal PDFs, hence the recover.
func pdfTextLayer(data []byte) (text string, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("open pdf: %w", err)
	}
	pages = reader.NumPage()

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", pages, fmt.Errorf("read text layer: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", pages, fmt.Errorf("read text layer: %w", err)
	}
	return cleanText(string(raw)), pages, nil
}

// ocr renders the PDF to images with pdftoppm and runs tesseract over each
// page. Both tools must be on PATH; a missing binary surfaces as an error
// on the file row.
func (e *Extractor) ocr(ctx context.Context, data []byte) (string, int, error) {
	dir, err := os.MkdirTemp("", "mandari-ocr-")
	if err != nil {
		return "", 0, fmt.Errorf("ocr tempdir: %w", err)
	}
	defer os.RemoveAll(dir)

	pdfPath := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(pdfPath, data, 0o600); err != nil {
		return "", 0, fmt.Errorf("ocr write pdf: %w", err)
	}

	render := exec.CommandContext(ctx, "pdftoppm",
		"-r", strconv.Itoa(e.opts.OCRDPI), "-png", pdfPath, filepath.Join(dir, "page"))
	if out, err := render.CombinedOutput(); err != nil {
		return "", 0, fmt.Errorf("pdftoppm: %w: %s", err, strings.TrimSpace(string(out)))
	}

	images, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil || len(images) == 0 {
		return "", 0, fmt.Errorf("ocr: no pages rendered")
	}
	sort.Strings(images)

	var sb strings.Builder
	for _, img := range images {
		recognize := exec.CommandContext(ctx, "tesseract", img, "stdout", "-l", e.opts.OCRLanguage)
		out, err := recognize.Output()
		if err != nil {
			return "", 0, fmt.Errorf("tesseract: %w", err)
		}
		sb.Write(out)
		sb.WriteByte('\n')
	}
	return cleanText(sb.String()), len(images), nil
}
