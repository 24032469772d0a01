// Package extractor turns downloaded council documents into searchable
// text. PDFs are read through their text layer first; scanned PDFs fall
// back to OCR via pdftoppm and tesseract. HTML and plain text are handled
// inline.
package extractor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"

	"github.com/mandari/ingest/internal/storage"
)

// Store is the slice of the storage layer the extractor writes through.
type Store interface {
	MarkFileProcessing(ctx context.Context, id uuid.UUID) error
	FinishFileExtraction(ctx context.Context, id uuid.UUID, ex storage.Extraction) error
}

// Options tunes one Extractor.
type Options struct {
	MaxFileSize     int64         // hard cap, also enforced mid-download
	DownloadTimeout time.Duration // per-file
	Concurrency     int64
	OCRLanguage     string // tesseract language pack
	OCRDPI          int    // pdftoppm render resolution
}

func DefaultOptions() Options {
	return Options{
		MaxFileSize:     50 * 1024 * 1024,
		DownloadTimeout: 120 * time.Second,
		Concurrency:     4,
		OCRLanguage:     "deu",
		OCRDPI:          300,
	}
}

// Stats summarizes one extraction batch.
type Stats struct {
	Completed int
	Failed    int
	Skipped   int
}

// Extractor downloads and processes files with bounded concurrency.
type Extractor struct {
	http  *http.Client
	store Store
	sem   *semaphore.Weighted
	opts  Options
	log   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func New(store Store, opts Options) *Extractor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultOptions().MaxFileSize
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultOptions().DownloadTimeout
	}
	return &Extractor{
		http:  &http.Client{Timeout: opts.DownloadTimeout},
		store: store,
		sem:   semaphore.NewWeighted(opts.Concurrency),
		opts:  opts,
		log:   slog.Default().With("component", "extractor"),
	}
}

var errTooLarge = errors.New("file exceeds size cap")

// Run processes one batch of extraction jobs and reports totals. Individual
// failures are recorded on the file row and never abort the batch.
func (e *Extractor) Run(ctx context.Context, jobs []storage.FileJob) Stats {
	e.mu.Lock()
	e.stats = Stats{}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(job storage.FileJob) {
			defer wg.Done()
			defer e.sem.Release(1)
			e.process(ctx, job)
		}(job)
	}
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Extractor) process(ctx context.Context, job storage.FileJob) {
	if err := e.store.MarkFileProcessing(ctx, job.ID); err != nil {
		e.log.Error("claim file failed", "file", job.ExternalID, "error", err)
		return
	}

	ex := e.extract(ctx, job)
	if err := e.store.FinishFileExtraction(ctx, job.ID, ex); err != nil {
		e.log.Error("record extraction failed", "file", job.ExternalID, "error", err)
		return
	}

	e.mu.Lock()
	switch ex.Status {
	case "completed":
		e.stats.Completed++
	case "skipped":
		e.stats.Skipped++
	default:
		e.stats.Failed++
	}
	e.mu.Unlock()

	e.log.Debug("file processed",
		"file", job.ExternalID, "status", ex.Status, "method", ex.Method, "pages", ex.PageCount)
}

func (e *Extractor) extract(ctx context.Context, job storage.FileJob) storage.Extraction {
	if mediaSkipped(job.MimeType) {
		return storage.Extraction{Status: "skipped", Method: "none", Error: "unsupported media type " + job.MimeType}
	}

	data, err := e.download(ctx, job.DownloadURL)
	if errors.Is(err, errTooLarge) {
		return storage.Extraction{Status: "skipped", Method: "none", Error: err.Error()}
	}
	if err != nil {
		return storage.Extraction{Status: "failed", Method: "none", Error: err.Error()}
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	switch detectFormat(job.MimeType, job.FileName, data) {
	case formatPDF:
		return e.extractPDF(ctx, data, hash)
	case formatHTML:
		text := htmlToText(data)
		return storage.Extraction{Status: "completed", Method: "html", Text: text, SHA256: hash}
	case formatText:
		return storage.Extraction{Status: "completed", Method: "plaintext", Text: cleanText(string(data)), SHA256: hash}
	default:
		return storage.Extraction{Status: "skipped", Method: "none", SHA256: hash,
			Error: fmt.Sprintf("unsupported format (mime %q, name %q)", job.MimeType, job.FileName)}
	}
}

// download fetches the file body, enforcing the size cap even when the
// server does not declare Content-Length.
func (e *Extractor) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: status %d", resp.StatusCode)
	}
	if resp.ContentLength > e.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes declared", errTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.opts.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("download body: %w", err)
	}
	if int64(len(data)) > e.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: body larger than %d bytes", errTooLarge, e.opts.MaxFileSize)
	}
	return data, nil
}

type format int

const (
	formatUnknown format = iota
	formatPDF
	formatHTML
	formatText
)

// detectFormat decides how to treat a payload: declared MIME type first,
// then magic bytes, then the file extension.
func detectFormat(mimeType, fileName string, data []byte) format {
	mt := strings.ToLower(mimeType)
	name := strings.ToLower(fileName)

	switch {
	case strings.Contains(mt, "pdf"), bytes.HasPrefix(data, []byte("%PDF-")), strings.HasSuffix(name, ".pdf"):
		return formatPDF
	case strings.Contains(mt, "html"), strings.HasSuffix(name, ".html"), strings.HasSuffix(name, ".htm"):
		return formatHTML
	case strings.HasPrefix(mt, "text/"), strings.HasSuffix(name, ".txt"):
		return formatText
	default:
		return formatUnknown
	}
}

// mediaSkipped rejects media types that never carry extractable text.
func mediaSkipped(mimeType string) bool {
	mt := strings.ToLower(mimeType)
	return strings.HasPrefix(mt, "image/") ||
		strings.HasPrefix(mt, "video/") ||
		strings.HasPrefix(mt, "audio/")
}
