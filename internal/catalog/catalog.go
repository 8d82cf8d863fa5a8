// Package catalog prepares the workload from scanned catalog PDFs:
// each page is rendered to image_root/state/school/year/page.jpg and a
// label stub is written under label_root so the scanner picks it up.
// This runs before orchestration; the orchestrator itself never writes
// outside its output tree.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/records"
)

// Request identifies the book a PDF belongs to.
type Request struct {
	PDFPath string
	State   string
	School  string
	Year    int

	LabelRoot string
	ImageRoot string

	FirstPage int // page number assigned to the PDF's first page (default 1)

	Logger *slog.Logger
}

// Result reports a completed ingest.
type Result struct {
	Book      records.Book
	PageCount int
}

// Ingest renders every PDF page and writes the matching label stubs.
func Ingest(ctx context.Context, req Request) (*Result, error) {
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}
	if req.FirstPage <= 0 {
		req.FirstPage = 1
	}

	probe := records.PageID{State: req.State, School: req.School, Year: req.Year, Page: req.FirstPage}
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(req.PDFPath); err != nil {
		return nil, fmt.Errorf("PDF not found: %s", req.PDFPath)
	}

	f, err := os.Open(req.PDFPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	pageCount, err := api.PageCount(f, nil)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("PDF has no pages: %s", req.PDFPath)
	}

	log.Info("starting catalog ingest",
		"pdf", filepath.Base(req.PDFPath), "pages", pageCount,
		"state", req.State, "school", req.School, "year", req.Year)

	// Render pages concurrently.
	maxWorkers := runtime.NumCPU()
	type rendered struct {
		page int
		err  error
	}
	results := make(chan rendered, pageCount)
	sem := make(chan struct{}, maxWorkers)

	for i := 0; i < pageCount; i++ {
		pdfPage := i + 1
		outPage := req.FirstPage + i
		sem <- struct{}{}
		go func(pdfPage, outPage int) {
			defer func() { <-sem }()
			id := records.PageID{State: req.State, School: req.School, Year: req.Year, Page: outPage}
			err := renderPage(ctx, req.PDFPath, pdfPage, id.ImagePath(req.ImageRoot))
			results <- rendered{page: outPage, err: err}
		}(pdfPage, outPage)
	}

	for i := 0; i < pageCount; i++ {
		r := <-results
		if r.err != nil {
			return nil, fmt.Errorf("failed to render page %d: %w", r.page, r.err)
		}
	}

	// Label stubs go in last so a crash mid-render never leaves the
	// scanner pointing at missing images.
	for i := 0; i < pageCount; i++ {
		id := records.PageID{State: req.State, School: req.School, Year: req.Year, Page: req.FirstPage + i}
		if err := writeLabelStub(id, req.LabelRoot, req.PDFPath, i+1); err != nil {
			return nil, err
		}
	}

	log.Info("catalog ingest complete", "pages", pageCount)
	return &Result{Book: probe.Book(), PageCount: pageCount}, nil
}

// renderPage rasterizes one PDF page to a JPEG using pdftoppm
// (poppler-utils). pdftoppm renders the page as displayed; extracting
// embedded image objects can disagree with page order.
func renderPage(ctx context.Context, pdfPath string, pdfPage int, outPath string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "ocrbatch-page-"+uuid.NewString()[:8]+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "page")
	pageStr := strconv.Itoa(pdfPage)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-jpeg",
		"-f", pageStr,
		"-l", pageStr,
		"-r", "300",
		"-singlefile",
		pdfPath,
		outputPrefix,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	srcPath := outputPrefix + ".jpg"
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	return os.WriteFile(outPath, data, 0o644)
}

// labelStub is the content of a generated label file.
type labelStub struct {
	Source  string `json:"source"`
	PDFPage int    `json:"pdf_page"`
}

func writeLabelStub(id records.PageID, labelRoot, pdfPath string, pdfPage int) error {
	path := id.LabelPath(labelRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(labelStub{Source: filepath.Base(pdfPath), PDFPage: pdfPage}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
