// Package scanner derives the next runnable set of pages from the
// filesystem workload and a snapshot of orchestration state. The scan
// is a pure function of its inputs: identical snapshots produce an
// identical, stably-ordered result.
package scanner

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/records"
)

// YearRange is an inclusive [Start, End] year filter.
type YearRange struct {
	Start int
	End   int
}

// Params are the scan inputs.
type Params struct {
	LabelRoot  string
	OutputRoot string

	// TargetStates is an allow-list of state names; empty means all.
	TargetStates []string
	// Years restricts catalog years; nil means all.
	Years *YearRange

	// State snapshots, taken before the scan.
	FailureCounts map[string]int
	Inflight      map[string]string

	MaxRetries     int
	BatchSizeLimit int

	Logger *slog.Logger
}

// Result is the outcome of one scan.
type Result struct {
	// Runnable pages in (state, school, year, page) order, at most
	// BatchSizeLimit of them.
	Runnable []records.PageID
	// TotalCandidates counts every labelled page examined by the walk.
	TotalCandidates int
}

// pageClass is the wave classification of one labelled page.
type pageClass int

const (
	classDone pageClass = iota
	classDead
	classInflight
	classEligible
	classBlocked
)

// Scan enumerates the label tree and returns the pages eligible for
// submission in this wave.
func Scan(p Params) (Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	books, err := enumerate(p, logger)
	if err != nil {
		return Result{}, err
	}

	// Books in (state, school, year) order; pages ascend within each.
	// Concatenation is therefore already in canonical key order.
	bookKeys := make([]records.Book, 0, len(books))
	for book := range books {
		bookKeys = append(bookKeys, book)
	}
	sort.Slice(bookKeys, func(i, j int) bool {
		a, b := bookKeys[i], bookKeys[j]
		if a.State != b.State {
			return a.State < b.State
		}
		if a.School != b.School {
			return a.School < b.School
		}
		return a.Year < b.Year
	})

	var result Result
	for _, book := range bookKeys {
		pages := books[book]
		sort.Ints(pages)

		// The dependency chain starts at the first labelled page; a
		// page depends on the immediately preceding labelled page, not
		// on numeric adjacency.
		prevDone := false
		for i, page := range pages {
			result.TotalCandidates++
			id := records.PageID{State: book.State, School: book.School, Year: book.Year, Page: page}

			class := classify(p, id, i == 0, prevDone)
			prevDone = class == classDone

			if class == classBlocked {
				// Nothing later in this book can run this wave.
				break
			}
			if class != classEligible {
				continue
			}

			result.Runnable = append(result.Runnable, id)
			if len(result.Runnable) >= p.BatchSizeLimit {
				return result, nil
			}
		}
	}

	return result, nil
}

// classify buckets one page for this wave.
func classify(p Params, id records.PageID, first, prevDone bool) pageClass {
	if outputExists(p.OutputRoot, id) {
		return classDone
	}
	if p.FailureCounts[id.Key()] > p.MaxRetries {
		return classDead
	}
	if _, ok := p.Inflight[id.Key()]; ok {
		return classInflight
	}
	if first || prevDone {
		return classEligible
	}
	return classBlocked
}

func outputExists(outputRoot string, id records.PageID) bool {
	_, err := os.Stat(id.OutputPath(outputRoot))
	return err == nil
}

// enumerate walks the label tree, parses page identities, and applies
// the state and year filters. Unparsable label paths are skipped with
// a warning.
func enumerate(p Params, logger *slog.Logger) (map[records.Book][]int, error) {
	allowState := make(map[string]bool, len(p.TargetStates))
	for _, s := range p.TargetStates {
		allowState[s] = true
	}

	books := make(map[records.Book][]int)
	err := filepath.WalkDir(p.LabelRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		id, err := records.ParseLabelPath(p.LabelRoot, path)
		if err != nil {
			logger.Warn("skipping unparsable label file", "path", path, "error", err)
			return nil
		}

		if len(allowState) > 0 && !allowState[id.State] {
			return nil
		}
		if p.Years != nil && (id.Year < p.Years.Start || id.Year > p.Years.End) {
			return nil
		}

		book := id.Book()
		books[book] = append(books[book], id.Page)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return books, nil
}
