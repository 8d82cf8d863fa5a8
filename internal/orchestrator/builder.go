package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/AnsonDev42/gemini-ocr-batch/internal/gateway"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/prompts"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/records"
	"github.com/AnsonDev42/gemini-ocr-batch/internal/schema"
)

// buildPayloads renders one submission payload per page. A page whose
// labelled predecessor is Done gets that page's trailing context in
// its prompt; chain heads render without it.
func buildPayloads(labelRoot, imageRoot, outputRoot string, prompt *prompts.Prompt, ids []records.PageID) ([]gateway.RecordPayload, error) {
	labelled := make(map[records.Book][]int)

	payloads := make([]gateway.RecordPayload, 0, len(ids))
	for _, id := range ids {
		book := id.Book()
		if _, ok := labelled[book]; !ok {
			pages, err := labelledPages(labelRoot, book)
			if err != nil {
				return nil, err
			}
			labelled[book] = pages
		}

		previousContext := ""
		if dep, ok := predecessor(labelled[book], id.Page); ok {
			depID := records.PageID{State: id.State, School: id.School, Year: id.Year, Page: dep}
			rendered, err := loadPreviousContext(depID.OutputPath(outputRoot))
			if err != nil {
				return nil, fmt.Errorf("failed to load context for %s from %s: %w", id.Key(), depID.Key(), err)
			}
			previousContext = rendered
		}

		rendered, err := prompt.Render(previousContext)
		if err != nil {
			return nil, err
		}

		payloads = append(payloads, gateway.RecordPayload{
			Key:       id.Key(),
			ImagePath: id.ImagePath(imageRoot),
			Prompt:    rendered,
		})
	}
	return payloads, nil
}

// labelledPages lists the sorted page numbers with label files for a
// book.
func labelledPages(labelRoot string, book records.Book) ([]int, error) {
	dir := filepath.Join(labelRoot, book.State, book.School, strconv.Itoa(book.Year))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels for %s/%s/%d: %w", book.State, book.School, book.Year, err)
	}

	var pages []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if len(name) <= len(".json") || name[len(name)-len(".json"):] != ".json" {
			continue
		}
		page, err := strconv.Atoi(name[:len(name)-len(".json")])
		if err != nil || page <= 0 {
			continue
		}
		pages = append(pages, page)
	}
	sort.Ints(pages)
	return pages, nil
}

// predecessor returns the labelled page immediately before page, if
// any.
func predecessor(sortedPages []int, page int) (int, bool) {
	prev := 0
	for _, p := range sortedPages {
		if p >= page {
			break
		}
		prev = p
	}
	return prev, prev != 0
}

// loadPreviousContext reads a Done page's output and renders its
// continuation block. The scanner guarantees the file exists when the
// page was eligible; a read failure here is a real error.
func loadPreviousContext(outputPath string) (string, error) {
	data, err := os.ReadFile(outputPath)
	if err != nil {
		return "", err
	}
	var result schema.PageResult
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("malformed output file %s: %w", outputPath, err)
	}
	return result.PreviousContext(), nil
}
