// Package records defines the identity of a catalog page and the
// filesystem layout derived from it.
package records

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// PageID identifies a single catalog page. Pages group into books by
// (State, School, Year); Page orders them within a book.
type PageID struct {
	State  string
	School string
	Year   int
	Page   int
}

// Book is the (state, school, year) grouping that defines a dependency chain.
type Book struct {
	State  string
	School string
	Year   int
}

// Book returns the book this page belongs to.
func (p PageID) Book() Book {
	return Book{State: p.State, School: p.School, Year: p.Year}
}

// Key returns the canonical "state:school:year:page" identifier.
func (p PageID) Key() string {
	return fmt.Sprintf("%s:%s:%d:%d", p.State, p.School, p.Year, p.Page)
}

// Validate checks the PageID invariants: non-empty state/school without
// colons, positive year and page.
func (p PageID) Validate() error {
	if p.State == "" || p.School == "" {
		return fmt.Errorf("state and school must be non-empty: %+v", p)
	}
	if strings.Contains(p.State, ":") || strings.Contains(p.School, ":") {
		return fmt.Errorf("state and school must not contain ':': %+v", p)
	}
	if p.Year <= 0 || p.Page <= 0 {
		return fmt.Errorf("year and page must be positive: %+v", p)
	}
	return nil
}

// ParseKey parses a canonical "state:school:year:page" key.
func ParseKey(key string) (PageID, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return PageID{}, fmt.Errorf("invalid record key %q: want 4 colon-separated fields", key)
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return PageID{}, fmt.Errorf("invalid year in record key %q: %w", key, err)
	}
	page, err := strconv.Atoi(parts[3])
	if err != nil {
		return PageID{}, fmt.Errorf("invalid page in record key %q: %w", key, err)
	}
	id := PageID{State: parts[0], School: parts[1], Year: year, Page: page}
	if err := id.Validate(); err != nil {
		return PageID{}, err
	}
	return id, nil
}

// LabelPath returns the label file location under labelRoot.
func (p PageID) LabelPath(labelRoot string) string {
	return filepath.Join(labelRoot, p.State, p.School, strconv.Itoa(p.Year), fmt.Sprintf("%d.json", p.Page))
}

// ImagePath returns the page image location under imageRoot.
func (p PageID) ImagePath(imageRoot string) string {
	return filepath.Join(imageRoot, p.State, p.School, strconv.Itoa(p.Year), fmt.Sprintf("%d.jpg", p.Page))
}

// OutputPath returns the validated-output location under outputRoot.
// Presence of this file marks the page Done.
func (p PageID) OutputPath(outputRoot string) string {
	return filepath.Join(outputRoot, p.State, p.School, strconv.Itoa(p.Year), fmt.Sprintf("%d.json", p.Page))
}

// ParseLabelPath derives a PageID from a label file path relative to
// labelRoot. The expected shape is state/school/year/page.json.
func ParseLabelPath(labelRoot, path string) (PageID, error) {
	rel, err := filepath.Rel(labelRoot, path)
	if err != nil {
		return PageID{}, fmt.Errorf("label path %q not under root %q: %w", path, labelRoot, err)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return PageID{}, fmt.Errorf("label path %q: want state/school/year/page.json", rel)
	}
	name := parts[3]
	if !strings.HasSuffix(name, ".json") {
		return PageID{}, fmt.Errorf("label path %q: not a .json file", rel)
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return PageID{}, fmt.Errorf("label path %q: bad year: %w", rel, err)
	}
	page, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
	if err != nil {
		return PageID{}, fmt.Errorf("label path %q: bad page: %w", rel, err)
	}
	id := PageID{State: parts[0], School: parts[1], Year: year, Page: page}
	if err := id.Validate(); err != nil {
		return PageID{}, err
	}
	return id, nil
}

// Less orders PageIDs by (state, school, year, page). Used wherever a
// stable, reproducible ordering is required.
func Less(a, b PageID) bool {
	if a.State != b.State {
		return a.State < b.State
	}
	if a.School != b.School {
		return a.School < b.School
	}
	if a.Year != b.Year {
		return a.Year < b.Year
	}
	return a.Page < b.Page
}
