// Package schema validates raw model output into the structured
// catalog-page artifact that the orchestrator writes to the output
// tree.
package schema

import (
	"fmt"
	"strings"
)

// TextBlock is one OCR-extracted region of a page.
type TextBlock struct {
	BlockID   int    `json:"block_id"`
	Position  string `json:"position"`
	Text      string `json:"text"`
	FontStyle string `json:"font_style"`
}

// RawOCR holds the page's extracted text and layout.
type RawOCR struct {
	TextBlocks        []TextBlock `json:"text_blocks"`
	LayoutDescription string      `json:"layout_description"`
}

// PageInfo describes the page as printed.
type PageInfo struct {
	PageNumber     *string `json:"page_number"`
	IsCompletePage bool    `json:"is_complete_page"`
	ContentType    string  `json:"content_type"`
}

// Textbook is a course textbook reference.
type Textbook struct {
	Title  *string `json:"title"`
	Author *string `json:"author"`
}

// Course is one course entry extracted from the catalog page.
type Course struct {
	CourseName  *string    `json:"course_name"`
	Department  *string    `json:"department,omitempty"`
	Level       *string    `json:"level,omitempty"`
	Topics      []string   `json:"topics,omitempty"`
	Textbooks   []Textbook `json:"textbooks"`
	Term        *string    `json:"term,omitempty"`
	Instructors []string   `json:"instructors,omitempty"`
	Description *string    `json:"description,omitempty"`
}

// PageResult is the validated artifact for one catalog page.
type PageResult struct {
	RawOCR       RawOCR   `json:"raw_ocr"`
	PageInfo     PageInfo `json:"page_info"`
	SchoolName   *string  `json:"school_name"`
	CatalogYear  *string  `json:"catalog_year"`
	AcademicYear *string  `json:"academic_year"`
	Courses      []Course `json:"courses"`
}

// LastOCRChars returns up to limit trailing characters of the page's
// combined OCR text. Used as continuation context for the next page.
func (r *PageResult) LastOCRChars(limit int) string {
	var parts []string
	for _, block := range r.RawOCR.TextBlocks {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	combined := strings.Join(parts, "\n")
	runes := []rune(combined)
	if len(runes) <= limit {
		return combined
	}
	return string(runes[len(runes)-limit:])
}

// orNone renders an absent field the way the continuation block has
// always printed it, so downstream prompts stay byte-stable.
func orNone(s *string) string {
	if s == nil {
		return "None"
	}
	return *s
}

// PreviousContext renders the continuation block handed to the next
// page's prompt: the last 500 characters of OCR text plus the last
// three courses.
func (r *PageResult) PreviousContext() string {
	lastText := r.LastOCRChars(500)

	lastCourses := r.Courses
	if len(lastCourses) > 3 {
		lastCourses = lastCourses[len(lastCourses)-3:]
	}

	var b strings.Builder
	if lastText != "" {
		b.WriteString("LAST_500_CHARS:\n")
		b.WriteString(lastText)
		b.WriteString("\n")
	}

	b.WriteString("\nLAST_3_COURSES:\n")
	if len(lastCourses) == 0 {
		b.WriteString("(none)\n")
	} else {
		for i, course := range lastCourses {
			fmt.Fprintf(&b, "%d. %s (department=%s, level=%s, term=%s)\n",
				i+1, orNone(course.CourseName), orNone(course.Department),
				orNone(course.Level), orNone(course.Term))
		}
	}

	return strings.TrimSpace(b.String())
}
