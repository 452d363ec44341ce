// Package mapping loads the curriculum mapping table that links resource
// pages to their lesson code, source document, and related knowledge entries.
// The table is a UTF-8 CSV with a header row; a leading BOM is tolerated.
package mapping

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Header names the loader expects in the CSV.
const (
	colTitle    = "title"
	colLesson   = "lesson"
	colDocPath  = "doc_path"
	colConcepts = "concepts"
	colSkills   = "skills"
	colMindsets = "mindsets"
)

var (
	lessonPattern      = regexp.MustCompile(`(?i)L(\d{2})`)
	looseLessonPattern = regexp.MustCompile(`(?i)\bL(\d{1,2})`)
)

// Row is one mapping entry.
type Row struct {
	Title      string
	LessonCode string
	DocPath    string
	Concepts   []string
	Skills     []string
	Mindsets   []string
}

// Table is a loaded mapping CSV.
type Table struct {
	Rows    []Row
	baseDir string
}

// Load reads the mapping CSV at path. Relative doc paths resolve against
// baseDir.
func Load(path, baseDir string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening mapping csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading mapping csv %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("mapping csv %s has no data rows", path)
	}

	header := records[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colTitle, colLesson} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("mapping csv %s missing column %q", path, required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	t := &Table{baseDir: baseDir}
	for _, record := range records[1:] {
		row := Row{
			Title:      field(record, colTitle),
			LessonCode: NormalizeLessonCode(field(record, colLesson)),
			DocPath:    field(record, colDocPath),
			Concepts:   splitList(field(record, colConcepts)),
			Skills:     splitList(field(record, colSkills)),
			Mindsets:   splitList(field(record, colMindsets)),
		}
		if row.Title == "" && row.LessonCode == "" {
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	if len(t.Rows) == 0 {
		return nil, fmt.Errorf("mapping csv %s has no usable rows", path)
	}
	return t, nil
}

// FindByTitle matches a page title against mapping rows, ignoring case and
// internal whitespace. Returns nil when no row matches.
func (t *Table) FindByTitle(title string) *Row {
	want := normalizeText(title)
	if want == "" {
		return nil
	}
	for i := range t.Rows {
		if normalizeText(t.Rows[i].Title) == want {
			return &t.Rows[i]
		}
	}
	return nil
}

// FindByLesson returns the first row with the given normalized lesson code.
func (t *Table) FindByLesson(lessonCode string) *Row {
	if lessonCode == "" {
		return nil
	}
	for i := range t.Rows {
		if t.Rows[i].LessonCode == lessonCode {
			return &t.Rows[i]
		}
	}
	return nil
}

// Find looks a resource up by title first, then falls back to lesson code.
func (t *Table) Find(title, lessonCode string) *Row {
	if row := t.FindByTitle(title); row != nil {
		return row
	}
	return t.FindByLesson(lessonCode)
}

// ResolveDocPath turns a row's doc path into an absolute path, or "" when the
// row carries none or the file does not exist.
func (t *Table) ResolveDocPath(row *Row) string {
	if row == nil || row.DocPath == "" {
		return ""
	}
	path := row.DocPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.baseDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// NormalizeLessonCode canonicalizes lesson references to the LNN form.
// Accepts "L03", "l3x", "3", or any text containing an LNN token; returns ""
// when no lesson number is present.
func NormalizeLessonCode(value string) string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return ""
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return fmt.Sprintf("L%02d", n)
	}
	if m := looseLessonPattern.FindStringSubmatch(raw); m != nil {
		n, _ := strconv.Atoi(m[1])
		return fmt.Sprintf("L%02d", n)
	}
	return ""
}

// ExtractLessonCode pulls a lesson code out of a page title, if present.
func ExtractLessonCode(title string) string {
	m := lessonPattern.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	n, _ := strconv.Atoi(m[1])
	return fmt.Sprintf("L%02d", n)
}

// splitList splits a delimited cell value on common separators, including
// fullwidth comma and semicolon variants.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.FieldsFunc(value, func(r rune) bool {
		switch r {
		case ',', '，', '、', ';', '；':
			return true
		}
		return false
	})
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeText(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), ""))
}
