// Package ingest handles document processing: format conversion, text
// splitting, and loading chunks into the retriever store.
package ingest

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/tidwall/gjson"
	"github.com/xuri/excelize/v2"
)

// Converter extracts plain text from one family of file formats.
type Converter interface {
	// CanConvert reports whether this converter handles the extension
	// (lowercase, no dot).
	CanConvert(ext string) bool

	// Convert reads the file and returns its text content.
	Convert(ctx context.Context, path string) (string, error)
}

// Registry dispatches files to converters by extension.
type Registry struct {
	converters []Converter
}

// NewRegistry builds the converter set for one ingestion run. jsonSchema is
// a gjson path applied to JSON files; csvSeparator delimits CSV columns.
func NewRegistry(jsonSchema, csvSeparator string) *Registry {
	return &Registry{converters: []Converter{
		&textConverter{},
		&jsonConverter{schema: jsonSchema},
		&csvConverter{separator: csvSeparator},
		&pptxConverter{},
		&pdfConverter{},
		&docxConverter{},
		&xlsxConverter{},
	}}
}

// Convert extracts text from path, or an error when no converter handles
// the extension. Output is always valid UTF-8.
func (r *Registry) Convert(ctx context.Context, path string) (string, error) {
	ext := extension(path)
	for _, c := range r.converters {
		if c.CanConvert(ext) {
			text, err := c.Convert(ctx, path)
			if err != nil {
				return "", err
			}
			return strings.ToValidUTF8(text, "�"), nil
		}
	}
	return "", fmt.Errorf("no converter for extension %q", ext)
}

// Supported reports whether any converter handles the extension.
func (r *Registry) Supported(ext string) bool {
	for _, c := range r.converters {
		if c.CanConvert(ext) {
			return true
		}
	}
	return false
}

func extension(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return strings.ToLower(path[i+1:])
	}
	return ""
}

// textConverter passes plain-text formats through verbatim.
type textConverter struct{}

func (textConverter) CanConvert(ext string) bool {
	return ext == "txt" || ext == "md" || ext == "xml"
}

func (textConverter) Convert(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// jsonConverter projects the document through a gjson path before
// re-serializing. "." and "@this" keep the whole document.
type jsonConverter struct {
	schema string
}

func (jsonConverter) CanConvert(ext string) bool { return ext == "json" }

func (c jsonConverter) Convert(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	schema := c.schema
	if schema == "" || schema == "." {
		schema = "@this"
	}
	result := gjson.GetBytes(data, schema)
	if !result.Exists() {
		return "", fmt.Errorf("json schema %q matched nothing in %s", schema, path)
	}
	return result.Raw, nil
}

// csvConverter renders rows as a JSON list of column-to-value records; the
// header row defines the columns.
type csvConverter struct {
	separator string
}

func (csvConverter) CanConvert(ext string) bool { return ext == "csv" }

func (c csvConverter) Convert(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if c.separator != "" {
		reader.Comma = []rune(c.separator)[0]
	}
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv %s: %w", path, err)
	}
	if len(rows) == 0 {
		return "[]", nil
	}

	header := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				record[col] = row[i]
			} else {
				record[col] = ""
			}
		}
		records = append(records, record)
	}

	out, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// pptxConverter unzips the slide XML and concatenates text runs. Paragraph
// runs join with newlines, slides with blank lines.
type pptxConverter struct{}

func (pptxConverter) CanConvert(ext string) bool { return ext == "pptx" }

func (pptxConverter) Convert(ctx context.Context, path string) (string, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open pptx %s: %w", path, err)
	}
	defer archive.Close()

	var slides []string
	for _, file := range archive.File {
		if !strings.HasPrefix(file.Name, "ppt/slides/slide") || !strings.HasSuffix(file.Name, ".xml") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", err
		}
		text, err := slideText(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("parse slide %s: %w", file.Name, err)
		}
		if text != "" {
			slides = append(slides, text)
		}
	}
	return strings.Join(slides, "\n\n"), nil
}

// slideText pulls the a:t text elements out of one slide document.
func slideText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)
	var parts []string
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "t" {
			continue
		}
		var text string
		if err := decoder.DecodeElement(&text, &start); err != nil {
			return "", err
		}
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

type pdfConverter struct{}

func (pdfConverter) CanConvert(ext string) bool { return ext == "pdf" }

func (pdfConverter) Convert(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	reader, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return "", fmt.Errorf("parse pdf %s: %w", path, err)
	}

	var pages []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if text != "" {
			pages = append(pages, text)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

type docxConverter struct{}

func (docxConverter) CanConvert(ext string) bool { return ext == "docx" }

func (docxConverter) Convert(ctx context.Context, path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("parse docx %s: %w", path, err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}

// xlsxConverter renders each sheet row per line with tab-separated cells.
type xlsxConverter struct{}

func (xlsxConverter) CanConvert(ext string) bool { return ext == "xlsx" }

func (xlsxConverter) Convert(ctx context.Context, path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("parse xlsx %s: %w", path, err)
	}
	defer f.Close()

	var sheets []string
	for _, sheetName := range f.GetSheetList() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}
		lines := make([]string, 0, len(rows))
		for _, row := range rows {
			lines = append(lines, strings.Join(row, "\t"))
		}
		if len(lines) > 0 {
			sheets = append(sheets, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(sheets, "\n\n"), nil
}
