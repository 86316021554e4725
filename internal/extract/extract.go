// Package extract converts uploaded documents into plain text for chunking
// and retrieval.
package extract

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
)

// ImagePlaceholder stands in for image content; there is no OCR support, so
// extraction degrades to this fixed string rather than failing.
const ImagePlaceholder = "[image uploaded]"

// Text extracts plain text from the uploaded file based on its extension.
// Unrecognized extensions are treated as source-code-or-text and returned
// as-is. A parse failure returns an error; callers substitute an empty
// extraction for that file and continue with the rest of the batch.
func Text(filename string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return pdfText(data)
	case ".docx":
		return docxText(data)
	case ".xlsx", ".ods":
		return sheetText(data)
	case ".csv":
		return csvText(data)
	case ".md", ".markdown":
		return markdownText(data)
	case ".html", ".htm":
		return htmlText(bytes.NewReader(data))
	case ".png", ".jpg", ".jpeg", ".gif":
		return ImagePlaceholder, nil
	default:
		return string(data), nil
	}
}

func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// A single bad page should not lose the rest of the document.
			continue
		}
		text.WriteString(pageText)
		text.WriteString("\n")
	}
	return strings.TrimSpace(text.String()), nil
}

func docxText(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open docx: %w", err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	var text strings.Builder
	for _, paragraph := range strings.Split(content, "\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		text.WriteString(paragraph)
		text.WriteString("\n")
	}
	return strings.TrimSpace(text.String()), nil
}

func sheetText(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to open spreadsheet: %w", err)
	}
	defer f.Close()

	var text strings.Builder
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}
		text.WriteString("Sheet: " + sheetName + "\n")
		for _, row := range rows {
			text.WriteString(strings.Join(row, "\t"))
			text.WriteString("\n")
		}
	}
	return strings.TrimSpace(text.String()), nil
}

func csvText(data []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1 // ragged rows are common in uploads

	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("failed to parse csv: %w", err)
	}

	var text strings.Builder
	for _, record := range records {
		text.WriteString(strings.Join(record, "\t"))
		text.WriteString("\n")
	}
	return strings.TrimSpace(text.String()), nil
}

// markdownText renders the markdown to HTML and strips the markup, which
// drops heading/list syntax while keeping the prose.
func markdownText(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.New().Convert(data, &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return htmlText(&buf)
}

func htmlText(r io.Reader) (string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	var text strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			trimmed := strings.TrimSpace(n.Data)
			if trimmed != "" {
				text.WriteString(trimmed)
				text.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return strings.TrimSpace(text.String()), nil
}
