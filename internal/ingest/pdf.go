package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
)

// PDFParser extracts plain text from PDF files. Layout, images, and
// forms are not interpreted; only the text stream is kept.
type PDFParser struct{}

// Parse extracts text page by page. A page marker line precedes every
// page after the first so the chunker's page counter tracks the real
// page numbers, including pages that yield no text.
func (PDFParser) Parse(_ context.Context, name string, data []byte) (*Parsed, error) {
	text, pages, err := extractPDFText(data)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeUnsupportedFileType,
			fmt.Sprintf("failed to read PDF %s: %v", name, err), err)
	}

	return &Parsed{
		Text: text,
		Metadata: map[string]string{
			"file_type": string(TypePDF),
			"pages":     strconv.Itoa(pages),
		},
	}, nil
}

// extractPDFText walks the page tree and concatenates page text with
// marker lines between pages. The underlying parser panics on some
// malformed cross-reference tables; that is converted into an error.
func extractPDFText(data []byte) (text string, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, err
	}

	pages = reader.NumPage()
	var sb strings.Builder

	for i := 1; i <= pages; i++ {
		if i > 1 {
			sb.WriteString(fmt.Sprintf("\n\n[Page %d]\n\n", i))
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		pageText, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			// One unreadable page does not fail the document.
			slog.Debug("skipping unreadable PDF page",
				slog.Int("page", i),
				slog.String("error", pageErr.Error()))
			continue
		}

		sb.WriteString(normalizeText([]byte(pageText)))
	}

	return sb.String(), pages, nil
}
