package pdftext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

const maxTextBytes = 1 << 20

var errNoTextLayer = errors.New("pdf has no text layer")

// Extractor reads the embedded text layer of a PDF page. Scanned PDFs
// without a text layer fail instead of reading as blank.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Recognize(ctx context.Context, page domain.PageImage) (text string, err error) {
	// the parser panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			text, err = "", domain.WrapError(domain.ErrInvalidInput, "read pdf page", fmt.Errorf("malformed pdf: %v", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(page.Data) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "read pdf page", fmt.Errorf("page %d is empty", page.Index))
	}

	reader, err := pdf.NewReader(bytes.NewReader(page.Data), int64(len(page.Data)))
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "read pdf page", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	raw, err := io.ReadAll(io.LimitReader(plain, maxTextBytes))
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	if !utf8.Valid(raw) {
		return "", fmt.Errorf("pdf text layer of page %d is not utf-8", page.Index)
	}

	text = strings.TrimSpace(string(raw))
	if text == "" {
		return "", errNoTextLayer
	}
	return text, nil
}
