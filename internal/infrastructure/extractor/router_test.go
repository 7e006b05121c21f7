package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/infrastructure/extractor/pdftext"
)

type recognizerFunc func(context.Context, domain.PageImage) (string, error)

func (f recognizerFunc) Recognize(ctx context.Context, page domain.PageImage) (string, error) {
	return f(ctx, page)
}

func constant(text string) recognizerFunc {
	return func(context.Context, domain.PageImage) (string, error) { return text, nil }
}

func TestRouterByMimeType(t *testing.T) {
	r := NewRouter(constant("ocr"), constant("pdf"))

	got, err := r.Recognize(context.Background(), domain.PageImage{MimeType: "image/jpeg", Data: []byte("x")})
	if err != nil || got != "ocr" {
		t.Fatalf("image page = %q, %v", got, err)
	}
	got, err = r.Recognize(context.Background(), domain.PageImage{MimeType: "application/pdf", Data: []byte("x")})
	if err != nil || got != "pdf" {
		t.Fatalf("pdf page = %q, %v", got, err)
	}
}

func TestRouterWithoutDocumentRecognizer(t *testing.T) {
	r := NewRouter(constant("ocr"), nil)
	_, err := r.Recognize(context.Background(), domain.PageImage{MimeType: "application/pdf"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPDFExtractorRejectsGarbage(t *testing.T) {
	_, err := pdftext.NewExtractor().Recognize(context.Background(), domain.PageImage{MimeType: "application/pdf", Data: []byte("not a pdf")})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
