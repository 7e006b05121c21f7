// Package extractor routes page recognition by media type.
package extractor

import (
	"context"
	"errors"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
)

type Router struct {
	images    ports.TextRecognizer
	documents ports.TextRecognizer
}

// NewRouter sends PDF pages to documents and everything else to images.
func NewRouter(images, documents ports.TextRecognizer) *Router {
	return &Router{images: images, documents: documents}
}

func (r *Router) Recognize(ctx context.Context, page domain.PageImage) (string, error) {
	if page.MimeType == "application/pdf" {
		if r.documents == nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "recognize page", errors.New("pdf pages are not supported"))
		}
		return r.documents.Recognize(ctx, page)
	}
	if r.images == nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "recognize page", errors.New("no image recognizer configured"))
	}
	return r.images.Recognize(ctx, page)
}
