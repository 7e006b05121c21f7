package qrcode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	"github.com/makiuchi-d/gozxing"
	zxqr "github.com/makiuchi-d/gozxing/qrcode"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

// minRegionPixels is the smallest sub-image worth decoding.
const minRegionPixels = 21

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Scanner decodes QR codes inside regions of a page image. The last decoded
// page is cached because the resolver scans the same page region by region.
type Scanner struct {
	hints map[gozxing.DecodeHintType]interface{}

	mu       sync.Mutex
	lastData []byte
	lastImg  image.Image
}

func NewScanner() *Scanner {
	return &Scanner{
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

func (s *Scanner) Scan(ctx context.Context, page domain.PageImage, region domain.ScanRegion) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	img, err := s.decode(page.Data)
	if err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "decode page image", err)
	}

	sub, ok := crop(img, region)
	if !ok {
		return "", domain.ErrCodeNotFound
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(sub)
	if err != nil {
		return "", domain.ErrCodeNotFound
	}

	result, err := zxqr.NewQRCodeReader().Decode(bmp, s.hints)
	if err != nil {
		return "", domain.ErrCodeNotFound
	}
	return result.GetText(), nil
}

func (s *Scanner) decode(data []byte) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastImg != nil && bytes.Equal(s.lastData, data) {
		return s.lastImg, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	s.lastData = bytes.Clone(data)
	s.lastImg = img
	return img, nil
}

func crop(img image.Image, region domain.ScanRegion) (image.Image, bool) {
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	rect := image.Rect(
		b.Min.X+int(region.X0*w),
		b.Min.Y+int(region.Y0*h),
		b.Min.X+int(region.X1*w),
		b.Min.Y+int(region.Y1*h),
	).Intersect(b)
	if rect.Dx() < minRegionPixels || rect.Dy() < minRegionPixels {
		return nil, false
	}
	if rect == b {
		return img, true
	}
	si, ok := img.(subImager)
	if !ok {
		return img, true
	}
	return si.SubImage(rect), true
}
