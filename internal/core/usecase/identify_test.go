package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

type scannerFake struct {
	payloads map[string]string
	errs     map[string]error
	delay    time.Duration
	visited  []string
}

func (f *scannerFake) Scan(ctx context.Context, _ domain.PageImage, region domain.ScanRegion) (string, error) {
	f.visited = append(f.visited, region.Name)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := f.errs[region.Name]; err != nil {
		return "", err
	}
	if payload, ok := f.payloads[region.Name]; ok {
		return payload, nil
	}
	return "", domain.ErrCodeNotFound
}

func TestResolveStopsAtFirstDecodedRegion(t *testing.T) {
	scanner := &scannerFake{payloads: map[string]string{
		"bottom-right": `{"studentId":"s-42","questionId":"q-7"}`,
		"full":         "s-99",
	}}
	r := NewIdentificationResolver(scanner, time.Second, nil)

	id, found, err := r.Resolve(context.Background(), testPages(1)[0])
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !found || id.StudentID != "s-42" || id.QuestionID != "q-7" || id.Region != "bottom-right" {
		t.Fatalf("unexpected identification %+v found=%v", id, found)
	}
	want := []string{"top-right", "top-left", "bottom-right"}
	if len(scanner.visited) != len(want) {
		t.Fatalf("expected regions %v, got %v", want, scanner.visited)
	}
	for i := range want {
		if scanner.visited[i] != want[i] {
			t.Fatalf("expected regions %v, got %v", want, scanner.visited)
		}
	}
}

func TestResolveTriesFullPageLast(t *testing.T) {
	scanner := &scannerFake{
		payloads: map[string]string{"full": "s-1"},
		errs:     map[string]error{"top": errors.New("decoder glitch")},
	}
	r := NewIdentificationResolver(scanner, time.Second, nil)

	id, found, err := r.Resolve(context.Background(), testPages(1)[0])
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !found || id.StudentID != "s-1" || id.QuestionID != "" {
		t.Fatalf("unexpected identification %+v", id)
	}
	if got := scanner.visited[len(scanner.visited)-1]; got != "full" {
		t.Fatalf("expected full page last, got %s", got)
	}
	if len(scanner.visited) != len(DefaultScanRegions) {
		t.Fatalf("expected every region tried, got %v", scanner.visited)
	}
}

func TestResolveSkipsMalformedPayload(t *testing.T) {
	scanner := &scannerFake{payloads: map[string]string{
		"top-right": `{"questionId":"q-1"}`,
		"top-left":  "s-5:q-2",
	}}
	r := NewIdentificationResolver(scanner, time.Second, nil)

	id, found, err := r.Resolve(context.Background(), testPages(1)[0])
	if err != nil || !found {
		t.Fatalf("Resolve() = %+v, %v, %v", id, found, err)
	}
	if id.StudentID != "s-5" || id.QuestionID != "q-2" {
		t.Fatalf("unexpected identification %+v", id)
	}
}

func TestResolveTimeoutIsNotFound(t *testing.T) {
	scanner := &scannerFake{delay: time.Second}
	r := NewIdentificationResolver(scanner, 30*time.Millisecond, nil)

	start := time.Now()
	_, found, err := r.Resolve(context.Background(), testPages(1)[0])
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if found {
		t.Fatalf("expected not found on timeout")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("resolver blocked past its deadline: %s", elapsed)
	}
}

func TestResolveNoCodeAnywhere(t *testing.T) {
	r := NewIdentificationResolver(&scannerFake{}, time.Second, nil)
	_, found, err := r.Resolve(context.Background(), testPages(1)[0])
	if err != nil || found {
		t.Fatalf("expected not found without error, got found=%v err=%v", found, err)
	}
}

func TestResolveRejectsEmptyImage(t *testing.T) {
	r := NewIdentificationResolver(&scannerFake{}, time.Second, nil)
	_, _, err := r.Resolve(context.Background(), domain.PageImage{})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
