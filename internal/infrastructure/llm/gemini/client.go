package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/infrastructure/llm/rubric"
	"github.com/kirillkom/scan-grader/internal/infrastructure/resilience"
)

type Config struct {
	APIKey            string
	Model             string
	RequestsPerSecond float64
}

// Client owns one Gemini API connection shared by the grader and the
// recognizer.
type Client struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{client: cl, model: strings.TrimSpace(cfg.Model), limiter: limiter}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) generate(ctx context.Context, system string, jsonOut bool, parts []genai.Part) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &domain.GradingFailure{Reason: domain.FailureRateLimited, Err: err}
	}
	m := c.client.GenerativeModel(c.model)
	m.GenerationConfig = genai.GenerationConfig{Temperature: ptrFloat32(0)}
	if jsonOut {
		m.GenerationConfig.ResponseMIMEType = "application/json"
	}
	if system != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", err
	}
	txt := strings.TrimSpace(firstText(resp))
	if txt == "" {
		return "", &domain.GradingFailure{Reason: domain.FailureInvalidResponse, Err: errors.New("gemini returned no text")}
	}
	return txt, nil
}

// Grader is the grading oracle backed by Gemini.
type Grader struct {
	client   *Client
	executor *resilience.Executor
}

func NewGrader(client *Client, executor *resilience.Executor) *Grader {
	return &Grader{client: client, executor: executor}
}

func (g *Grader) Grade(ctx context.Context, req domain.GradingRequest) (domain.OracleResponse, error) {
	parts := gradingParts(req)
	text, err := resilience.Call(ctx, g.executor, "gemini_grade", func(ctx context.Context) (string, error) {
		return g.client.generate(ctx, rubric.SystemInstruction, true, parts)
	}, classifyGeminiError)
	if err != nil {
		return domain.OracleResponse{}, toGradingFailure(err)
	}
	return rubric.ParseResponse(text, g.client.model)
}

// Recognizer transcribes page images with Gemini.
type Recognizer struct {
	client   *Client
	executor *resilience.Executor
}

func NewRecognizer(client *Client, executor *resilience.Executor) *Recognizer {
	return &Recognizer{client: client, executor: executor}
}

func (r *Recognizer) Recognize(ctx context.Context, page domain.PageImage) (string, error) {
	if len(page.Data) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "gemini ocr", fmt.Errorf("page %d has no image data", page.Index))
	}
	parts := []genai.Part{
		genai.Text(rubric.OCRPrompt),
		pageBlob(page.MimeType, page.Data),
	}
	text, err := resilience.Call(ctx, r.executor, "gemini_ocr", func(ctx context.Context) (string, error) {
		return r.client.generate(ctx, "", false, parts)
	}, classifyGeminiError)
	if err != nil {
		if failure, ok := domain.AsGradingFailure(toGradingFailure(err)); ok && failure.Reason.Retryable() {
			return "", domain.WrapError(domain.ErrTemporary, "gemini ocr", err)
		}
		return "", err
	}
	return rubric.StripCodeFences(text), nil
}

// gradingParts puts the prompt first, then the page images, then the answer
// guide for the reference-guided task only.
func gradingParts(req domain.GradingRequest) []genai.Part {
	parts := []genai.Part{genai.Text(rubric.BuildGradingPrompt(req))}
	for _, page := range req.Pages {
		if len(page.Data) == 0 {
			continue
		}
		parts = append(parts, pageBlob(page.MimeType, page.Data))
	}
	if req.Task == domain.TaskReferenceGuided && len(req.ReferenceImage) > 0 {
		parts = append(parts, pageBlob("", req.ReferenceImage))
	}
	return parts
}

func pageBlob(mimeType string, data []byte) genai.Blob {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = http.DetectContentType(data)
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
	}
	return genai.Blob{MIMEType: mimeType, Data: data}
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
