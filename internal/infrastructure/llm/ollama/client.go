package ollama

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/infrastructure/llm/rubric"
	"github.com/kirillkom/scan-grader/internal/infrastructure/resilience"
)

type Config struct {
	BaseURL      string
	GradingModel string
	OCRModel     string

	// RequestsPerSecond paces calls to the server; zero disables pacing.
	RequestsPerSecond float64
	Timeout           time.Duration
}

type Client struct {
	baseURL      string
	gradingModel string
	ocrModel     string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		gradingModel: cfg.GradingModel,
		ocrModel:     cfg.OCRModel,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      limiter,
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Images  []string        `json:"images,omitempty"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format,omitempty"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

// Grader is the grading oracle backed by a vision model on an Ollama server.
type Grader struct {
	client   *Client
	executor *resilience.Executor
}

func NewGrader(client *Client, executor *resilience.Executor) *Grader {
	return &Grader{client: client, executor: executor}
}

func (g *Grader) Grade(ctx context.Context, req domain.GradingRequest) (domain.OracleResponse, error) {
	payload := generateRequest{
		Model:  g.client.gradingModel,
		System: rubric.SystemInstruction,
		Prompt: rubric.BuildGradingPrompt(req),
		Images: gradingImages(req),
		Format: "json",
	}

	text, err := resilience.Call(ctx, g.executor, "ollama_grade", func(ctx context.Context) (string, error) {
		if err := g.client.limiter.Wait(ctx); err != nil {
			return "", &domain.GradingFailure{Reason: domain.FailureRateLimited, Err: err}
		}
		return g.client.generate(ctx, payload)
	}, classifyOllamaError)
	if err != nil {
		return domain.OracleResponse{}, toGradingFailure(err)
	}
	return rubric.ParseResponse(text, g.client.gradingModel)
}

// Recognizer transcribes page images with a vision model.
type Recognizer struct {
	client   *Client
	executor *resilience.Executor
}

func NewRecognizer(client *Client, executor *resilience.Executor) *Recognizer {
	return &Recognizer{client: client, executor: executor}
}

func (r *Recognizer) Recognize(ctx context.Context, page domain.PageImage) (string, error) {
	if len(page.Data) == 0 {
		return "", domain.WrapError(domain.ErrInvalidInput, "ollama ocr", fmt.Errorf("page %d has no image data", page.Index))
	}
	payload := generateRequest{
		Model:  r.client.ocrModel,
		Prompt: rubric.OCRPrompt,
		Images: []string{base64.StdEncoding.EncodeToString(page.Data)},
	}

	text, err := resilience.Call(ctx, r.executor, "ollama_ocr", func(ctx context.Context) (string, error) {
		if err := r.client.limiter.Wait(ctx); err != nil {
			return "", err
		}
		return r.client.generate(ctx, payload)
	}, classifyOllamaError)
	if err != nil {
		return "", wrapTemporaryIfNeeded("ollama ocr", err)
	}
	return rubric.StripCodeFences(text), nil
}

func (c *Client) generate(ctx context.Context, payload generateRequest) (string, error) {
	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", payload, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

// gradingImages attaches the page images and, for the reference-guided task
// only, the answer guide as the last image.
func gradingImages(req domain.GradingRequest) []string {
	images := make([]string, 0, len(req.Pages)+1)
	for _, page := range req.Pages {
		if page.MimeType == "application/pdf" || len(page.Data) == 0 {
			continue
		}
		images = append(images, base64.StdEncoding.EncodeToString(page.Data))
	}
	if req.Task == domain.TaskReferenceGuided && len(req.ReferenceImage) > 0 {
		images = append(images, base64.StdEncoding.EncodeToString(req.ReferenceImage))
	}
	return images
}
