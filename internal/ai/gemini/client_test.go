package gemini

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spigell/fitcheck/internal/ai"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

type fakeResponse struct {
	resp *genai.GenerateContentResponse
	err  error
}

type fakeModels struct {
	mu      sync.Mutex
	calls   []string
	configs []*genai.GenerateContentConfig
	queue   []fakeResponse
	streams [][]fakeResponse
}

func (f *fakeModels) enqueue(resp *genai.GenerateContentResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeResponse{resp: resp, err: err})
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, model+":"+contents[0].Parts[0].Text)
	f.configs = append(f.configs, config)
	if len(f.queue) == 0 {
		return nil, errors.New("unexpected call")
	}
	res := f.queue[0]
	f.queue = f.queue[1:]
	return res.resp, res.err
}

func (f *fakeModels) GenerateContentStream(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.mu.Lock()
	f.calls = append(f.calls, model+":"+contents[0].Parts[0].Text)
	var items []fakeResponse
	if len(f.streams) > 0 {
		items = f.streams[0]
		f.streams = f.streams[1:]
	}
	f.mu.Unlock()

	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, item := range items {
			if !yield(item.resp, item.err) {
				return
			}
		}
	}
}

func textResponse(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
	}
}

func noWait(t *testing.T) *[]time.Duration {
	t.Helper()
	original := wait
	var waits []time.Duration
	wait = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	t.Cleanup(func() { wait = original })
	return &waits
}

func newTestGenerator(models contentModels, retries int) *Generator {
	return newGenerator(models, Config{Model: "gemini-pro", MaxRetries: retries}, zap.NewNop())
}

func TestGeneratorRetriesOnTemporaryError(t *testing.T) {
	waits := noWait(t)

	models := &fakeModels{}
	models.enqueue(nil, genai.APIError{Code: http.StatusInternalServerError, Status: "INTERNAL"})
	models.enqueue(textResponse(&genai.Part{Text: "retry ok"}), nil)

	g := newTestGenerator(models, 2)

	output, err := g.Generate(context.Background(), "message")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if output != "retry ok" {
		t.Fatalf("unexpected output: %q", output)
	}

	if len(models.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(models.calls))
	}

	if models.calls[0] != "gemini-pro:message" {
		t.Fatalf("unexpected call: %q", models.calls[0])
	}

	if len(*waits) != 1 || (*waits)[0] != time.Second {
		t.Fatalf("expected single 1s backoff, got %v", *waits)
	}
}

func TestGeneratorStopsAfterRetriesExhausted(t *testing.T) {
	noWait(t)

	models := &fakeModels{}
	tempErr := genai.APIError{Code: http.StatusServiceUnavailable, Status: "UNAVAILABLE"}
	models.enqueue(nil, tempErr)
	models.enqueue(nil, tempErr)

	g := newTestGenerator(models, 2)

	_, err := g.Generate(context.Background(), "msg")
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected wrapped api error, got %v", err)
	}

	if len(models.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(models.calls))
	}
}

func TestGeneratorDoesNotRetryOnLongQuotaDelay(t *testing.T) {
	noWait(t)

	models := &fakeModels{}
	models.enqueue(nil, genai.APIError{
		Code:    http.StatusTooManyRequests,
		Status:  "RESOURCE_EXHAUSTED",
		Message: "quota exhausted, retry after 60 seconds",
	})

	g := newTestGenerator(models, 3)

	if _, err := g.Generate(context.Background(), "msg"); err == nil {
		t.Fatal("expected error when quota delay too long")
	}

	if len(models.calls) != 1 {
		t.Fatalf("expected single call, got %d", len(models.calls))
	}
}

func TestGeneratorHonoursShortQuotaDelay(t *testing.T) {
	waits := noWait(t)

	models := &fakeModels{}
	models.enqueue(nil, genai.APIError{
		Code:    http.StatusTooManyRequests,
		Status:  "RESOURCE_EXHAUSTED",
		Details: []map[string]any{{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "4s"}},
	})
	models.enqueue(textResponse(&genai.Part{Text: "ok"}), nil)

	g := newTestGenerator(models, 3)

	if _, err := g.Generate(context.Background(), "msg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(*waits) != 1 || (*waits)[0] != 4*time.Second {
		t.Fatalf("expected server suggested delay, got %v", *waits)
	}
}

func TestGeneratorDoesNotRetryClientErrors(t *testing.T) {
	noWait(t)

	models := &fakeModels{}
	models.enqueue(nil, genai.APIError{Code: http.StatusBadRequest, Status: "INVALID_ARGUMENT"})

	g := newTestGenerator(models, 3)

	if _, err := g.Generate(context.Background(), "msg"); err == nil {
		t.Fatal("expected error")
	}
	if len(models.calls) != 1 {
		t.Fatalf("expected single call, got %d", len(models.calls))
	}
}

func TestGeneratorSkipsThoughtParts(t *testing.T) {
	models := &fakeModels{}
	models.enqueue(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking about it", Thought: true},
				{Text: " first "},
			}}},
			nil,
			{Content: &genai.Content{Parts: []*genai.Part{nil, {Text: "second"}}}},
		},
	}, nil)

	g := newTestGenerator(models, 1)

	output, err := g.Generate(context.Background(), "msg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != "first\nsecond" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestGeneratorEmptyResponse(t *testing.T) {
	models := &fakeModels{}
	models.enqueue(textResponse(&genai.Part{Text: "only thoughts", Thought: true}), nil)

	g := newTestGenerator(models, 1)

	if _, err := g.Generate(context.Background(), "msg"); !errors.Is(err, ai.ErrEmptyResponse) {
		t.Fatalf("expected empty response error, got %v", err)
	}

	if _, err := g.Generate(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for blank prompt")
	}
}

func TestGeneratorStream(t *testing.T) {
	noWait(t)

	models := &fakeModels{
		streams: [][]fakeResponse{
			{{err: genai.APIError{Code: http.StatusInternalServerError}}},
			{
				{resp: textResponse(&genai.Part{Text: "plan", Thought: true})},
				{resp: textResponse(&genai.Part{Text: "Strong "})},
				{resp: textResponse(&genai.Part{Text: "fit."})},
			},
		},
	}

	g := newTestGenerator(models, 3)

	var chunks []string
	for chunk, err := range g.GenerateStream(context.Background(), "msg") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	if got := strings.Join(chunks, ""); got != "Strong fit." {
		t.Fatalf("unexpected stream output: %q", got)
	}
	if len(models.calls) != 2 {
		t.Fatalf("expected stream to be retried once, got %d calls", len(models.calls))
	}
}

func TestGeneratorStreamFailsAfterPartialOutput(t *testing.T) {
	models := &fakeModels{
		streams: [][]fakeResponse{{
			{resp: textResponse(&genai.Part{Text: "partial"})},
			{err: genai.APIError{Code: http.StatusInternalServerError}},
		}},
	}

	g := newTestGenerator(models, 3)

	var chunks []string
	var streamErr error
	for chunk, err := range g.GenerateStream(context.Background(), "msg") {
		if err != nil {
			streamErr = err
			continue
		}
		chunks = append(chunks, chunk)
	}

	if streamErr == nil {
		t.Fatal("expected stream error")
	}
	if len(chunks) != 1 || len(models.calls) != 1 {
		t.Fatalf("expected no retry after partial output, chunks=%v calls=%d", chunks, len(models.calls))
	}
}
