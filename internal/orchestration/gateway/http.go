package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/hiapplyco/apply-agents/internal/orchestration"
	"github.com/hiapplyco/apply-agents/pkg/models"
)

// HTTPGateway calls an LLM backend over a single JSON endpoint. Requests
// are paced by a client-side rate limiter so a busy workflow cannot
// stampede the backend.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
	tracer     trace.Tracer
}

// Options tunes the gateway client. Zero values pick the defaults below.
type Options struct {
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// NewHTTPGateway creates a gateway client for the given base URL.
func NewHTTPGateway(baseURL string, opts Options, logger *logrus.Logger) *HTTPGateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}

	return &HTTPGateway{
		baseURL:    baseURL,
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:     logger,
		tracer:     otel.Tracer("orchestration.gateway"),
	}
}

type callRequest struct {
	Prompt  string                 `json:"prompt"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Context models.AgentContext    `json:"context"`
}

type callResponse struct {
	Output map[string]interface{} `json:"output"`
	Error  string                 `json:"error,omitempty"`
}

// Call implements orchestration.ModelGateway. Transport and upstream
// errors come back as UpstreamFailure so agents surface them as task
// failures.
func (g *HTTPGateway) Call(ctx context.Context, prompt string, payload map[string]interface{}, agentCtx models.AgentContext) (map[string]interface{}, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.call")
	defer span.End()
	span.SetAttributes(attribute.String("gateway.prompt", prompt))

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(callRequest{Prompt: prompt, Payload: payload, Context: agentCtx})
	if err != nil {
		return nil, orchestration.Wrap(err, orchestration.KindInternal, "gateway.call", "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/call", bytes.NewReader(body))
	if err != nil {
		return nil, orchestration.Wrap(err, orchestration.KindInternal, "gateway.call", "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, orchestration.Wrap(err, orchestration.KindUpstreamFailure, "gateway.call", "model backend unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, orchestration.Wrap(err, orchestration.KindUpstreamFailure, "gateway.call", "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, orchestration.E(orchestration.KindUpstreamFailure, "gateway.call",
			fmt.Sprintf("model backend returned %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}

	var decoded callResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, orchestration.Wrap(err, orchestration.KindUpstreamFailure, "gateway.call", "malformed response")
	}
	if decoded.Error != "" {
		return nil, orchestration.E(orchestration.KindUpstreamFailure, "gateway.call", decoded.Error)
	}

	g.logger.WithFields(logrus.Fields{
		"prompt":   prompt,
		"duration": time.Since(start),
	}).Debug("Gateway call completed")

	if decoded.Output == nil {
		decoded.Output = map[string]interface{}{}
	}
	return decoded.Output, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
