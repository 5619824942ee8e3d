package narrative

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/plc-sentinel/backend/internal/metrics"
	"github.com/plc-sentinel/backend/internal/storage/models"
	"github.com/plc-sentinel/backend/pkg/circuitbreaker"
	"github.com/plc-sentinel/backend/pkg/logger"
	"github.com/plc-sentinel/backend/pkg/retry"
)

// Client turns a persisted anomaly into a short operator-facing explanation.
// The narrative is decoration on top of an already-stored verdict, so every
// failure path returns a deterministic fallback string instead of an error.
type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(apiKey, model string, temperature float32, maxTokens int, timeout time.Duration) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("narrative", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    2,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Narrative client initialized", zap.String("model", model))

	return &Client{
		client:      client,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

const systemPrompt = `You are a production line supervisor assistant. Given a structured anomaly record from a PLC-monitored line, write 2-3 sentences for the shift operator:
1. What happened (machine, step, which rules fired)
2. How unusual it is (novelty score, history confidence)
3. What to check first

Be concrete and plain. No markdown, no headings.`

// Narrate always returns usable text within the caller's deadline.
func (c *Client) Narrate(ctx context.Context, record *models.AnomalyRecord) string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var content string
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model: c.model,
					Messages: []openai.ChatCompletionMessage{
						{
							Role:    openai.ChatMessageRoleSystem,
							Content: systemPrompt,
						},
						{
							Role:    openai.ChatMessageRoleUser,
							Content: describeRecord(record),
						},
					},
					Temperature: c.temperature,
					MaxTokens:   c.maxTokens,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("empty completion")
			}

			content = strings.TrimSpace(resp.Choices[0].Message.Content)
			return nil
		})
	})
	if err != nil || content == "" {
		metrics.NarrativeFallbacks.Inc()
		logger.Warn("narrative generation failed, using fallback",
			zap.String("unit_id", record.UnitID),
			zap.Int("cycle", record.Cycle),
			zap.Error(err))
		return fallback(record)
	}

	return content
}

func describeRecord(record *models.AnomalyRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unit %s, cycle %d, machine %s, step %s (%s).\n",
		record.UnitID, record.Cycle, record.Machine, record.StepID, record.StepName)
	fmt.Fprintf(&b, "Rules fired: %s.\n", strings.Join(record.RuleReasons, ", "))
	fmt.Fprintf(&b, "Severity %s, confidence %s.\n", record.Severity, record.Confidence)
	fmt.Fprintf(&b, "Novelty score %.2f, cycle duration %.1fs (overrun %.1fs).\n",
		record.AnomalyScore, record.CycleDurationS, record.DurationOverrunS)
	if record.HasStepError {
		fmt.Fprintf(&b, "Step errors: %d, last code %s.\n", record.NStepErrors, record.ErrorCode)
	}
	if record.EventsCount > 0 {
		fmt.Fprintf(&b, "History: %d similar occurrences in the last %d days, EWMA ratio %.2f, rate ratio %.2f.\n",
			record.EventsCount, record.WindowDays, record.EWMARatio, record.RateRatio)
	}
	return b.String()
}

func fallback(record *models.AnomalyRecord) string {
	return fmt.Sprintf("%s anomaly on %s step %s (cycle %d): %s. Check the machine log for code %s.",
		record.Severity, record.Machine, record.StepID, record.Cycle,
		strings.Join(record.RuleReasons, ", "), record.ErrorCode)
}
