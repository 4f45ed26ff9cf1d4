// Package analysis scores call transcripts with a chat completion model.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aditya-Sakpal/real-time-call-intelligence/server/internal/metrics"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/logger"
	"github.com/Aditya-Sakpal/real-time-call-intelligence/shared/protocol"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const sentimentPrompt = `You are a sentiment analysis expert. Analyze the sentiment of the given text and provide the sentiment type and confidence score.
You must respond in the following JSON format:
{
    "sentiment": {
        "type": "positive" | "negative" | "neutral",
        "confidence": 0.95
    }
}

Guidelines:
- type: Must be exactly one of "positive", "negative", or "neutral"
- confidence: A float between 0.0 and 1.0 representing how confident you are in the sentiment classification
- Consider the overall tone, emotion, and context of the text
- Be precise with confidence scores - higher confidence for clear sentiment, lower for ambiguous cases`

const coachingPrompt = `You are a helpful assistant that provides coaching tips for sales calls.
You are given a transcript of a sales call and you need to provide a list of coaching tips to improve the call.
The tips should be in the following json format:
{
    "tips": [
        {
            "tip": "Tip 1",
            "confidence": 0.9
        },
        {
            "tip": "Tip 2",
            "confidence": 0.8
        }
    ]
}`

var errEmptyResponse = errors.New("model returned no choices")

// Analyzer scores transcripts. On error both methods still return a usable
// fallback: neutral/0 for sentiment and no tips for coaching.
type Analyzer interface {
	Sentiment(ctx context.Context, transcript string) (protocol.Sentiment, error)
	CoachingTips(ctx context.Context, transcript string) ([]protocol.CoachingTip, error)
}

// Config configures the OpenAI analyzer
type Config struct {
	APIKey               string
	Model                string  // default gpt-4o-mini
	SentimentTemperature float64 // default 0.3
	CoachingTemperature  float64 // default 0.7
	Timeout              time.Duration
	Options              []option.RequestOption
	Logger               *logger.Logger
}

// OpenAIAnalyzer implements Analyzer with chat completions in JSON mode
type OpenAIAnalyzer struct {
	client openai.Client
	config Config
	log    *logger.ContextLogger
}

// NewOpenAIAnalyzer creates an analyzer. An empty API key is an error.
func NewOpenAIAnalyzer(config Config) (*OpenAIAnalyzer, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	if config.Model == "" {
		config.Model = string(openai.ChatModelGPT4oMini)
	}
	if config.SentimentTemperature == 0 {
		config.SentimentTemperature = 0.3
	}
	if config.CoachingTemperature == 0 {
		config.CoachingTemperature = 0.7
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	opts := append([]option.RequestOption{option.WithAPIKey(config.APIKey)}, config.Options...)
	return &OpenAIAnalyzer{
		client: openai.NewClient(opts...),
		config: config,
		log:    config.Logger.With("analysis"),
	}, nil
}

// Sentiment classifies the transcript as positive, neutral or negative
func (a *OpenAIAnalyzer) Sentiment(ctx context.Context, transcript string) (protocol.Sentiment, error) {
	if strings.TrimSpace(transcript) == "" {
		return protocol.NeutralSentiment(), nil
	}

	var out struct {
		Sentiment protocol.Sentiment `json:"sentiment"`
	}
	if err := a.complete(ctx, sentimentPrompt, transcript, a.config.SentimentTemperature, &out); err != nil {
		metrics.AnalysisRequestsTotal.WithLabelValues("sentiment", "error").Inc()
		a.log.Error("Error analyzing sentiment: %v", err)
		return protocol.NeutralSentiment(), err
	}

	metrics.AnalysisRequestsTotal.WithLabelValues("sentiment", "ok").Inc()
	return out.Sentiment.Normalize(), nil
}

// CoachingTips suggests improvements for the call so far
func (a *OpenAIAnalyzer) CoachingTips(ctx context.Context, transcript string) ([]protocol.CoachingTip, error) {
	if strings.TrimSpace(transcript) == "" {
		return []protocol.CoachingTip{}, nil
	}

	var out struct {
		Tips []protocol.CoachingTip `json:"tips"`
	}
	if err := a.complete(ctx, coachingPrompt, transcript, a.config.CoachingTemperature, &out); err != nil {
		metrics.AnalysisRequestsTotal.WithLabelValues("coaching", "error").Inc()
		a.log.Error("Error getting coaching tips: %v", err)
		return []protocol.CoachingTip{}, err
	}

	metrics.AnalysisRequestsTotal.WithLabelValues("coaching", "ok").Inc()
	tips := out.Tips[:0]
	for _, tip := range out.Tips {
		if strings.TrimSpace(tip.Tip) != "" {
			tips = append(tips, tip)
		}
	}
	if tips == nil {
		tips = []protocol.CoachingTip{}
	}
	return tips, nil
}

func (a *OpenAIAnalyzer) complete(ctx context.Context, system, user string, temperature float64, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(a.config.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errEmptyResponse
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("failed to parse model response: %w", err)
	}
	return nil
}
