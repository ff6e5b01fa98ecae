package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/models"
)

const maxTokens = 16

// OpenAIOracle implements Oracle on top of the OpenAI chat completion API.
type OpenAIOracle struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIOracle creates an oracle using the given API key and model.
func NewOpenAIOracle(apiKey, model string, logger *slog.Logger) *OpenAIOracle {
	return &OpenAIOracle{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger.With("source", "oracle.OpenAIOracle"),
	}
}

func (o *OpenAIOracle) complete(ctx context.Context, system, user string) (string, error) {
	completion, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{ //nolint:exhaustruct // this is better for readability
			Model:       o.model,
			MaxTokens:   maxTokens,
			Temperature: 0,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
		},
	)
	if err != nil {
		return "", errors.Wrap(err, "create chat completion")
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return strings.TrimSpace(completion.Choices[0].Message.Content), nil
}

// Classify labels a raw player prompt as QUESTION, GUESS, or OTHER. An
// unrecognized model reply falls back to OTHER rather than failing the turn.
func (o *OpenAIOracle) Classify(ctx context.Context, prompt string) (Classification, error) {
	reply, err := o.complete(ctx, classifyPrompt, prompt)
	if err != nil {
		return "", err
	}
	switch Classification(strings.ToUpper(reply)) {
	case ClassQuestion:
		return ClassQuestion, nil
	case ClassGuess:
		return ClassGuess, nil
	case ClassOther:
		return ClassOther, nil
	default:
		o.logger.Warn("unrecognized classification from model", "reply", reply)
		return ClassOther, nil
	}
}

// Answer replies to a yes/no question about the secret answer. An
// unrecognized model reply maps to UNKNOWN.
func (o *OpenAIOracle) Answer(ctx context.Context, question, secretAnswer string) (models.Verdict, error) {
	reply, err := o.complete(ctx, fmt.Sprintf(answerPrompt, secretAnswer), question)
	if err != nil {
		return "", err
	}
	switch models.Verdict(strings.ToUpper(reply)) {
	case models.VerdictYes:
		return models.VerdictYes, nil
	case models.VerdictNo:
		return models.VerdictNo, nil
	case models.VerdictUnknown:
		return models.VerdictUnknown, nil
	default:
		o.logger.Warn("unrecognized verdict from model", "reply", reply)
		return models.VerdictUnknown, nil
	}
}

// VerifyGuess extracts the guessed word from the prompt and compares it to
// the secret answer case-insensitively.
func (o *OpenAIOracle) VerifyGuess(ctx context.Context, guess, secretAnswer string) (bool, string, error) {
	extracted, err := o.complete(ctx, extractGuessPrompt, guess)
	if err != nil {
		return false, "", err
	}
	extracted = strings.ToLower(strings.Trim(extracted, ".!?\"' "))
	correct := extracted == strings.ToLower(strings.TrimSpace(secretAnswer))
	return correct, extracted, nil
}
