// Package oracle is the narrow interface to the language-model collaborator
// that classifies player input and answers questions about the secret word.
// The engine treats it as an opaque, slow, fallible black box.
package oracle

import (
	"context"

	"github.com/comrade-coop/teesa-engine/internal/models"
)

// Classification labels what kind of input the player submitted.
type Classification string

const (
	ClassQuestion Classification = "QUESTION"
	ClassGuess    Classification = "GUESS"
	ClassOther    Classification = "OTHER"
)

// Oracle classifies player input and judges it against the secret answer.
type Oracle interface {
	// Classify labels a raw player prompt.
	Classify(ctx context.Context, prompt string) (Classification, error)
	// Answer replies to a yes/no question about the secret answer.
	Answer(ctx context.Context, question, secretAnswer string) (models.Verdict, error)
	// VerifyGuess reports whether the guess matches the secret answer and
	// returns the guess word it extracted from the prompt.
	VerifyGuess(ctx context.Context, guess, secretAnswer string) (bool, string, error)
}
