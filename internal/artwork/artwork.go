// Package artwork produces and stores the winner's reward artifact: an
// image generated from the secret word.
package artwork

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/comrade-coop/teesa-engine/internal/errors"
)

// OpenAIGenerator renders the reward image with Dall-E.
type OpenAIGenerator struct {
	client *openai.Client
	logger *slog.Logger
}

func NewOpenAIGenerator(apiKey string, logger *slog.Logger) *OpenAIGenerator {
	return &OpenAIGenerator{
		client: openai.NewClient(apiKey),
		logger: logger.With("source", "artwork.OpenAIGenerator"),
	}
}

// Generate renders a PNG celebrating the guessed word.
func (g *OpenAIGenerator) Generate(ctx context.Context, secretAnswer string) ([]byte, error) {
	response, err := g.client.CreateImage(ctx, openai.ImageRequest{ //nolint:exhaustruct // this is better for readability
		Model:          openai.CreateImageModelDallE3,
		Prompt:         "A celebratory trophy artwork featuring the word \"" + secretAnswer + "\"",
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		N:              1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create reward image")
	}
	if len(response.Data) == 0 {
		return nil, errors.New("image generation returned no data")
	}
	imgBytes, err := base64.StdEncoding.DecodeString(response.Data[0].B64JSON)
	if err != nil {
		return nil, errors.Wrap(err, "decode reward image")
	}
	g.logger.Info("reward image generated", "bytes", len(imgBytes))
	return imgBytes, nil
}

// DirPublisher stores artifacts as files in a local directory and addresses
// them by file URL.
type DirPublisher struct {
	dir string
}

func NewDirPublisher(dir string) (*DirPublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create artifact directory")
	}
	return &DirPublisher{dir: dir}, nil
}

// Publish writes the artifact and returns its content address.
func (p *DirPublisher) Publish(_ context.Context, artifact []byte) (string, error) {
	path := filepath.Join(p.dir, uuid.NewString()+".png")
	if err := os.WriteFile(path, artifact, 0o644); err != nil {
		return "", errors.Wrap(err, "write artifact")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(err, "resolve artifact path")
	}
	return "file://" + abs, nil
}
