package artwork_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comrade-coop/teesa-engine/internal/artwork"
)

func TestDirPublisherWritesArtifact(t *testing.T) {
	t.Parallel()

	publisher, err := artwork.NewDirPublisher(t.TempDir() + "/artifacts")
	require.NoError(t, err)

	ref, err := publisher.Publish(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(ref, "file://"), ref)
	written, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), written)
}

func TestDirPublisherDistinctRefs(t *testing.T) {
	t.Parallel()

	publisher, err := artwork.NewDirPublisher(t.TempDir())
	require.NoError(t, err)

	first, err := publisher.Publish(context.Background(), []byte("a"))
	require.NoError(t, err)
	second, err := publisher.Publish(context.Background(), []byte("b"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}
