//go:build integration

package integrationtests

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"medassist-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketName = "test-bucket"

func TestS3Provider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	provider := createS3Provider(t, ctx)

	require.NoError(t, provider.CreateBucket(ctx, bucketName))
	// Creating an existing bucket is not an error.
	require.NoError(t, provider.CreateBucket(ctx, bucketName))

	files := map[string]string{
		"patients/a/upload.nii.gz": "volume",
		"patients/a/report.md":     "# Report",
		"patients/b/report.md":     "# Other",
	}
	for key, content := range files {
		require.NoError(t, provider.PutObject(ctx, bucketName, key, strings.NewReader(content)))
	}

	t.Run("GetObject", func(t *testing.T) {
		data, err := provider.GetObject(ctx, bucketName, "patients/a/report.md")
		require.NoError(t, err)
		assert.Equal(t, "# Report", string(data))
	})

	t.Run("GetObjectStream", func(t *testing.T) {
		stream, err := provider.GetObjectStream(ctx, bucketName, "patients/a/upload.nii.gz")
		require.NoError(t, err)
		defer stream.Close()

		data, err := io.ReadAll(stream)
		require.NoError(t, err)
		assert.Equal(t, "volume", string(data))
	})

	t.Run("ListObjects", func(t *testing.T) {
		objects, err := provider.ListObjects(ctx, bucketName, "patients/a/")
		require.NoError(t, err)
		require.Len(t, objects, 2)

		keys := []string{objects[0].Name, objects[1].Name}
		assert.ElementsMatch(t, []string{"patients/a/upload.nii.gz", "patients/a/report.md"}, keys)
	})

	t.Run("MissingObject", func(t *testing.T) {
		_, err := provider.GetObject(ctx, bucketName, "patients/a/missing.pdf")
		assert.True(t, errors.Is(err, storage.ErrObjectNotFound))

		_, err = provider.GetObjectStream(ctx, bucketName, "patients/a/missing.pdf")
		assert.True(t, errors.Is(err, storage.ErrObjectNotFound))
	})
}
