package log_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/zeshanziya/rhdh/internal/log"
)

func entries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestOperation(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		ctx := slogcontext.NewCtx(t.Context(), logger)

		done := log.Operation(ctx, "extract", slog.String("package", "pkg"))
		done(nil)

		logs := entries(t, &buf)
		require.Len(t, logs, 2)
		assert.Equal(t, "DEBUG", logs[0]["level"])
		assert.Equal(t, "starting operation", logs[0]["msg"])
		assert.Equal(t, "extract", logs[0]["operation"])
		assert.Equal(t, "pkg", logs[0]["package"])
		assert.Equal(t, "INFO", logs[1]["level"])
		assert.Equal(t, "operation completed", logs[1]["msg"])
		assert.Contains(t, logs[1], "duration")
	})

	t.Run("failure", func(t *testing.T) {
		var buf bytes.Buffer
		ctx := slogcontext.NewCtx(t.Context(), slog.New(slog.NewJSONHandler(&buf, nil)))

		log.Operation(ctx, "fetch")(errors.New("boom"))

		logs := entries(t, &buf)
		require.Len(t, logs, 1)
		assert.Equal(t, "ERROR", logs[0]["level"])
		assert.Equal(t, "boom", logs[0]["error"])
	})
}

func TestDescriptorLogAttr(t *testing.T) {
	content := []byte("layer")
	attr := log.DescriptorLogAttr(ociImageSpecV1.Descriptor{
		MediaType: ociImageSpecV1.MediaTypeImageLayerGzip,
		Digest:    digest.FromBytes(content),
		Size:      int64(len(content)),
	})
	assert.Equal(t, "descriptor", attr.Key)
	assert.Equal(t, slog.KindGroup, attr.Value.Kind())
	assert.Len(t, attr.Value.Group(), 3)
}
