package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("delegate ready", "backend", "shard")
	assert.Contains(t, buf.String(), "backend=shard")

	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
