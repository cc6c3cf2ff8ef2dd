package mapistore_test

import (
	"log/slog"
	"testing"

	"github.com/eteran/mapistore/internal/mapistore"

	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := mapistore.NewConfig()
	require.NotNil(t, cfg.Logger, "expected a default logger")
	require.Equal(t, 4, cfg.InitConcurrency, "default init concurrency")

	logger := slog.New(slog.DiscardHandler)
	cfg = mapistore.NewConfig(mapistore.WithLogger(logger), mapistore.WithInitConcurrency(1))
	require.Same(t, logger, cfg.Logger)
	require.Equal(t, 1, cfg.InitConcurrency)

	cfg = mapistore.NewConfig(mapistore.WithInitConcurrency(-3))
	require.Equal(t, 4, cfg.InitConcurrency, "non-positive concurrency falls back to the default")
}
