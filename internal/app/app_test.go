package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgcache/internal/contenttype/reaction"
	"msgcache/internal/contenttype/reply"
	"msgcache/internal/infra/config"
	"msgcache/internal/infra/logger"
	"msgcache/internal/infra/metrics"
	"msgcache/internal/model"
	"msgcache/internal/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.StorePath = t.TempDir()
	a, err := NewWithLogger(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewRegistersAuxiliaryTables(t *testing.T) {
	a := newTestApp(t)
	assert.True(t, a.Store.HasTable(reaction.Table))
	assert.True(t, a.Store.HasTable(reply.Table))
	assert.True(t, a.Store.HasTable(store.TableMessages))
	assert.Nil(t, a.Client())
}

func TestDemoFillsCache(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	var out bytes.Buffer
	require.NoError(t, a.RunDemo(ctx, &out))

	text := out.String()
	assert.Contains(t, text, "with bob (ready=true")
	assert.Contains(t, text, "hello bob [reacted]")
	assert.Contains(t, text, "hi alice")
	assert.NotContains(t, text, "peer read up to never")

	stats, err := a.Store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[store.TableConversations])
	// The reaction and the receipt are not cached as messages.
	assert.Equal(t, 3, stats[store.TableMessages])
	assert.Equal(t, 1, stats[reaction.Table])
	assert.Equal(t, 1, stats[reply.Table])

	assert.Positive(t, a.Metrics.PipelineCount(string(model.ContentTypeText), metrics.OutcomeProcessed))
}
