package slackindex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/vector"
)

func TestSchedulerTriggerAllRunsEveryWorkspace(t *testing.T) {
	base := float64(time.Now().Add(-time.Hour).Unix())
	gw := newStubGateway(channelInfo{ID: "C1", Name: "general"})
	gw.pages["C1"] = []historyPage{{
		Messages: []slackMessage{{TS: tsString(base + 0.5), Text: "hello", User: "U1"}},
	}}
	indexer, _ := newTestIndexer(t, gw, vector.NewChromemStore(), 0)

	scheduler := NewScheduler(indexer, func() []string { return []string{"T1", "T2"} })
	scheduler.TriggerAll(context.Background())

	for _, workspaceID := range []string{"T1", "T2"} {
		status, err := indexer.Status(workspaceID)
		require.NoError(t, err)
		assert.Equal(t, StateIdle, status.State)
		assert.Equal(t, 1, status.MessagesIndexed)
	}
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	gw := newStubGateway()
	indexer, _ := newTestIndexer(t, gw, vector.NewChromemStore(), 0)

	scheduler := NewScheduler(indexer, func() []string { return nil })
	require.NoError(t, scheduler.Start(context.Background()))
	require.NoError(t, scheduler.Start(context.Background()))
	scheduler.Stop()
	scheduler.Stop()
}
