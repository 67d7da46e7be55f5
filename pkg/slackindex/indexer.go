package slackindex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/databridge-io/databridge/pkg/embedder"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/mcpgw"
	"github.com/databridge-io/databridge/pkg/observability"
	"github.com/databridge-io/databridge/pkg/vector"
)

const (
	defaultRetentionDays = 30
	defaultMaxPerChannel = 1000
	historyPageSize      = 100
	pagePause            = 500 * time.Millisecond
	embedBatchSize       = 50
	collectionPrefix     = "slack_messages_"
)

// Gateway is the slice of the tool gateway the indexer needs.
// *mcpgw.Client satisfies it.
type Gateway interface {
	ListChannels(ctx context.Context) (json.RawMessage, error)
	ChannelHistoryPage(ctx context.Context, channelID string, limit int, oldest float64, cursor string) (json.RawMessage, error)
}

var _ Gateway = (*mcpgw.Client)(nil)

// Options configures an Indexer.
type Options struct {
	Store    *Store
	Gateway  Gateway
	Embedder embedder.Embedder
	Vectors  vector.Store

	// RetentionDays bounds how far back indexing reaches and how long
	// indexed messages are kept. Zero keeps no history: a run prunes
	// everything and indexes nothing. Negative means the 30-day default.
	RetentionDays int
	// MaxMessagesPerChannel caps one run's intake per channel. Zero
	// means 1000.
	MaxMessagesPerChannel int
}

// Indexer walks a workspace's channels through the tool gateway, embeds
// the messages and upserts them into the vector store.
type Indexer struct {
	store    *Store
	gateway  Gateway
	embedder embedder.Embedder
	vectors  vector.Store
	logger   *slog.Logger

	retention  time.Duration
	maxPerChan int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewIndexer validates the wiring and returns an Indexer.
func NewIndexer(opts Options) (*Indexer, error) {
	if opts.Store == nil || opts.Gateway == nil || opts.Embedder == nil || opts.Vectors == nil {
		return nil, faults.New(faults.ConfigInvalid, "indexer requires store, gateway, embedder and vector store")
	}
	retention := opts.RetentionDays
	if retention < 0 {
		retention = defaultRetentionDays
	}
	maxPerChan := opts.MaxMessagesPerChannel
	if maxPerChan <= 0 {
		maxPerChan = defaultMaxPerChannel
	}
	return &Indexer{
		store:      opts.Store,
		gateway:    opts.Gateway,
		embedder:   opts.Embedder,
		vectors:    opts.Vectors,
		logger:     logger.GetLogger("slackindex"),
		retention:  time.Duration(retention) * 24 * time.Hour,
		maxPerChan: maxPerChan,
		now:        time.Now,
		sleep:      sleepCtx,
	}, nil
}

// Collection returns the workspace's vector collection name.
func Collection(workspaceID string) string {
	return collectionPrefix + workspaceID
}

type channelInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type channelList struct {
	Channels []channelInfo `json:"channels"`
}

type slackAttachment struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type slackMessage struct {
	TS          string            `json:"ts"`
	Text        string            `json:"text"`
	User        string            `json:"user"`
	Attachments []slackAttachment `json:"attachments"`
	Files       []any             `json:"files"`
}

// embedInput composes the text that gets embedded: the message body
// followed by every attachment title and text.
func embedInput(msg slackMessage) string {
	parts := []string{msg.Text}
	for _, att := range msg.Attachments {
		if att.Title != "" {
			parts = append(parts, att.Title)
		}
		if att.Text != "" {
			parts = append(parts, att.Text)
		}
	}
	return strings.Join(parts, "\n")
}

type historyPage struct {
	Messages   []slackMessage `json:"messages"`
	HasMore    bool           `json:"has_more"`
	NextCursor string         `json:"next_cursor"`
}

// Run executes one indexing pass for the workspace. forceFull ignores
// the per-channel watermarks and re-reads the whole retention window.
func (x *Indexer) Run(ctx context.Context, workspaceID string, forceFull bool) (runErr error) {
	if err := x.store.AcquireRun(workspaceID); err != nil {
		return err
	}
	started := x.now()
	totalMessages := 0
	defer func() {
		if err := x.store.FinishRun(workspaceID, runErr); err != nil {
			x.logger.Warn("failed to record run completion", "workspace", workspaceID, "error", err)
		}
		observability.GetGlobalMetrics().RecordIndexRun(ctx, workspaceID, totalMessages, runErr)
		x.logger.Info("indexing run finished",
			"workspace", workspaceID,
			"messages", totalMessages,
			"duration", x.now().Sub(started),
			"error", runErr)
	}()

	collection := Collection(workspaceID)
	if err := x.vectors.EnsureCollection(ctx, collection, x.embedder.Dimension()); err != nil {
		return err
	}

	channels, err := x.listChannels(ctx)
	if err != nil {
		return err
	}
	cutoff := float64(x.now().Add(-x.retention).Unix())

	for _, ch := range channels {
		n, err := x.indexChannel(ctx, workspaceID, collection, ch, cutoff, forceFull)
		totalMessages += n
		if err != nil {
			return err
		}
		if err := x.store.RecordProgress(workspaceID, 0, 1); err != nil {
			return err
		}
	}

	if err := x.store.SetState(workspaceID, StateFinalizing); err != nil {
		return err
	}
	if err := x.vectors.DeleteWhere(ctx, collection, vector.TsBefore(cutoff)); err != nil {
		return faults.Wrap(faults.BackendUnreachable, "retention prune failed", err)
	}
	// The prune just removed everything older than the cutoff.
	return x.store.ClampSpan(workspaceID, cutoff)
}

func (x *Indexer) listChannels(ctx context.Context) ([]channelInfo, error) {
	raw, err := x.gateway.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	var list channelList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "gateway returned malformed channel list", err)
	}
	return list.Channels, nil
}

// indexChannel pages through one channel's history from its lower bound
// and embeds what it finds. Returns the number of messages indexed.
func (x *Indexer) indexChannel(ctx context.Context, workspaceID, collection string, ch channelInfo, cutoff float64, forceFull bool) (int, error) {
	oldest := cutoff
	if !forceFull {
		watermark, err := x.store.Watermark(workspaceID, ch.ID)
		if err != nil {
			return 0, err
		}
		if watermark > oldest {
			oldest = watermark
		}
	}

	indexed := 0
	cursor := ""
	firstPage := true
	var pending []slackMessage

	for indexed+len(pending) < x.maxPerChan {
		if !firstPage {
			if err := x.sleep(ctx, pagePause); err != nil {
				return indexed, err
			}
		}
		firstPage = false

		raw, err := x.gateway.ChannelHistoryPage(ctx, ch.ID, historyPageSize, oldest, cursor)
		if err != nil {
			return indexed, err
		}
		var page historyPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return indexed, faults.Wrap(faults.BackendUnreachable, "gateway returned malformed history page", err)
		}

		for _, msg := range page.Messages {
			if msg.Text == "" {
				continue
			}
			// The gateway filters by oldest, but messages outside the
			// retention window are dropped here too so a zero-day window
			// indexes nothing regardless of what the backend returns.
			if ts, err := strconv.ParseFloat(msg.TS, 64); err != nil || ts < cutoff {
				continue
			}
			pending = append(pending, msg)
			if len(pending) >= embedBatchSize {
				n, err := x.flush(ctx, workspaceID, collection, ch, pending)
				indexed += n
				if err != nil {
					return indexed, err
				}
				pending = pending[:0]
				if indexed >= x.maxPerChan {
					break
				}
			}
		}

		cursor = page.NextCursor
		if cursor == "" || !page.HasMore {
			break
		}
	}

	if budget := x.maxPerChan - indexed; len(pending) > budget {
		pending = pending[:budget]
	}
	if len(pending) > 0 {
		n, err := x.flush(ctx, workspaceID, collection, ch, pending)
		indexed += n
		if err != nil {
			return indexed, err
		}
	}
	return indexed, nil
}

// flush embeds one batch, upserts it and then advances the watermark.
// The watermark moves only after the upsert succeeds, so a failed batch
// is re-read by the next run.
func (x *Indexer) flush(ctx context.Context, workspaceID, collection string, ch channelInfo, batch []slackMessage) (int, error) {
	texts := make([]string, len(batch))
	for i, msg := range batch {
		texts[i] = embedInput(msg)
	}
	vectors, err := x.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(batch) {
		return 0, faults.New(faults.EmbeddingDimensionMismatch,
			fmt.Sprintf("embedder returned %d vectors for %d messages", len(vectors), len(batch)))
	}

	points := make([]vector.Point, 0, len(batch))
	maxTS := 0.0
	minTS := 0.0
	for i, msg := range batch {
		ts, err := strconv.ParseFloat(msg.TS, 64)
		if err != nil {
			x.logger.Warn("skipping message with unparseable ts", "channel", ch.ID, "ts", msg.TS)
			continue
		}
		if ts > maxTS {
			maxTS = ts
		}
		if minTS == 0 || ts < minTS {
			minTS = ts
		}
		original := map[string]any{
			"ts":   msg.TS,
			"text": msg.Text,
			"user": msg.User,
		}
		if len(msg.Attachments) > 0 {
			atts := make([]map[string]any, 0, len(msg.Attachments))
			for _, att := range msg.Attachments {
				atts = append(atts, map[string]any{"title": att.Title, "text": att.Text})
			}
			original["attachments"] = atts
		}
		points = append(points, vector.Point{
			ID:     vector.NumID(uint64(ts*1e6) + uint64(i)),
			Vector: vectors[i],
			Payload: map[string]any{
				"ts":              ts,
				"text":            msg.Text,
				"user_id":         msg.User,
				"channel_id":      ch.ID,
				"channel_name":    ch.Name,
				"has_attachments": len(msg.Attachments) > 0,
				"has_files":       len(msg.Files) > 0,
				"datetime":        time.Unix(int64(ts), 0).UTC().Format(time.RFC3339),
				"original_msg":    original,
			},
		})
	}
	if len(points) == 0 {
		return 0, nil
	}

	if err := x.vectors.Upsert(ctx, collection, points); err != nil {
		return 0, faults.Wrap(faults.BackendUnreachable, "vector upsert failed", err)
	}
	if err := x.store.SetWatermark(workspaceID, ch.ID, ch.Name, maxTS); err != nil {
		return len(points), err
	}
	if err := x.store.RecordSpan(workspaceID, minTS, maxTS); err != nil {
		return len(points), err
	}
	if err := x.store.RecordProgress(workspaceID, len(points), 0); err != nil {
		return len(points), err
	}
	return len(points), nil
}

// Status returns the workspace's current run status.
func (x *Indexer) Status(workspaceID string) (*Status, error) {
	return x.store.Status(workspaceID)
}

// Watermarks returns the workspace's per-channel progress.
func (x *Indexer) Watermarks(workspaceID string) ([]Watermark, error) {
	return x.store.Watermarks(workspaceID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
