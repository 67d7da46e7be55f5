package slackindex

import (
	"context"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/embedder"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/vector"
)

const defaultSearchLimit = 10

// Searcher is the read path over an indexed workspace. It implements
// adapter.SemanticIndex.
type Searcher struct {
	embedder embedder.Embedder
	vectors  vector.Store
	// collection is fixed at construction; one Searcher serves one
	// workspace.
	collection string
}

var _ adapter.SemanticIndex = (*Searcher)(nil)

// NewSearcher creates the search surface for a workspace's collection.
func NewSearcher(emb embedder.Embedder, vectors vector.Store, workspaceID string) (*Searcher, error) {
	if emb == nil || vectors == nil || workspaceID == "" {
		return nil, faults.New(faults.ConfigInvalid, "searcher requires embedder, vector store and workspace id")
	}
	return &Searcher{
		embedder:   emb,
		vectors:    vectors,
		collection: Collection(workspaceID),
	}, nil
}

// SemanticSearch embeds the query and returns the closest messages,
// filtered by channel, user and date bounds when given.
func (s *Searcher) SemanticSearch(ctx context.Context, req adapter.SemanticSearchRequest) ([]adapter.Row, error) {
	if req.Query == "" {
		return nil, faults.New(faults.QueryInvalid, "semantic search requires a query")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	queryVec, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	filter := &vector.Filter{Any: map[string][]string{}}
	if len(req.Channels) > 0 {
		filter.Any["channel_id"] = req.Channels
	}
	if len(req.Users) > 0 {
		filter.Any["user_id"] = req.Users
	}
	if req.DateFrom != nil {
		from := float64(req.DateFrom.Unix())
		filter.TsFrom = &from
	}
	if req.DateTo != nil {
		to := float64(req.DateTo.Unix())
		filter.TsTo = &to
	}
	if filter.Empty() {
		filter = nil
	}

	results, err := s.vectors.Search(ctx, s.collection, queryVec, limit, filter)
	if err != nil {
		return nil, faults.Wrap(faults.SchemaIndexUnavailable, "message index search failed", err).
			WithRemediation("run the slack indexer for this workspace")
	}

	rows := make([]adapter.Row, 0, len(results))
	for _, hit := range results {
		row := adapter.Row{"score": hit.Score}
		for k, v := range hit.Payload {
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
