package eventstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"memoria/internal/memerr"
)

// qdrantPointIDField mirrors the teacher's PAYLOAD_ID_FIELD convention:
// Qdrant only accepts UUID or integer point ids, so a gist's real id is
// carried in the payload when it isn't already a UUID.
const qdrantPointIDField = "_gist_id"

// qdrantStore is a dual-backend Store: metadata (events, gist content,
// RecentGists) lives in the embedded Postgres Store, while embeddings are
// additionally mirrored into a Qdrant collection for SearchGists. Adapted
// from the teacher's qdrantVector (DSN parsing, deterministic point UUIDs,
// original-id-in-payload) layered on top of the Postgres audit trail.
type qdrantStore struct {
	meta         Store
	client       *qdrant.Client
	collection   string
	dim          int
	embeddingsOn bool
}

// NewQdrantStore returns a Store whose metadata (events, gist content,
// RecentGists) is delegated to meta — typically a Postgres Store — while
// gist embeddings are additionally indexed in Qdrant at dsn/collection for
// SearchGists.
func NewQdrantStore(meta Store, dsn, collection string, dim int, embeddingsEnabled bool) (Store, error) {
	if collection == "" {
		return nil, memerr.Config("qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, memerr.ConfigWrap(err, "parse qdrant dsn")
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	portStr := parsed.Port()
	if portStr == "" {
		portStr = "6334"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, memerr.ConfigWrap(err, "parse qdrant port")
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, memerr.UnavailableWrap(err, "create qdrant client")
	}
	q := &qdrantStore{meta: meta, client: client, collection: collection, dim: dim, embeddingsOn: embeddingsEnabled}
	if err := q.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *qdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return memerr.UnavailableWrap(err, "check qdrant collection")
	}
	if exists {
		return nil
	}
	if q.dim <= 0 {
		return memerr.Config("qdrant event store requires embedding dimension > 0")
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return memerr.UnavailableWrap(err, "create qdrant collection")
	}
	return nil
}

func (q *qdrantStore) PutEvent(ctx context.Context, userID string, data map[string]any, embedding []float32) (string, error) {
	return q.meta.PutEvent(ctx, userID, data, embedding)
}

func (q *qdrantStore) PutGist(ctx context.Context, userID, eventID, content string, embedding []float32) (string, error) {
	id, err := q.meta.PutGist(ctx, userID, eventID, content, embedding)
	if err != nil {
		return "", err
	}
	if len(embedding) == 0 {
		return id, nil
	}
	pointUUID := id
	payload := map[string]any{"user_id": userID}
	if _, err := uuid.Parse(id); err != nil {
		pointUUID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
		payload[qdrantPointIDField] = id
	}
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	_, err = q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointUUID),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return "", memerr.UnavailableWrap(err, "upsert qdrant point")
	}
	return id, nil
}

func (q *qdrantStore) RecentGists(ctx context.Context, userID string, topK, windowDays int) ([]Gist, error) {
	return q.meta.RecentGists(ctx, userID, topK, windowDays)
}

func (q *qdrantStore) SearchGists(ctx context.Context, userID string, queryEmbedding []float32, topK int, threshold float64, windowDays int) ([]ScoredGist, error) {
	if !q.embeddingsOn {
		return nil, memerr.NotImpl("event embeddings are disabled for this deployment")
	}
	if topK <= 0 {
		topK = 10
	}
	vec := make([]float32, len(queryEmbedding))
	copy(vec, queryEmbedding)
	limit := uint64(topK)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("user_id", userID)}},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, memerr.UnavailableWrap(err, "qdrant search")
	}

	recent, err := q.meta.RecentGists(ctx, userID, 0, windowDays)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Gist, len(recent))
	for _, g := range recent {
		byID[g.GistID] = g
	}

	scored := make([]ScoredGist, 0, len(hits))
	for _, hit := range hits {
		id := gistIDFromPoint(hit)
		g, ok := byID[id]
		if !ok {
			continue
		}
		if score := float64(hit.Score); score >= threshold {
			scored = append(scored, ScoredGist{Gist: g, Score: score})
		}
	}
	sortScoredGists(scored)
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func gistIDFromPoint(hit *qdrant.ScoredPoint) string {
	if hit.Payload != nil {
		if v, ok := hit.Payload[qdrantPointIDField]; ok {
			if s := v.GetStringValue(); s != "" {
				return s
			}
		}
	}
	if u := hit.Id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%v", hit.Id)
}
