// Package dedup implements the similarity filter that rejects generated
// drafts too close to prior posts. Embeddings are stored alongside the
// history log and compared by cosine similarity.
package dedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"persona/internal/embedding"
	"persona/internal/logging"
)

// Scope controls which prior embeddings a draft is compared against.
type Scope string

const (
	// ScopePerCharacter compares only against the same character's posts.
	ScopePerCharacter Scope = "character"
	// ScopeGlobal compares against every indexed post.
	ScopeGlobal Scope = "global"
)

// Defaults per the posting policy.
const (
	DefaultThreshold  = 0.85
	DefaultSampleSize = 5
)

// EmbeddingRecord is the derived artifact of an agent-authored post.
type EmbeddingRecord struct {
	ActorHandle   string
	ExternalID    string
	SourceText    string
	SummaryText   string
	CreatedAt     time.Time
	TextVector    []float32
	SummaryVector []float32
}

// Filter embeds candidate text and checks it against the stored index.
type Filter struct {
	db         *sql.DB
	mu         sync.RWMutex
	engine     embedding.EmbeddingEngine
	dimensions int
	threshold  float64
	sampleSize int
	scope      Scope
}

// Options tunes the filter; zero values take the defaults above.
type Options struct {
	Threshold  float64
	SampleSize int
	Scope      Scope
	Dimensions int
}

// New creates a Filter sharing the given database handle. The embedding
// index table is created if absent.
func New(db *sql.DB, engine embedding.EmbeddingEngine, opts Options) (*Filter, error) {
	if engine == nil {
		return nil, fmt.Errorf("embedding engine is required")
	}

	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.Scope == "" {
		opts.Scope = ScopePerCharacter
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = engine.Dimensions()
	}

	schema := `
	CREATE TABLE IF NOT EXISTS embedding_index (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_handle TEXT NOT NULL,
		external_id TEXT NOT NULL,
		source_text TEXT NOT NULL,
		summary_text TEXT,
		text_vector TEXT NOT NULL,
		summary_vector TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_embedding_actor ON embedding_index(actor_handle, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_embedding_external ON embedding_index(external_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create embedding index schema: %w", err)
	}

	return &Filter{
		db:         db,
		engine:     engine,
		dimensions: opts.Dimensions,
		threshold:  opts.Threshold,
		sampleSize: opts.SampleSize,
		scope:      opts.Scope,
	}, nil
}

// Embed delegates to the embedding engine and validates dimensionality.
func (f *Filter) Embed(ctx context.Context, text string) ([]float32, error) {
	vector, err := f.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(vector) != f.dimensions {
		return nil, fmt.Errorf("embedding size mismatch: expected %d, got %d", f.dimensions, len(vector))
	}
	return vector, nil
}

// Store embeds a published post's text and summary and writes the record.
// A dimensionality mismatch is a hard failure, never truncated.
func (f *Filter) Store(ctx context.Context, actorHandle, externalID, sourceText, summaryText string) error {
	timer := logging.StartTimer(logging.CategoryDedup, "Store")
	defer timer.Stop()

	textVector, err := f.Embed(ctx, sourceText)
	if err != nil {
		return err
	}

	var summaryVector []float32
	if summaryText != "" {
		summaryVector, err = f.Embed(ctx, summaryText)
		if err != nil {
			return err
		}
	}

	textJSON, err := json.Marshal(textVector)
	if err != nil {
		return fmt.Errorf("failed to serialize text vector: %w", err)
	}
	var summaryJSON interface{}
	if summaryVector != nil {
		data, err := json.Marshal(summaryVector)
		if err != nil {
			return fmt.Errorf("failed to serialize summary vector: %w", err)
		}
		summaryJSON = string(data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	_, err = f.db.ExecContext(ctx, `
		INSERT INTO embedding_index (
			actor_handle, external_id, source_text, summary_text,
			text_vector, summary_vector, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		actorHandle, externalID, sourceText, summaryText,
		string(textJSON), summaryJSON, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert embedding record: %w", err)
	}

	logging.DedupDebug("Stored embedding for %s (%d dims)", externalID, len(textVector))
	return nil
}

// IsTooSimilar embeds the candidate and compares it against the nearest
// prior embeddings. Returns true if any similarity meets the threshold.
// An empty index never blocks: the first post always passes. Embedding
// failures propagate; an un-vetted duplicate is worse than a delayed post.
func (f *Filter) IsTooSimilar(ctx context.Context, actorHandle, candidateText string) (bool, error) {
	timer := logging.StartTimer(logging.CategoryDedup, "IsTooSimilar")
	defer timer.Stop()

	candidate, err := f.Embed(ctx, candidateText)
	if err != nil {
		return false, err
	}

	corpus, sources := f.loadVectors(ctx, actorHandle)
	if len(corpus) == 0 {
		logging.DedupDebug("Empty embedding index; candidate passes")
		return false, nil
	}

	nearest, err := embedding.FindTopK(candidate, corpus, f.sampleSize)
	if err != nil {
		return false, err
	}

	for _, result := range nearest {
		if result.Similarity >= f.threshold {
			logging.Dedup("Candidate too similar (%.4f >= %.2f) to %s",
				result.Similarity, f.threshold, sources[result.Index])
			return true, nil
		}
	}
	return false, nil
}

// loadVectors fetches stored text vectors, scoped per configuration.
// Read failures degrade to an empty corpus with a logged error; with no
// comparison data the filter cannot block, matching the first-post rule.
func (f *Filter) loadVectors(ctx context.Context, actorHandle string) ([][]float32, []string) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	query := "SELECT external_id, text_vector FROM embedding_index"
	var args []interface{}
	if f.scope == ScopePerCharacter {
		query += " WHERE actor_handle = ?"
		args = append(args, actorHandle)
	}
	query += " ORDER BY created_at DESC"

	rows, err := f.db.QueryContext(ctx, query, args...)
	if err != nil {
		logging.Get(logging.CategoryDedup).Error("loadVectors failed: %v", err)
		return nil, nil
	}
	defer rows.Close()

	var corpus [][]float32
	var sources []string
	for rows.Next() {
		var externalID, vectorJSON string
		if err := rows.Scan(&externalID, &vectorJSON); err != nil {
			logging.Get(logging.CategoryDedup).Error("vector scan failed: %v", err)
			continue
		}
		var vector []float32
		if err := json.Unmarshal([]byte(vectorJSON), &vector); err != nil {
			logging.Get(logging.CategoryDedup).Error("vector parse failed for %s: %v", externalID, err)
			continue
		}
		corpus = append(corpus, vector)
		sources = append(sources, externalID)
	}
	return corpus, sources
}

// Count returns the number of indexed embeddings, for diagnostics.
func (f *Filter) Count(ctx context.Context) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var count int
	err := f.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embedding_index").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return count, nil
}
