// Package search maintains a full-text index over finished investigations so
// operators can find prior diagnoses by symptom, cluster, or summary text.
package search

import (
	"fmt"
	"time"

	"github.com/blevesearch/bleve"

	"github.com/probeops/inquest/internal/store"
)

// Document is the indexed shape of one finished investigation.
type Document struct {
	ClusterID   string    `json:"cluster_id"`
	ClusterName string    `json:"cluster_name"`
	Protocol    string    `json:"protocol"`
	Focus       string    `json:"focus"`
	Status      string    `json:"status"`
	Summary     string    `json:"summary"`
	Issues      []string  `json:"issues"`
	Steps       []string  `json:"steps"`
	CompletedAt time.Time `json:"completed_at"`
}

// FromInvestigation flattens an investigation record into an indexable
// document. clusterName and protocolName may be empty when the referenced
// records are gone; the rest still indexes.
func FromInvestigation(inv store.Investigation, clusterName, protocolName string) Document {
	doc := Document{
		ClusterID:   inv.ClusterID,
		ClusterName: clusterName,
		Protocol:    protocolName,
		Focus:       inv.Focus,
		Status:      inv.Status,
		CompletedAt: inv.UpdatedAt,
	}
	if inv.Results.Summary != nil {
		doc.Summary = inv.Results.Summary.Summary
		doc.Issues = inv.Results.Summary.Issues
	}
	for _, sr := range inv.Results.Steps {
		if sr.Summary != "" {
			doc.Steps = append(doc.Steps, sr.Summary)
		}
	}
	return doc
}

// Hit is one ranked search result.
type Hit struct {
	ID        string              `json:"id"`
	Score     float64             `json:"score"`
	Rank      int                 `json:"rank"`
	Fragments map[string][]string `json:"fragments,omitempty"`
}

// Index wraps a bleve index over investigation documents.
type Index struct {
	idx bleve.Index
}

// Open opens the index at path, creating it if absent. An empty path builds
// an in-memory index, which does not survive restarts.
func Open(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("open in-memory search index: %w", err)
		}
		return &Index{idx: idx}, nil
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open search index %s: %w", path, err)
	}
	return &Index{idx: idx}, nil
}

// Add indexes one investigation document under its investigation ID.
// Re-adding the same ID replaces the previous document.
func (i *Index) Add(invID string, doc Document) error {
	if invID == "" {
		return fmt.Errorf("investigation id is required")
	}
	if err := i.idx.Index(invID, doc); err != nil {
		return fmt.Errorf("index investigation %s: %w", invID, err)
	}
	return nil
}

// Search runs a query-string search and returns up to limit ranked hits.
func (i *Index) Search(q string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, limit, 0, false)
	searchReq.Highlight = bleve.NewHighlightWithStyle("html")
	res, err := i.idx.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}
	var out []Hit
	for n, hit := range res.Hits {
		out = append(out, Hit{
			ID:        hit.ID,
			Score:     hit.Score,
			Rank:      n + 1,
			Fragments: hit.Fragments,
		})
	}
	return out, nil
}

// Count reports the number of indexed documents.
func (i *Index) Count() (uint64, error) {
	return i.idx.DocCount()
}

// Close releases the underlying index.
func (i *Index) Close() error {
	return i.idx.Close()
}
