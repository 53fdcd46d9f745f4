// Transcript Pipeline - Call-Center CDC to Search Streaming Service
// Copyright 2026 Transcript Pipeline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calltext/transcript-pipeline

// Package searchindex is the façade over the per-tenant document/vector
// search index (C6): index lifecycle (HNSW kNN mapping), bulk document
// writes from the ML-result indexer (C4), and the keyword, vector, and
// hybrid queries the search API exposes. Built on opensearch-go/v2, the
// only OpenSearch-flavored vector store in the retrieved corpus — named
// rather than grounded, since no example repo carries a document/vector
// search client.
package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/calltext/transcript-pipeline/internal/metrics"
	"github.com/calltext/transcript-pipeline/internal/pipeline"
)

// VectorSpace selects the distance metric for the embedding field's HNSW
// mapping. Left configurable per the open question in the distilled spec:
// neither L2 nor cosine is universally correct for every embedding model.
type VectorSpace string

const (
	SpaceL2     VectorSpace = "l2"
	SpaceCosine VectorSpace = "cosinesimil"
)

// EmbeddingDimension is the fixed vector width the ML enrichment service
// produces (see pipeline.MLResult.Embedding).
const EmbeddingDimension = 768

// defaultHybridWeight is the vector clause's boost when a HybridSearchRequest
// doesn't set one explicitly.
const defaultHybridWeight = 1.0

// Config holds the search index façade's connection settings.
type Config struct {
	Addresses   []string
	Username    string
	Password    string
	IndexPrefix string
	VectorSpace VectorSpace
}

// DefaultConfig returns cosine-similarity defaults.
func DefaultConfig() Config {
	return Config{IndexPrefix: "transcripts", VectorSpace: SpaceCosine}
}

// Client is a thin typed wrapper around a single opensearch-go client,
// shared by every component needing C6 access, the same single-client-per-
// process shape as internal/eventprocessor.Publisher.
type Client struct {
	os  *opensearch.Client
	cfg Config
}

// New connects to the search index cluster.
func New(cfg Config) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("searchindex: at least one address is required")
	}
	if cfg.VectorSpace == "" {
		cfg.VectorSpace = SpaceCosine
	}

	osClient, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}

	return &Client{os: osClient, cfg: cfg}, nil
}

// indexName returns the per-tenant transcriptions index name for
// customerID. EnsureIndex/BulkIndex are only ever called by the ML-result
// indexer (C4), which writes transcriptions, never summaries.
func (c *Client) indexName(customerID string) string {
	return pipeline.IndexName(c.cfg.IndexPrefix, customerID, pipeline.IndexKindTranscriptions)
}

// indexPattern resolves the index (or cross-tenant wildcard pattern) a
// search operation runs against: a null customerID is the admin path and
// searches every tenant's index of that kind at once.
func (c *Client) indexPattern(customerID, kind string) string {
	if customerID == "" {
		return pipeline.IndexWildcard(c.cfg.IndexPrefix, kind)
	}
	return pipeline.IndexName(c.cfg.IndexPrefix, customerID, kind)
}

// knnMapping is the index mapping: a dense HNSW kNN vector field alongside
// the keyword/text fields the keyword and hybrid queries match against.
// conversationText and summary each carry a secondary analyzer as a
// multi-field, so a query can match stemmed and unstemmed forms.
type knnMapping struct {
	Settings mappingSettings `json:"settings"`
	Mappings mappingBody     `json:"mappings"`
}

type mappingSettings struct {
	Index struct {
		KNN bool `json:"knn"`
	} `json:"index"`
}

type mappingBody struct {
	Properties map[string]fieldMapping `json:"properties"`
}

type fieldMapping struct {
	Type      string                  `json:"type"`
	Analyzer  string                  `json:"analyzer,omitempty"`
	Dimension int                     `json:"dimension,omitempty"`
	Method    *knnMethodSpec          `json:"method,omitempty"`
	Fields    map[string]fieldMapping `json:"fields,omitempty"`
}

type knnMethodSpec struct {
	Name      string `json:"name"`
	SpaceType string `json:"space_type"`
	Engine    string `json:"engine"`
}

func (c *Client) mapping() knnMapping {
	secondaryAnalyzer := fieldMapping{Type: "text", Analyzer: "standard"}
	m := knnMapping{Mappings: mappingBody{Properties: map[string]fieldMapping{
		"callId":       {Type: "keyword"},
		"customerId":   {Type: "keyword"},
		"subscriberId": {Type: "keyword"},
		"conversationText": {
			Type:     "text",
			Analyzer: "english",
			Fields:   map[string]fieldMapping{"secondary": secondaryAnalyzer},
		},
		"summary": {
			Type:     "text",
			Analyzer: "english",
			Fields:   map[string]fieldMapping{"secondary": secondaryAnalyzer},
		},
		"topics":          {Type: "keyword"},
		"classifications": {Type: "keyword"},
		"language":        {Type: "keyword"},
		"sentiment":       {Type: "keyword"},
		"callType":        {Type: "keyword"},
		"agent":           {Type: "keyword"},
		"indexedAt":       {Type: "date"},
		"embedding": {
			Type:      "knn_vector",
			Dimension: EmbeddingDimension,
			Method: &knnMethodSpec{
				Name:      "hnsw",
				SpaceType: string(c.cfg.VectorSpace),
				Engine:    "nmslib",
			},
		},
	}}}
	m.Settings.Index.KNN = true
	return m
}

// EnsureIndex creates the per-tenant index with its kNN mapping if it does
// not already exist. Idempotent: a 400 "resource_already_exists_exception"
// is treated as success.
func (c *Client) EnsureIndex(ctx context.Context, customerID string) error {
	start := time.Now()
	defer func() { metrics.RecordSearchIndexRequest("ensure_index", time.Since(start)) }()

	name := c.indexName(customerID)

	exists, err := opensearchapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, c.os)
	if err != nil {
		return fmt.Errorf("check index exists: %w", err)
	}
	defer exists.Body.Close()
	if exists.StatusCode == 200 {
		return nil
	}

	body, err := json.Marshal(c.mapping())
	if err != nil {
		return fmt.Errorf("marshal index mapping: %w", err)
	}

	res, err := opensearchapi.IndicesCreateRequest{
		Index: name,
		Body:  bytes.NewReader(body),
	}.Do(ctx, c.os)
	if err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() && !strings.Contains(res.String(), "resource_already_exists_exception") {
		return fmt.Errorf("create index %s: %s", name, res.String())
	}
	return nil
}

// BulkIndex writes a batch of IndexDocuments belonging to a single tenant.
// Returns the count of documents the bulk request itself rejected (a
// partial failure, as opposed to a transport error) so callers can record
// per-document error metrics without failing the whole batch. Each
// document is upserted by callId with a small retry-on-conflict, so a
// re-emission from the indexer overwrites rather than duplicates.
func (c *Client) BulkIndex(ctx context.Context, customerID string, docs []pipeline.IndexDocument) (errored int, err error) {
	if len(docs) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() { metrics.RecordSearchIndexRequest("bulk_index", time.Since(start)) }()

	name := c.indexName(customerID)

	var buf bytes.Buffer
	for _, doc := range docs {
		meta := map[string]interface{}{
			"index": map[string]interface{}{
				"_index":         name,
				"_id":            doc.CallID,
				"retry_on_conflict": 3,
			},
		}
		metaLine, merr := json.Marshal(meta)
		if merr != nil {
			return 0, fmt.Errorf("marshal bulk action for call %s: %w", doc.CallID, merr)
		}
		docLine, derr := json.Marshal(doc)
		if derr != nil {
			return 0, fmt.Errorf("marshal document for call %s: %w", doc.CallID, derr)
		}
		buf.Write(metaLine)
		buf.WriteByte('\n')
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	res, err := opensearchapi.BulkRequest{Body: bytes.NewReader(buf.Bytes())}.Do(ctx, c.os)
	if err != nil {
		return 0, fmt.Errorf("bulk index %d documents into %s: %w", len(docs), name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return len(docs), fmt.Errorf("bulk index into %s: %s", name, res.String())
	}

	var parsed bulkResponse
	if derr := json.NewDecoder(res.Body).Decode(&parsed); derr != nil {
		return 0, fmt.Errorf("decode bulk response: %w", derr)
	}
	for _, item := range parsed.Items {
		if item.Index.Status >= 300 {
			errored++
		}
	}
	return errored, nil
}

type bulkResponse struct {
	Items []struct {
		Index struct {
			Status int    `json:"status"`
			Error  string `json:"error,omitempty"`
		} `json:"index"`
	} `json:"items"`
}

// SearchFilters narrows a keyword or hybrid search beyond its text/vector
// match: a date range plus exact-match facets.
type SearchFilters struct {
	DateFrom  time.Time
	DateTo    time.Time
	Language  string
	Sentiment string
	CallType  string
	Agent     string
}

// clauses builds the term/range clauses SearchFilters contributes to a bool
// query's filter context.
func (f SearchFilters) clauses() []map[string]interface{} {
	var clauses []map[string]interface{}
	if f.Language != "" {
		clauses = append(clauses, map[string]interface{}{"term": map[string]interface{}{"language": f.Language}})
	}
	if f.Sentiment != "" {
		clauses = append(clauses, map[string]interface{}{"term": map[string]interface{}{"sentiment": f.Sentiment}})
	}
	if f.CallType != "" {
		clauses = append(clauses, map[string]interface{}{"term": map[string]interface{}{"callType": f.CallType}})
	}
	if f.Agent != "" {
		clauses = append(clauses, map[string]interface{}{"term": map[string]interface{}{"agent": f.Agent}})
	}
	if !f.DateFrom.IsZero() || !f.DateTo.IsZero() {
		rng := map[string]interface{}{}
		if !f.DateFrom.IsZero() {
			rng["gte"] = f.DateFrom.Format(time.RFC3339)
		}
		if !f.DateTo.IsZero() {
			rng["lte"] = f.DateTo.Format(time.RFC3339)
		}
		clauses = append(clauses, map[string]interface{}{"range": map[string]interface{}{"indexedAt": rng}})
	}
	return clauses
}

// KeywordSearchRequest describes a keywordSearch call. CustomerID == ""
// selects the admin cross-tenant wildcard path.
type KeywordSearchRequest struct {
	CustomerID string
	Kind       string
	Query      string
	Filters    SearchFilters
	Size       int
	From       int
}

// VectorSearchRequest describes a vectorSearch call.
type VectorSearchRequest struct {
	CustomerID string
	Kind       string
	Vector     []float32
	K          int
	MinScore   float64
}

// HybridSearchRequest describes a hybridSearch call: a Boolean must
// combining a boosted multi-match with a boosted kNN clause. Weight scales
// the kNN clause's contribution relative to the text match; 0 or less uses
// defaultHybridWeight (1.0).
type HybridSearchRequest struct {
	CustomerID string
	Kind       string
	Query      string
	Vector     []float32
	Weight     float64
}

// SearchResult is one matched document: the raw source plus its relevance
// score and any highlighted fragments.
type SearchResult struct {
	Source     json.RawMessage     `json:"source"`
	Score      float64             `json:"score"`
	Highlights map[string][]string `json:"highlights,omitempty"`
}

// SearchResponse is the uniform result contract every search operation
// returns: {total, results[], took, aggregations?}.
type SearchResponse struct {
	Total        int                    `json:"total"`
	Results      []SearchResult         `json:"results"`
	Took         int                    `json:"took"`
	Aggregations map[string]interface{} `json:"aggregations,omitempty"`
}

func keywordFields() []string {
	return []string{"conversationText^2", "conversationText.secondary", "summary", "summary.secondary"}
}

// KeywordSearch builds a Boolean query with a tenant-scope term plus a
// multi-match across conversationText (boost 2) and its secondary
// analyzer, summary and its secondary analyzer; a wildcard "*" query falls
// back to match-all. Date/language/sentiment/callType/agent filters are
// applied as terms/range. An admin caller (CustomerID == "") drops the
// tenant filter and searches the cross-tenant wildcard pattern.
func (c *Client) KeywordSearch(ctx context.Context, req KeywordSearchRequest) (*SearchResponse, error) {
	kind := resolveKind(req.Kind)

	var must interface{}
	if req.Query == "" || req.Query == "*" {
		must = map[string]interface{}{"match_all": map[string]interface{}{}}
	} else {
		must = map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  req.Query,
				"fields": keywordFields(),
			},
		}
	}

	filter := req.Filters.clauses()
	if req.CustomerID != "" {
		filter = append(filter, map[string]interface{}{"term": map[string]interface{}{"customerId": req.CustomerID}})
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   []interface{}{must},
				"filter": filter,
			},
		},
	}
	return c.runSearch(ctx, "keyword_search", c.indexPattern(req.CustomerID, kind), body, req.Size, req.From)
}

// VectorSearch runs a kNN query over embedding scoped by a tenant term (or
// the cross-tenant wildcard pattern for an admin caller).
func (c *Client) VectorSearch(ctx context.Context, req VectorSearchRequest) (*SearchResponse, error) {
	kind := resolveKind(req.Kind)
	k := req.K
	if k <= 0 {
		k = 10
	}

	knnClause := map[string]interface{}{
		"embedding": map[string]interface{}{
			"vector": req.Vector,
			"k":      k,
		},
	}

	var query interface{} = map[string]interface{}{"knn": knnClause}
	if req.CustomerID != "" {
		query = map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   []interface{}{map[string]interface{}{"knn": knnClause}},
				"filter": []interface{}{map[string]interface{}{"term": map[string]interface{}{"customerId": req.CustomerID}}},
			},
		}
	}

	body := map[string]interface{}{"size": k, "query": query}
	if req.MinScore > 0 {
		body["min_score"] = req.MinScore
	}
	return c.runSearch(ctx, "vector_search", c.indexPattern(req.CustomerID, kind), body, k, 0)
}

// HybridSearch combines a boosted multi-match with a boosted kNN clause in
// a Boolean must, per the configurable vector boost weight. Requires a
// 768-dim vector.
func (c *Client) HybridSearch(ctx context.Context, req HybridSearchRequest) (*SearchResponse, error) {
	if len(req.Vector) != EmbeddingDimension {
		return nil, fmt.Errorf("searchindex: hybrid search vector must be %d-dimensional, got %d", EmbeddingDimension, len(req.Vector))
	}
	kind := resolveKind(req.Kind)
	weight := req.Weight
	if weight <= 0 {
		weight = defaultHybridWeight
	}

	must := []interface{}{
		map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  req.Query,
				"fields": keywordFields(),
			},
		},
		map[string]interface{}{
			"knn": map[string]interface{}{
				"embedding": map[string]interface{}{
					"vector": req.Vector,
					"k":      10,
					"boost":  weight,
				},
			},
		},
	}

	var filter []interface{}
	if req.CustomerID != "" {
		filter = append(filter, map[string]interface{}{"term": map[string]interface{}{"customerId": req.CustomerID}})
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filter,
			},
		},
	}
	return c.runSearch(ctx, "hybrid_search", c.indexPattern(req.CustomerID, kind), body, 0, 0)
}

// ValidateCallIDExists is an admin cross-tenant lookup used by operations
// tooling to confirm a callId has been indexed anywhere.
func (c *Client) ValidateCallIDExists(ctx context.Context, callID string) (bool, error) {
	resp, err := c.SearchByCallID(ctx, callID)
	if err != nil {
		return false, err
	}
	return resp.Total > 0, nil
}

// SearchByCallID is an admin cross-tenant lookup for a single call, used by
// operations tooling that doesn't know which tenant owns a callId.
func (c *Client) SearchByCallID(ctx context.Context, callID string) (*SearchResponse, error) {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"callId": callID},
		},
	}
	pattern := pipeline.IndexWildcard(c.cfg.IndexPrefix, pipeline.IndexKindTranscriptions)
	return c.runSearch(ctx, "search_by_call_id", pattern, body, 1, 0)
}

func resolveKind(kind string) string {
	if kind == "" {
		return pipeline.IndexKindTranscriptions
	}
	return kind
}

// runSearch executes body against index/pattern and decodes the response
// into the uniform {total, results[], took, aggregations?} contract.
func (c *Client) runSearch(ctx context.Context, operation, index string, body map[string]interface{}, size, from int) (*SearchResponse, error) {
	start := time.Now()
	defer func() { metrics.RecordSearchIndexRequest(operation, time.Since(start)) }()

	if size > 0 {
		body["size"] = size
	}
	if from > 0 {
		body["from"] = from
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s query: %w", operation, err)
	}

	res, err := opensearchapi.SearchRequest{
		Index: []string{index},
		Body:  bytes.NewReader(encoded),
	}.Do(ctx, c.os)
	if err != nil {
		return nil, fmt.Errorf("%s against %s: %w", operation, index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("%s against %s: %s", operation, index, res.String())
	}

	var parsed rawSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", operation, err)
	}

	results := make([]SearchResult, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		result := SearchResult{Source: hit.Source, Score: hit.Score}
		if len(hit.Highlight) > 0 {
			result.Highlights = hit.Highlight
		}
		results = append(results, result)
	}

	return &SearchResponse{
		Total:        parsed.Hits.Total.Value,
		Results:      results,
		Took:         parsed.Took,
		Aggregations: parsed.Aggregations,
	}, nil
}

type rawSearchResponse struct {
	Took int `json:"took"`
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source    json.RawMessage     `json:"_source"`
			Score     float64             `json:"_score"`
			ID        string              `json:"_id"`
			Highlight map[string][]string `json:"highlight,omitempty"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]interface{} `json:"aggregations,omitempty"`
}
