package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/backstage/services/production/config"
	"example.com/backstage/services/production/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient maintains the audit index of resolved edit requests
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexEditRequest indexes a resolved edit request for audit search
func (c *ElasticClient) IndexEditRequest(ctx context.Context, req *models.EditRequest, orderNumber string) error {
	doc := map[string]interface{}{
		"id":                    req.ID.String(),
		"type":                  req.Type,
		"status":                req.Status,
		"order_id":              req.ProductionOrderID.String(),
		"order_number":          orderNumber,
		"operation_id":          req.OperationID.String(),
		"defect_type_id":        req.DefectTypeID.String(),
		"current_quantity":      req.CurrentQuantity,
		"current_rework":        req.CurrentRework,
		"current_nogood":        req.CurrentNogood,
		"current_replacement":   req.CurrentReplacement,
		"requested_quantity":    req.RequestedQuantity,
		"requested_rework":      req.RequestedRework,
		"requested_nogood":      req.RequestedNogood,
		"requested_replacement": req.RequestedReplacement,
		"reason":                req.Reason,
		"requested_by":          req.RequestedBy,
		"resolved_by":           req.ResolvedBy,
		"resolved_at":           req.ResolvedAt,
		"resolution_note":       req.ResolutionNote,
		"created_at":            req.CreatedAt,
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal edit request document")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	indexReq := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: req.ID.String(),
		Body:       bytes.NewReader(docJSON),
		Refresh:    "true",
	}

	res, err := indexReq.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Info().Str("request_id", req.ID.String()).Msg("edit request indexed")
	return nil
}

// SearchEditRequests runs an audit search with the given query
func (c *ElasticClient) SearchEditRequests(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.SearchRequest{
		Index: []string{indexName},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}
	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		source, ok := hitMap["_source"].(map[string]interface{})
		if !ok {
			continue
		}
		docs = append(docs, source)
	}

	return docs, nil
}
