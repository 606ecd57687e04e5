package integrations

import (
	"context"

	"github.com/rendis/flowrun/pkg/schema"
)

// Paths of the row service endpoints, relative to its base URL.
const (
	EnrichPath   = "/enrich"
	AirtablePath = "/send-to-airtable"
	PostgresPath = "/send-to-postgres"
)

// RowService is the HTTP service that enriches rows and forwards them to
// Airtable or Postgres.
type RowService struct {
	client  *JSONClient
	baseURL string
}

// NewRowService creates a client for the row service at baseURL.
func NewRowService(client *JSONClient, baseURL string) *RowService {
	return &RowService{client: client, baseURL: baseURL}
}

// Enrich posts {rows} to the enrichment endpoint and returns the response rows.
func (s *RowService) Enrich(ctx context.Context, rows []map[string]any) ([]map[string]any, error) {
	resp, err := s.client.PostJSON(ctx, joinURL(s.baseURL, EnrichPath), map[string]any{"rows": rows})
	if err != nil {
		return nil, err
	}
	var out struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := resp.JSON(&out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "decode enrich response: %v", err).WithCause(err)
	}
	return out.Rows, nil
}

// Sink returns a RowSink that posts {tableName, rows} to path.
func (s *RowService) Sink(path string) *HTTPSink {
	return &HTTPSink{client: s.client, url: joinURL(s.baseURL, path)}
}

// HTTPSink forwards rows to one endpoint of the row service.
type HTTPSink struct {
	client *JSONClient
	url    string
}

// Send posts the rows for table.
func (h *HTTPSink) Send(ctx context.Context, table string, rows []map[string]any) error {
	_, err := h.client.PostJSON(ctx, h.url, map[string]any{"tableName": table, "rows": rows})
	return err
}
