package nodes

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rendis/flowrun/pkg/schema"
)

func (e *Executor) parseCSV(ctx context.Context, id string, c CSVConfig, fc Context) (Context, error) {
	if c.S3Link == "" {
		return fc, schema.NewError(schema.ErrCodeValidation, "Parse CSV node is missing a valid s3Link.").WithNode(id)
	}
	if c.Bucket == "" || c.Key == "" {
		return fc, schema.NewError(schema.ErrCodeValidation, "Invalid S3 link format in Parse CSV node.").
			WithNode(id).WithDetails(map[string]any{"s3Link": c.S3Link})
	}
	if e.svc.Objects == nil {
		return fc, schema.NewError(schema.ErrCodeConfig, "no object store is configured.").WithNode(id)
	}

	body, err := e.svc.Objects.Get(ctx, c.Bucket, c.Key)
	if err != nil {
		return fc, csvFailure(id, err)
	}
	defer body.Close()

	rows, err := readCSV(body)
	if err != nil {
		return fc, csvFailure(id, err)
	}
	if c.Filter != "" {
		rows, err = e.filters.Apply(c.Filter, rows)
		if err != nil {
			return fc, schema.NewErrorf(schema.ErrCodeValidation, "Parse CSV node %s: filter: %v", id, err).WithNode(id).WithCause(err)
		}
	}
	return with(fc, KeyCSVData, rows), nil
}

func csvFailure(id string, err error) *schema.FlowError {
	msg := err.Error()
	if fe, ok := schema.AsFlowError(err); ok {
		msg = fe.Message
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "CSV parse failed for node %s: %s", id, msg).WithNode(id).WithCause(err)
}

// readCSV parses header-based CSV into rows keyed by column name. Blank
// lines are skipped; short records leave their trailing columns unset.
func readCSV(r io.Reader) ([]map[string]any, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	rows := []map[string]any{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		row := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
}
