package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowrun/pkg/schema"
)

// JQ evaluates jq programs against decoded JSON documents. It is used by
// httpRequest nodes to reduce a response body before storing it in the
// execution context. Compiled programs are cached and safe to share.
type JQ struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQ creates an empty jq evaluator.
func NewJQ() *JQ {
	return &JQ{cache: make(map[string]*gojq.Code)}
}

// Extract runs expression against input. A single output is returned as is;
// several outputs are collected into a []any; no output yields nil.
func (j *JQ) Extract(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := j.compile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeJSON(input))
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Check compiles expression without running it.
func (j *JQ) Check(expression string) error {
	_, err := j.compile(expression)
	return err
}

func (j *JQ) compile(expression string) (*gojq.Code, error) {
	j.mu.RLock()
	if code, ok := j.cache[expression]; ok {
		j.mu.RUnlock()
		return code, nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	if code, ok := j.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", expression, err.Error()).WithCause(err)
	}
	// Empty environ keeps $ENV from leaking worker secrets into outputs.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", expression, err.Error()).WithCause(err)
	}
	j.cache[expression] = code
	return code, nil
}

// normalizeJSON converts Go values gojq cannot handle (typed slices and maps,
// non-float numbers) into their plain JSON equivalents.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
