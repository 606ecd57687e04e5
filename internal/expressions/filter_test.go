package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func TestRowFilter_Apply(t *testing.T) {
	f := NewRowFilter()
	rows := []map[string]any{
		{"name": "Ada", "country": "UK", "age": "36"},
		{"name": "Kiri", "country": "NZ", "age": "17"},
		{"name": "Tama", "country": "NZ", "age": "40"},
	}

	kept, err := f.Apply(`country == "NZ"`, rows)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "Kiri", kept[0]["name"])

	adults, err := f.Apply(`int(age) >= 18`, rows)
	require.NoError(t, err)
	assert.Len(t, adults, 2)
}

func TestRowFilter_EmptyPredicateKeepsAll(t *testing.T) {
	f := NewRowFilter()
	rows := []map[string]any{{"a": "1"}}
	kept, err := f.Apply("", rows)
	require.NoError(t, err)
	assert.Equal(t, rows, kept)
}

func TestRowFilter_CompileError(t *testing.T) {
	f := NewRowFilter()
	err := f.Check(`country ==`)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRowFilter_NonBoolRejected(t *testing.T) {
	f := NewRowFilter()
	assert.Error(t, f.Check(`1 + 2`))
}
