package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New()
	require.NoError(t, err)
	return v
}

func decodeBody(t *testing.T, body string) any {
	t.Helper()
	var out any
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out
}

func decodeWorkflow(t *testing.T, body string) *schema.Workflow {
	t.Helper()
	var wf schema.Workflow
	require.NoError(t, json.Unmarshal([]byte(body), &wf))
	return &wf
}

func TestValidateDocument_Valid(t *testing.T) {
	v := newTestValidator(t)
	body := `{"name":"x","nodes":[{"id":"1","type":"manualTrigger","position":{"x":0,"y":0}}],"edges":[]}`
	assert.NoError(t, v.ValidateDocument(decodeBody(t, body)))
}

func TestValidateDocument_MissingNodes(t *testing.T) {
	v := newTestValidator(t)
	err := v.ValidateDocument(decodeBody(t, `{"name":"x","edges":[]}`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestValidateDocument_BadNodeAndEdge(t *testing.T) {
	v := newTestValidator(t)
	body := `{"nodes":[{"id":"","type":"sendSlack"}],"edges":[{"source":"1"}]}`
	err := v.ValidateDocument(decodeBody(t, body))
	require.Error(t, err)

	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	violations, _ := fe.Details["violations"].([]string)
	assert.GreaterOrEqual(t, len(violations), 2)
}

func TestCheck_DuplicateIDs(t *testing.T) {
	v := newTestValidator(t)
	wf := decodeWorkflow(t, `{"nodes":[{"id":"1","type":"manualTrigger"},{"id":"1","type":"sendSlack"}],"edges":[]}`)
	res := v.Check(wf)
	assert.False(t, res.Valid())
	assert.Contains(t, res.Errors[0].Message, "duplicate node id")
}

func TestCheck_WarningsForToleratedShapes(t *testing.T) {
	v := newTestValidator(t)
	wf := decodeWorkflow(t, `{
		"nodes":[
			{"id":"1","type":"manualTrigger"},
			{"id":"2","type":"condition"},
			{"id":"3","type":"sendSlack","data":{"text":"a"}},
			{"id":"4","type":"stickyNote"}
		],
		"edges":[
			{"source":"1","target":"2"},
			{"source":"2","target":"3","sourceHandle":"true"},
			{"source":"2","target":"4","sourceHandle":"false"},
			{"source":"3","target":"99"}
		]}`)
	res := v.Check(wf)
	assert.True(t, res.Valid())

	var msgs []string
	for _, w := range res.Warnings {
		msgs = append(msgs, w.Path+" "+w.Message)
	}
	assert.Contains(t, msgs, `nodes[1] node "2" has 2 outgoing edges, only the first is followed`)
	assert.Contains(t, msgs, `edges[3].target unknown node "99", the path will end here`)
	assert.Contains(t, msgs, `nodes[3].type unknown node type "stickyNote" is skipped at run time`)
}

func TestCheck_InvalidCron(t *testing.T) {
	v := newTestValidator(t)
	wf := decodeWorkflow(t, `{"nodes":[{"id":"1","type":"schedulerTrigger","data":{"cron":"every tuesday"}}],"edges":[]}`)
	res := v.Check(wf)
	require.False(t, res.Valid())
	assert.Equal(t, "nodes[0].data.cron", res.Errors[0].Path)

	ok := decodeWorkflow(t, `{"nodes":[{"id":"1","type":"schedulerTrigger","data":{"cron":"*/5 * * * *"}}],"edges":[]}`)
	assert.True(t, v.Check(ok).Valid())

	descriptor := decodeWorkflow(t, `{"nodes":[{"id":"1","type":"schedulerTrigger","data":{"cron":"@hourly"}}],"edges":[]}`)
	assert.True(t, v.Check(descriptor).Valid())
}

func TestCheck_ExpressionsCompiled(t *testing.T) {
	v := newTestValidator(t)
	wf := decodeWorkflow(t, `{"nodes":[
		{"id":"1","type":"parseCSV","data":{"s3Link":"s3://b/k.csv","filter":"country =="}},
		{"id":"2","type":"httpRequest","data":{"url":"http://x","extract":".[[["}}
	],"edges":[]}`)
	res := v.Check(wf)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "nodes[0].data.filter", res.Errors[0].Path)
	assert.Equal(t, "nodes[1].data.extract", res.Errors[1].Path)
}

func TestCheck_WarningsForPathStarts(t *testing.T) {
	v := newTestValidator(t)
	wf := decodeWorkflow(t, `{
		"nodes":[
			{"id":"1","type":"webhookTrigger","data":{"webhookId":"w"}},
			{"id":"2","type":"sendSlack","data":{"text":"a"}},
			{"id":"3","type":"sendSlack","data":{"text":"b"}},
			{"id":"4","type":"formTrigger"}
		],
		"edges":[
			{"source":"1","target":"2"},
			{"source":"2","target":"4"}
		]}`)
	res := v.Check(wf)
	assert.True(t, res.Valid())

	var msgs []string
	for _, w := range res.Warnings {
		msgs = append(msgs, w.Path+" "+w.Message)
	}
	assert.Equal(t, []string{
		`nodes[2] node "3" has no incoming edge and will start a path, but it is not a trigger`,
		`nodes[3] trigger "4" has an incoming edge and will not start a path`,
	}, msgs)
}
