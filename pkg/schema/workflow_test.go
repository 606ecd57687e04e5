package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalType_Aliases(t *testing.T) {
	cases := map[string]NodeType{
		"action:email":       NodeSendEmail,
		"sendEmail":          NodeSendEmail,
		"Send Slack Message": NodeSendSlack,
		"action:slack":       NodeSendSlack,
		"webhookingTrigger":  NodeWebhookTrigger,
		"EnrichData":         NodeEnrichData,
		"Push To Airtable":   NodeAirtable,
		"PostgresNode":       NodePostgres,
		"stickyNote":         NodeUnknown,
	}
	for tag, want := range cases {
		assert.Equal(t, want, CanonicalType(tag), tag)
	}
}

func TestNodeType_IsTrigger(t *testing.T) {
	assert.True(t, NodeManualTrigger.IsTrigger())
	assert.True(t, NodeWebhookTrigger.IsTrigger())
	assert.False(t, NodeSendSlack.IsTrigger())
	assert.False(t, NodeUnknown.IsTrigger())
}

func TestNode_JSONRoundTripKeepsOriginalTag(t *testing.T) {
	in := `{"id":"2","type":"Send Slack Message","data":{"text":"hi"},"position":{"x":10,"y":20}}`

	var n Node
	require.NoError(t, json.Unmarshal([]byte(in), &n))
	assert.Equal(t, "2", n.ID)
	assert.Equal(t, NodeSendSlack, n.Type)
	assert.Equal(t, "hi", n.DataString("text"))
	assert.Contains(t, n.Extra, "position")

	out, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestNode_MissingDataIsEmptyMap(t *testing.T) {
	var n Node
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","type":"manualTrigger"}`), &n))
	assert.NotNil(t, n.Data)
	assert.Empty(t, n.DataString("anything"))
}

func TestScheduleSlot(t *testing.T) {
	assert.Equal(t, "schedule:wf-1", ScheduleSlot("wf-1"))
}
