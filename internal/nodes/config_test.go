package nodes

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

func node(t *testing.T, raw string) schema.Node {
	t.Helper()
	var n schema.Node
	require.NoError(t, json.Unmarshal([]byte(raw), &n))
	return n
}

func TestParse_Variants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Config
	}{
		{
			name: "email alias",
			raw:  `{"id":"e","type":"action:email","data":{"to":"a@x.io","subject":"Hi","text":"Hello"}}`,
			want: EmailConfig{To: "a@x.io", Subject: "Hi", Text: "Hello"},
		},
		{
			name: "slack display name",
			raw:  `{"id":"s","type":"Send Slack Message","data":{"text":"yo"}}`,
			want: SlackConfig{Text: "yo"},
		},
		{
			name: "csv",
			raw:  `{"id":"c","type":"parseCSV","data":{"s3Link":"s3://bucket/dir/file.csv"}}`,
			want: CSVConfig{S3Link: "s3://bucket/dir/file.csv", Bucket: "bucket", Key: "dir/file.csv"},
		},
		{
			name: "csv bad link",
			raw:  `{"id":"c","type":"parseCSV","data":{"s3Link":"https://bucket/file.csv"}}`,
			want: CSVConfig{S3Link: "https://bucket/file.csv"},
		},
		{
			name: "airtable",
			raw:  `{"id":"a","type":"Push To Airtable","data":{"tableName":"Leads"}}`,
			want: SinkConfig{Target: schema.NodeAirtable, TableName: "Leads"},
		},
		{
			name: "postgres",
			raw:  `{"id":"p","type":"PostgresNode","data":{"tableName":"leads"}}`,
			want: SinkConfig{Target: schema.NodePostgres, TableName: "leads"},
		},
		{
			name: "enrich",
			raw:  `{"id":"n","type":"EnrichData"}`,
			want: EnrichConfig{},
		},
		{
			name: "webhook trigger",
			raw:  `{"id":"w","type":"webhookingTrigger","data":{"webhookId":"abc"}}`,
			want: TriggerConfig{Kind: schema.NodeWebhookTrigger, WebhookID: "abc"},
		},
		{
			name: "scheduler trigger",
			raw:  `{"id":"t","type":"schedulerTrigger","data":{"cron":"*/5 * * * *"}}`,
			want: TriggerConfig{Kind: schema.NodeSchedulerTrigger, Cron: "*/5 * * * *"},
		},
		{
			name: "condition",
			raw:  `{"id":"k","type":"conditionNode"}`,
			want: PassThroughConfig{RawType: "conditionNode"},
		},
		{
			name: "unknown",
			raw:  `{"id":"u","type":"somethingNew"}`,
			want: PassThroughConfig{RawType: "somethingNew"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(node(t, tt.raw)).Config)
		})
	}
}

func TestParse_HTTPDefaults(t *testing.T) {
	p := Parse(node(t, `{"id":"h","type":"httpRequest","data":{"url":"http://x","headers":{"X-A":"1","bad":2}}}`))
	c, ok := p.Config.(HTTPConfig)
	require.True(t, ok)
	assert.Equal(t, "GET", c.Method)
	assert.Equal(t, DefaultHTTPInto, c.Into)
	assert.Equal(t, map[string]string{"X-A": "1"}, c.Headers)
}

func TestSplitS3Link(t *testing.T) {
	b, k, ok := SplitS3Link("s3://b/a/b/c.csv")
	assert.True(t, ok)
	assert.Equal(t, "b", b)
	assert.Equal(t, "a/b/c.csv", k)

	_, _, ok = SplitS3Link("s3://bucket-only")
	assert.False(t, ok)
}

func TestParseAll_KeepsOrder(t *testing.T) {
	ns := []schema.Node{
		node(t, `{"id":"1","type":"formTrigger"}`),
		node(t, `{"id":"2","type":"sendSlack"}`),
	}
	out := ParseAll(ns)
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].ID)
	assert.Equal(t, schema.NodeSendSlack, out[1].Type)
}
