// Package nodes turns saved workflow nodes into typed configurations and
// executes them against the shared flow context.
package nodes

import (
	"regexp"
	"strings"

	"github.com/rendis/flowrun/pkg/schema"
)

// Config is the typed configuration of one node kind.
type Config interface {
	isConfig()
}

// EmailConfig sends one message through the mailer.
type EmailConfig struct {
	To      string
	Subject string
	Text    string
}

// SlackConfig posts one message to the configured Slack webhook.
type SlackConfig struct {
	Text string
}

// CSVConfig loads a CSV object from S3 into csvData. Filter is an optional
// row predicate; rows for which it is false are dropped.
type CSVConfig struct {
	S3Link string
	Bucket string
	Key    string
	Filter string
}

// EnrichConfig sends csvData to the enrichment service.
type EnrichConfig struct{}

// SinkConfig forwards enrichedData to a table in Target.
type SinkConfig struct {
	Target    schema.NodeType
	TableName string
}

// HTTPConfig performs an outbound request and stores the (optionally
// extracted) response under Into.
type HTTPConfig struct {
	URL     string
	Method  string
	Body    any
	Headers map[string]string
	Extract string
	Into    string
}

// TriggerConfig marks an entry node. Triggers do no work at run time.
type TriggerConfig struct {
	Kind      schema.NodeType
	WebhookID string
	Cron      string
	FormTitle string
}

// PassThroughConfig covers condition nodes and unrecognised types.
type PassThroughConfig struct {
	RawType string
}

func (EmailConfig) isConfig()       {}
func (SlackConfig) isConfig()       {}
func (CSVConfig) isConfig()         {}
func (EnrichConfig) isConfig()      {}
func (SinkConfig) isConfig()        {}
func (HTTPConfig) isConfig()        {}
func (TriggerConfig) isConfig()     {}
func (PassThroughConfig) isConfig() {}

// DefaultHTTPInto is the context key an httpRequest node writes to when
// its config names none.
const DefaultHTTPInto = "httpResponse"

var s3LinkRe = regexp.MustCompile(`^s3://([^/]+)/(.+)$`)

// SplitS3Link returns the bucket and key of an s3://bucket/key link.
func SplitS3Link(link string) (bucket, key string, ok bool) {
	m := s3LinkRe.FindStringSubmatch(link)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Parsed is a node with its configuration resolved.
type Parsed struct {
	ID     string
	Type   schema.NodeType
	Config Config
}

// Parse builds the typed configuration for n. It never fails: missing
// fields are reported when the node executes.
func Parse(n schema.Node) Parsed {
	p := Parsed{ID: n.ID, Type: n.Type}
	switch n.Type {
	case schema.NodeSendEmail:
		p.Config = EmailConfig{To: n.DataString("to"), Subject: n.DataString("subject"), Text: n.DataString("text")}
	case schema.NodeSendSlack:
		p.Config = SlackConfig{Text: n.DataString("text")}
	case schema.NodeParseCSV:
		c := CSVConfig{S3Link: strings.TrimSpace(n.DataString("s3Link")), Filter: n.DataString("filter")}
		c.Bucket, c.Key, _ = SplitS3Link(c.S3Link)
		p.Config = c
	case schema.NodeEnrichData:
		p.Config = EnrichConfig{}
	case schema.NodeAirtable, schema.NodePostgres:
		p.Config = SinkConfig{Target: n.Type, TableName: n.DataString("tableName")}
	case schema.NodeHTTPRequest:
		p.Config = parseHTTP(n)
	case schema.NodeFormTrigger, schema.NodeWebhookTrigger, schema.NodeSchedulerTrigger, schema.NodeManualTrigger:
		p.Config = TriggerConfig{
			Kind:      n.Type,
			WebhookID: n.DataString("webhookId"),
			Cron:      n.DataString("cron"),
			FormTitle: n.DataString("title"),
		}
	default:
		p.Config = PassThroughConfig{RawType: n.RawType}
	}
	return p
}

func parseHTTP(n schema.Node) HTTPConfig {
	c := HTTPConfig{
		URL:     n.DataString("url"),
		Method:  strings.ToUpper(n.DataString("method")),
		Body:    n.Data["body"],
		Extract: n.DataString("extract"),
		Into:    n.DataString("into"),
	}
	if c.Method == "" {
		c.Method = "GET"
	}
	if c.Into == "" {
		c.Into = DefaultHTTPInto
	}
	if hs, ok := n.Data["headers"].(map[string]any); ok {
		c.Headers = make(map[string]string, len(hs))
		for k, v := range hs {
			if s, ok := v.(string); ok {
				c.Headers[k] = s
			}
		}
	}
	return c
}

// ParseAll parses every node of a workflow, keeping their order.
func ParseAll(ns []schema.Node) []Parsed {
	out := make([]Parsed, len(ns))
	for i, n := range ns {
		out[i] = Parse(n)
	}
	return out
}
