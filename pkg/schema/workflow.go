package schema

import (
	"encoding/json"
	"time"
)

// Workflow is a saved automation: a named graph of trigger and action nodes.
type Workflow struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Nodes      []Node       `json:"nodes"`
	Edges      []Edge       `json:"edges"`
	FormID     string       `json:"formId,omitempty"`
	Schedule   string       `json:"schedule,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	Executions []*Execution `json:"executions,omitempty"`
}

// Node is one step of a workflow. Type is the canonical tag; RawType keeps
// whatever tag the editor saved so the document round-trips unchanged.
// Position and other layout fields are preserved in Extra and never read.
type Node struct {
	ID      string         `json:"-"`
	Type    NodeType       `json:"-"`
	RawType string         `json:"-"`
	Data    map[string]any `json:"-"`
	Extra   map[string]any `json:"-"`
}

type nodeWire struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// UnmarshalJSON decodes a node and resolves its type through the alias table.
func (n *Node) UnmarshalJSON(b []byte) error {
	var w nodeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	delete(all, "id")
	delete(all, "type")
	delete(all, "data")

	n.ID = w.ID
	n.RawType = w.Type
	n.Type = CanonicalType(w.Type)
	n.Data = w.Data
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	n.Extra = nil
	if len(all) > 0 {
		n.Extra = all
	}
	return nil
}

// MarshalJSON writes the node back using its original tag.
func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Extra)+3)
	for k, v := range n.Extra {
		out[k] = v
	}
	out["id"] = n.ID
	t := n.RawType
	if t == "" {
		t = string(n.Type)
	}
	out["type"] = t
	if n.Data != nil {
		out["data"] = n.Data
	}
	return json.Marshal(out)
}

// DataString returns the string at data[key], or "" when absent or not a string.
func (n Node) DataString(key string) string {
	s, _ := n.Data[key].(string)
	return s
}

// Edge is a directed execution-order dependency between two nodes.
// The handle fields carry editor port ids and are ignored by the engine.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// NodeType is the canonical tag selecting a node's behavior.
type NodeType string

const (
	NodeFormTrigger      NodeType = "formTrigger"
	NodeWebhookTrigger   NodeType = "webhookTrigger"
	NodeSchedulerTrigger NodeType = "schedulerTrigger"
	NodeManualTrigger    NodeType = "manualTrigger"
	NodeSendEmail        NodeType = "sendEmail"
	NodeSendSlack        NodeType = "sendSlack"
	NodeParseCSV         NodeType = "parseCSV"
	NodeEnrichData       NodeType = "enrichData"
	NodeAirtable         NodeType = "airtable"
	NodePostgres         NodeType = "postgres"
	NodeHTTPRequest      NodeType = "httpRequest"
	NodeCondition        NodeType = "condition"
	NodeUnknown          NodeType = "unknown"
)

// nodeAliases maps every tag the editor has ever produced to its canonical form.
var nodeAliases = map[string]NodeType{
	"formTrigger":        NodeFormTrigger,
	"webhookTrigger":     NodeWebhookTrigger,
	"webhookingTrigger":  NodeWebhookTrigger,
	"schedulerTrigger":   NodeSchedulerTrigger,
	"manualTrigger":      NodeManualTrigger,
	"sendEmail":          NodeSendEmail,
	"action:email":       NodeSendEmail,
	"sendSlack":          NodeSendSlack,
	"action:slack":       NodeSendSlack,
	"Send Slack Message": NodeSendSlack,
	"parseCSV":           NodeParseCSV,
	"Parse CSV":          NodeParseCSV,
	"EnrichData":         NodeEnrichData,
	"enrichData":         NodeEnrichData,
	"AirtableNode":       NodeAirtable,
	"Push To Airtable":   NodeAirtable,
	"Send to Airtable":   NodeAirtable,
	"PostgresNode":       NodePostgres,
	"httpRequest":        NodeHTTPRequest,
	"Http Trigger":       NodeHTTPRequest,
	"condition":          NodeCondition,
	"conditionNode":      NodeCondition,
}

// CanonicalType resolves a saved tag to its canonical NodeType.
// Unrecognised tags map to NodeUnknown.
func CanonicalType(tag string) NodeType {
	if t, ok := nodeAliases[tag]; ok {
		return t
	}
	return NodeUnknown
}

// IsTrigger reports whether t is one of the trigger kinds.
func (t NodeType) IsTrigger() bool {
	switch t {
	case NodeFormTrigger, NodeWebhookTrigger, NodeSchedulerTrigger, NodeManualTrigger:
		return true
	}
	return false
}

// FindNode returns the first node of the given type, or nil.
func (w *Workflow) FindNode(t NodeType) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Type == t {
			return &w.Nodes[i]
		}
	}
	return nil
}
