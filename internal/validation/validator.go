package validation

import (
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// s3LinkRe is the accepted form of a parseCSV node's s3Link.
var s3LinkRe = regexp.MustCompile(`^s3://([^/]+)/(.+)$`)

// Validator checks a workflow before it is saved. It is safe for concurrent use.
type Validator struct {
	document *jsonschema.Schema
	cron     cron.Parser
	jq       *expressions.JQ
	filter   *expressions.RowFilter
}

// New compiles the document schema and returns a Validator.
func New() (*Validator, error) {
	doc, err := compileDocumentSchema()
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &Validator{
		document: doc,
		cron:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jq:       expressions.NewJQ(),
		filter:   expressions.NewRowFilter(),
	}, nil
}

// ValidateDocument checks a decoded request body against the workflow schema.
func (v *Validator) ValidateDocument(body any) error {
	doc, err := toJSONValue(body)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is not JSON").WithCause(err)
	}
	if err := v.document.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// Check runs the graph and per-node checks on a decoded workflow. Problems
// that the engine tolerates at run time (dangling edges, fan-out, unknown
// node types) are reported as warnings.
func (v *Validator) Check(wf *schema.Workflow) *schema.ValidationResult {
	res := &schema.ValidationResult{}

	ids := make(map[string]struct{}, len(wf.Nodes))
	for i, n := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			res.AddError(path+".id", "node id is required")
			continue
		}
		if _, dup := ids[n.ID]; dup {
			res.AddError(path+".id", fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = struct{}{}
		v.checkNode(res, path, n)
	}

	outgoing := make(map[string]int)
	incoming := make(map[string]bool)
	for i, e := range wf.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if _, ok := ids[e.Source]; !ok {
			res.AddWarning(path+".source", fmt.Sprintf("unknown node %q", e.Source))
		}
		if _, ok := ids[e.Target]; !ok {
			res.AddWarning(path+".target", fmt.Sprintf("unknown node %q, the path will end here", e.Target))
		}
		outgoing[e.Source]++
		incoming[e.Target] = true
	}
	for i, n := range wf.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if outgoing[n.ID] > 1 {
			res.AddWarning(path,
				fmt.Sprintf("node %q has %d outgoing edges, only the first is followed", n.ID, outgoing[n.ID]))
		}
		if n.ID == "" {
			continue
		}
		switch {
		case !incoming[n.ID] && !n.Type.IsTrigger():
			res.AddWarning(path, fmt.Sprintf("node %q has no incoming edge and will start a path, but it is not a trigger", n.ID))
		case incoming[n.ID] && n.Type.IsTrigger():
			res.AddWarning(path, fmt.Sprintf("trigger %q has an incoming edge and will not start a path", n.ID))
		}
	}
	return res
}

func (v *Validator) checkNode(res *schema.ValidationResult, path string, n schema.Node) {
	switch n.Type {
	case schema.NodeUnknown:
		res.AddWarning(path+".type", fmt.Sprintf("unknown node type %q is skipped at run time", n.RawType))
	case schema.NodeCondition:
		res.AddWarning(path+".type", "condition nodes are not evaluated, the first outgoing edge is followed")
	case schema.NodeSchedulerTrigger:
		if expr := n.DataString("cron"); expr != "" {
			if _, err := v.cron.Parse(expr); err != nil {
				res.AddError(path+".data.cron", fmt.Sprintf("invalid cron pattern %q: %s", expr, err))
			}
		}
	case schema.NodeParseCSV:
		if link := n.DataString("s3Link"); link != "" && !s3LinkRe.MatchString(link) {
			res.AddWarning(path+".data.s3Link", "expected s3://bucket/key")
		}
		if f := n.DataString("filter"); f != "" {
			if err := v.filter.Check(f); err != nil {
				res.AddError(path+".data.filter", err.Error())
			}
		}
	case schema.NodeHTTPRequest:
		if q := n.DataString("extract"); q != "" {
			if err := v.jq.Check(q); err != nil {
				res.AddError(path+".data.extract", err.Error())
			}
		}
	}
}
