package nodes

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/integrations"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/pkg/schema"
)

// Mailer delivers email.
type Mailer interface {
	Send(ctx context.Context, m integrations.Mail) (string, error)
}

// WebhookPoster posts a text message to a chat webhook.
type WebhookPoster interface {
	Post(ctx context.Context, text string) error
}

// ObjectFetcher opens objects from blob storage.
type ObjectFetcher interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Enricher augments rows through an external service.
type Enricher interface {
	Enrich(ctx context.Context, rows []map[string]any) ([]map[string]any, error)
}

// RowSink writes rows into a named table.
type RowSink interface {
	Send(ctx context.Context, table string, rows []map[string]any) error
}

// Requester performs generic outbound HTTP calls.
type Requester interface {
	Do(ctx context.Context, method, url string, body any, header http.Header) (*integrations.Response, error)
}

// Services are the collaborators nodes call. A nil collaborator makes the
// nodes that need it fail with CONFIG_ERROR.
type Services struct {
	Mailer   Mailer
	Slack    WebhookPoster
	Objects  ObjectFetcher
	Enricher Enricher
	Sinks    map[schema.NodeType]RowSink
	HTTP     Requester
	// From is the sender address for email nodes.
	From string
}

// Executor runs a single node. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	svc     Services
	jq      *expressions.JQ
	filters *expressions.RowFilter
	logger  *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(svc Services, logger *slog.Logger) *Executor {
	if svc.From == "" {
		svc.From = integrations.DefaultSender
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		svc:     svc,
		jq:      expressions.NewJQ(),
		filters: expressions.NewRowFilter(),
		logger:  logger,
	}
}

// Execute runs n against fc and returns the resulting context. fc itself is
// never modified. Errors are *schema.FlowError values naming the node.
func (e *Executor) Execute(ctx context.Context, n Parsed, fc Context) (Context, error) {
	if fc == nil {
		fc = Context{}
	}
	ctx = logging.WithNodeID(ctx, n.ID)
	e.logger.DebugContext(ctx, "executing node", slog.String("type", string(n.Type)))

	switch c := n.Config.(type) {
	case EmailConfig:
		return fc, e.sendEmail(ctx, n.ID, c, fc)
	case SlackConfig:
		return fc, e.sendSlack(ctx, n.ID, c, fc)
	case CSVConfig:
		return e.parseCSV(ctx, n.ID, c, fc)
	case EnrichConfig:
		return e.enrich(ctx, n.ID, fc)
	case SinkConfig:
		return fc, e.sink(ctx, n.ID, c, fc)
	case HTTPConfig:
		return e.httpRequest(ctx, n.ID, c, fc)
	default:
		// Triggers, conditions and unknown types pass the context through.
		return fc, nil
	}
}

func (e *Executor) sendEmail(ctx context.Context, id string, c EmailConfig, fc Context) error {
	if c.To == "" || c.Subject == "" || c.Text == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"Email node %s is missing required data (to, subject, or text).", id).WithNode(id)
	}
	if e.svc.Mailer == nil {
		return schema.NewError(schema.ErrCodeConfig, "RESEND_API_KEY is not configured.").WithNode(id)
	}
	msg := integrations.Mail{
		From:    e.svc.From,
		To:      c.To,
		Subject: e.render(ctx, c.Subject, fc),
		HTML:    "<p>" + e.render(ctx, c.Text, fc) + "</p>",
	}
	sent, err := e.svc.Mailer.Send(ctx, msg)
	if err != nil {
		return wrapFailure(id, "Email delivery failed for node "+id+": ", err)
	}
	e.logger.InfoContext(ctx, "email sent", slog.String("message_id", sent))
	return nil
}

func (e *Executor) sendSlack(ctx context.Context, id string, c SlackConfig, fc Context) error {
	if e.svc.Slack == nil {
		return schema.NewError(schema.ErrCodeConfig, "SLACK_WEBHOOK_URL is not configured.").WithNode(id)
	}
	if c.Text == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "Slack node %s is missing 'text' data.", id).WithNode(id)
	}
	text := e.render(ctx, c.Text, fc)
	if err := e.svc.Slack.Post(ctx, text); err != nil {
		return wrapFailure(id, "Slack API request failed for node "+id+". ", err)
	}
	e.logger.InfoContext(ctx, "slack message sent")
	return nil
}

func (e *Executor) enrich(ctx context.Context, id string, fc Context) (Context, error) {
	rows := rowsFrom(fc[KeyCSVData])
	if len(rows) == 0 {
		return fc, schema.NewError(schema.ErrCodeValidation, "Enrich Data node received no input rows to enrich.").WithNode(id)
	}
	if e.svc.Enricher == nil {
		return fc, schema.NewError(schema.ErrCodeConfig, "LOCAL_API_URL is not configured.").WithNode(id)
	}
	out, err := e.svc.Enricher.Enrich(ctx, rows)
	if err != nil {
		return fc, wrapFailure(id, "Enrichment failed for node "+id+": ", err)
	}
	return with(fc, KeyEnrichedData, out), nil
}

func (e *Executor) sink(ctx context.Context, id string, c SinkConfig, fc Context) error {
	label := "Airtable"
	if c.Target == schema.NodePostgres {
		label = "PostgreSQL"
	}
	rows := rowsFrom(fc[KeyEnrichedData])
	if len(rows) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node received no input rows to send.", label).WithNode(id)
	}
	if c.TableName == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node is missing the table name.", label).WithNode(id)
	}
	s, ok := e.svc.Sinks[c.Target]
	if !ok || s == nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "no %s sink is configured.", label).WithNode(id)
	}
	if err := s.Send(ctx, c.TableName, rows); err != nil {
		return wrapFailure(id, label+" upload failed: ", err)
	}
	e.logger.InfoContext(ctx, "rows sent", slog.String("table", c.TableName), slog.Int("rows", len(rows)))
	return nil
}

func (e *Executor) httpRequest(ctx context.Context, id string, c HTTPConfig, fc Context) (Context, error) {
	if c.URL == "" {
		return fc, schema.NewErrorf(schema.ErrCodeValidation, "HTTP node %s is missing 'url' data.", id).WithNode(id)
	}
	if e.svc.HTTP == nil {
		return fc, schema.NewError(schema.ErrCodeConfig, "no HTTP client is configured.").WithNode(id)
	}
	var header http.Header
	if len(c.Headers) > 0 {
		header = make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			header.Set(k, expressions.Render(v, fc))
		}
	}

	resp, err := e.svc.HTTP.Do(ctx, c.Method, e.render(ctx, c.URL, fc), renderValue(c.Body, fc), header)
	if err != nil {
		return fc, wrapFailure(id, "HTTP request failed for node "+id+": ", err)
	}

	result := resp.Decoded()
	if c.Extract != "" {
		result, err = e.jq.Extract(ctx, c.Extract, result)
		if err != nil {
			return fc, schema.NewErrorf(schema.ErrCodeValidation, "HTTP node %s: extract: %v", id, err).WithNode(id).WithCause(err)
		}
	}
	return with(fc, c.Into, result), nil
}

// render is expressions.Render plus a debug line naming placeholders that
// have no value in fc.
func (e *Executor) render(ctx context.Context, tpl string, fc Context) string {
	var missing []string
	for _, key := range expressions.Placeholders(tpl) {
		if _, ok := fc[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		e.logger.DebugContext(ctx, "template placeholders have no value", slog.Any("keys", missing))
	}
	return expressions.Render(tpl, fc)
}

// renderValue applies the template renderer to every string inside v.
func renderValue(v any, fc Context) any {
	switch val := v.(type) {
	case string:
		return expressions.Render(val, fc)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = renderValue(item, fc)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = renderValue(item, fc)
		}
		return out
	}
	return v
}

// wrapFailure prefixes the collaborator's message and keeps its code and
// details; errors that carry no code become TRANSPORT_ERROR.
func wrapFailure(nodeID, prefix string, err error) *schema.FlowError {
	if fe, ok := schema.AsFlowError(err); ok {
		out := schema.NewError(fe.Code, prefix+fe.Message).WithNode(nodeID).WithCause(err)
		if fe.Details != nil {
			out = out.WithDetails(fe.Details)
		}
		return out
	}
	return schema.NewError(schema.ErrCodeTransport, prefix+err.Error()).WithNode(nodeID).WithCause(err)
}
