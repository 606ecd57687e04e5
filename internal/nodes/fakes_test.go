package nodes

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rendis/flowrun/internal/integrations"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []integrations.Mail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, m integrations.Mail) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, m)
	return "msg_1", nil
}

type fakePoster struct {
	texts []string
	err   error
}

func (f *fakePoster) Post(_ context.Context, text string) error {
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, text)
	return nil
}

type fakeObjects struct {
	objects map[string]string
	err     error
}

func (f *fakeObjects) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type fakeEnricher struct {
	got []map[string]any
	err error
}

func (f *fakeEnricher) Enrich(_ context.Context, rows []map[string]any) ([]map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = rows
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		cp := map[string]any{"enriched": true}
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out, nil
}

type fakeSink struct {
	table string
	rows  []map[string]any
	err   error
}

func (f *fakeSink) Send(_ context.Context, table string, rows []map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.table, f.rows = table, rows
	return nil
}

type fakeRequester struct {
	method, url string
	body        any
	header      http.Header
	resp        *integrations.Response
	err         error
}

func (f *fakeRequester) Do(_ context.Context, method, url string, body any, header http.Header) (*integrations.Response, error) {
	f.method, f.url, f.body, f.header = method, url, body, header
	return f.resp, f.err
}
