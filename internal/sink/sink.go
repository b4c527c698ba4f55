package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/solana-event-reader/internal/txmeta"
)

// Sink receives assembled transactions. Deliver may be called again with
// the same transaction after a crash or a failed batch.
type Sink interface {
	Deliver(ctx context.Context, meta *txmeta.TransactionParsedMeta) error
}

const defaultTemplate = `TX {{short_addr .Signature}} slot={{.Slot}} events={{len .RecognizedEvents}}{{range .RecognizedEvents}} {{.Name}}{{end}}`

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	raw     bool
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink. Without a template the body is
// the transaction JSON; with one it is {"text": "<rendered>"}.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sink, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	s := &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		raw:     tmpl == "",
		client:  defaultClient(),
		headers: map[string]string{"Content-Type": "application/json"},
	}
	for k, v := range headers {
		s.headers[k] = v
	}
	if !s.raw {
		t, err := parseTemplate(tmpl)
		if err != nil {
			return nil, err
		}
		s.render = t
	}
	return s, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sink, error) {
	return newTextSender(url, tmpl)
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sink, error) {
	// Teams accepts simple {text: "..."} payloads.
	return newTextSender(url, tmpl)
}

func newTextSender(url, tmpl string) (Sink, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	return NewWebhookSender(url, http.MethodPost, tmpl, nil)
}

func (s *httpSender) Deliver(ctx context.Context, meta *txmeta.TransactionParsedMeta) error {
	reqBody, err := s.body(meta)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	}
	return nil
}

func (s *httpSender) body(meta *txmeta.TransactionParsedMeta) ([]byte, error) {
	if s.raw {
		b, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshal transaction: %w", err)
		}
		return b, nil
	}
	text, err := executeTemplate(s.render, meta)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return b, nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
		"sol": func(lamports any) string {
			return fmt.Sprintf("%.9f", toFloat(lamports)/1e9)
		},
	}
	t, err := template.New("msg").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func toFloat(v any) float64 {
	var f float64
	_, _ = fmt.Sscan(fmt.Sprint(v), &f)
	return f
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
