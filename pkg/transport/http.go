package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatbridge/pkg/events"
)

// CredentialModeInclude makes the HTTP transport attach the configured auth
// header to every request. Any other mode sends requests bare.
const CredentialModeInclude = "include"

// HTTPTransport posts message snapshots as JSON and decodes the SSE response
// body into events. Reconnect issues a GET against <endpoint>/<chatID>/stream.
type HTTPTransport struct {
	opts   Options
	client *http.Client
}

func NewHTTPTransport(opts Options, client *http.Client) (*HTTPTransport, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("http transport requires an endpoint")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{opts: opts, client: client}, nil
}

func (t *HTTPTransport) SubmitMessages(ctx context.Context, in SubmitInput) (EventStream, error) {
	req := &PrepareRequest{
		Endpoint: t.opts.Endpoint,
		Headers:  mergeHeaders(t.opts.Headers, in.Headers),
		Body:     mergeBody(t.opts.Body, in.Body),
	}
	if t.opts.PrepareSubmit != nil {
		if err := t.opts.PrepareSubmit(ctx, req); err != nil {
			return nil, errors.Wrap(err, "prepare submit request hook failed")
		}
	}

	payload := map[string]any{
		"id":       in.ChatID,
		"messages": in.Messages,
	}
	for k, v := range req.Body {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	t.applyHeaders(httpReq, req.Headers)

	return t.do(httpReq)
}

func (t *HTTPTransport) Reconnect(ctx context.Context, in ReconnectInput) (EventStream, error) {
	req := &PrepareRequest{
		Endpoint: strings.TrimRight(t.opts.Endpoint, "/") + "/" + in.ChatID + "/stream",
		Headers:  mergeHeaders(t.opts.Headers, nil),
	}
	if t.opts.PrepareReconnect != nil {
		if err := t.opts.PrepareReconnect(ctx, req); err != nil {
			return nil, errors.Wrap(err, "prepare reconnect request hook failed")
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build reconnect request")
	}
	t.applyHeaders(httpReq, req.Headers)

	return t.do(httpReq)
}

func (t *HTTPTransport) applyHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if t.opts.CredentialMode == CredentialModeInclude && t.opts.AuthHeader != "" {
		req.Header.Set("Authorization", t.opts.AuthHeader)
	}
}

func (t *HTTPTransport) do(req *http.Request) (EventStream, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "chat request failed")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Errorf("chat endpoint returned status %d", resp.StatusCode)
	}
	log.Debug().Str("component", "transport").Str("url", req.URL.String()).Msg("stream opened")
	scanner := bufio.NewScanner(resp.Body)
	// A single data: line can carry a large tool-call input or accumulated
	// delta; the default 64KB scanner limit is too small for those.
	scanner.Buffer(make([]byte, 64*1024), maxSSELineBytes)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

// maxSSELineBytes bounds one SSE data line.
const maxSSELineBytes = 16 * 1024 * 1024

func mergeHeaders(base, extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func mergeBody(base, extra map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// sseStream decodes "data:" lines from a server-sent-events body. A literal
// [DONE] payload terminates the stream.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseStream) Next() (events.Event, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return events.Event{}, io.EOF
		}
		return events.NewEventFromJSON([]byte(data))
	}
	if err := s.scanner.Err(); err != nil {
		return events.Event{}, errors.Wrap(err, "stream read failed")
	}
	return events.Event{}, io.EOF
}

func (s *sseStream) Close() error { return s.body.Close() }
