package relay

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/yansir/claude-mux/internal/account"
	"github.com/yansir/claude-mux/internal/config"
	"github.com/yansir/claude-mux/internal/identity"
)

// TransportProvider supplies per-account HTTP clients.
type TransportProvider interface {
	GetClient(acct *account.Account) *http.Client
}

// UpstreamResponse is the fully-read result of a non-streaming call.
type UpstreamResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Client talks to the upstream messages API in both modes.
type Client struct {
	cfg       *config.Config
	transport TransportProvider
	capture   *identity.Capture
}

func NewClient(cfg *config.Config, tp TransportProvider, capture *identity.Capture) *Client {
	return &Client{cfg: cfg, transport: tp, capture: capture}
}

// buildRequest composes the upstream request: required headers, filtered
// downstream headers, and — for non-genuine clients — the captured
// Claude-Code fingerprint for any field the downstream did not supply.
func (c *Client) buildRequest(
	ctx context.Context,
	url string,
	acct *account.Account,
	accessToken string,
	body []byte,
	downstream http.Header,
	genuine bool,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindConfig, err)
	}

	req.Header = identity.FilterHeaders(downstream)
	if !genuine {
		if captured := c.capture.Load(ctx, acct.ID); captured != nil {
			identity.OverlayCaptured(req.Header, captured)
		}
	}
	identity.SetRequiredHeaders(req.Header, accessToken, c.cfg.Upstream.APIVersion, c.cfg.Upstream.BetaHeader)
	identity.EnsureUserAgent(req.Header)

	return req, nil
}

// DoJSON performs a non-streaming call, transparently decoding gzip and
// deflate response bodies.
func (c *Client) DoJSON(
	ctx context.Context,
	acct *account.Account,
	accessToken string,
	body []byte,
	downstream http.Header,
	genuine bool,
) (*UpstreamResponse, error) {
	req, err := c.buildRequest(ctx, c.cfg.Upstream.URL, acct, accessToken, body, downstream, genuine)
	if err != nil {
		return nil, err
	}

	resp, err := c.transport.GetClient(acct).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindCancelled, ctx.Err())
		}
		return nil, &Error{Kind: classifyTransport(err), URL: c.cfg.Upstream.URL, Err: err}
	}
	defer resp.Body.Close()

	decoded, err := decodeBody(resp)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamReset, URL: c.cfg.Upstream.URL, Err: err}
	}

	return &UpstreamResponse{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    decoded,
	}, nil
}

// DoStream performs a streaming call and returns the open response. The
// caller owns resp.Body.
func (c *Client) DoStream(
	ctx context.Context,
	acct *account.Account,
	accessToken string,
	body []byte,
	downstream http.Header,
	genuine bool,
) (*http.Response, error) {
	req, err := c.buildRequest(ctx, c.cfg.Upstream.URL, acct, accessToken, body, downstream, genuine)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.transport.GetClient(acct).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindCancelled, ctx.Err())
		}
		return nil, &Error{Kind: classifyTransport(err), URL: c.cfg.Upstream.URL, Err: err}
	}
	return resp, nil
}

// decodeBody reads the full body, inflating gzip/deflate encodings.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body

	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(resp.Body)
		defer fl.Close()
		reader = fl
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	return body, nil
}
