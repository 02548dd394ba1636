// Package upstream builds and executes the outbound request to a
// service's upstream (component G). It is the only component that sees a
// plaintext credential in a network context — the token is injected here
// and nowhere is it logged.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wisbric/agentgate/internal/gwerr"
)

// hopByHop lists headers that must never be forwarded across a proxy hop
// (RFC 7230 §6.1). X-Session-Id is stripped separately in the gateway
// pipeline before the request reaches this client.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Client forwards a gateway-authorized request to its upstream service.
type Client struct {
	httpClient *http.Client
}

// New creates a Client with the given upstream timeout (default: 30s).
func New(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Request describes the forwarding call built from the ingress request.
type Request struct {
	Method      string
	BaseURL     string
	Path        string
	RawQuery    string
	Header      http.Header
	Body        io.Reader
	TokenType   string
	AccessToken string
}

// Response is the upstream's response. Body must be closed by the caller
// once its bytes have been copied back to the gateway's caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Do builds the outbound request, injects the credential, executes it,
// and returns the result. A connection failure, TLS failure, or timeout
// is reported as a gwerr.UpstreamError; any response that does come back
// — including a 4xx/5xx from the upstream itself — is forwarded verbatim
// and is never an error here.
func (c *Client) Do(ctx context.Context, reqSpec Request) (*Response, error) {
	target, err := buildURL(reqSpec.BaseURL, reqSpec.Path, reqSpec.RawQuery)
	if err != nil {
		return nil, gwerr.New(gwerr.UpstreamError, "building upstream URL: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, reqSpec.Method, target, reqSpec.Body)
	if err != nil {
		return nil, gwerr.New(gwerr.UpstreamError, "building upstream request: %v", err)
	}
	copyHeaders(req.Header, reqSpec.Header)
	req.Header.Set("Authorization", fmt.Sprintf("%s %s", reqSpec.TokenType, reqSpec.AccessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, gwerr.New(gwerr.UpstreamError, "calling upstream: %v", err)
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}, nil
}

func buildURL(baseURL, path, rawQuery string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL %q: %w", baseURL, err)
	}
	u.Path = singleJoiningSlash(u.Path, path)
	u.RawQuery = rawQuery
	return u.String(), nil
}

func singleJoiningSlash(a, b string) string {
	aSlash := len(a) > 0 && a[len(a)-1] == '/'
	bSlash := len(b) > 0 && b[0] == '/'
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash && len(b) > 0:
		return a + "/" + b
	default:
		return a + b
	}
}

// copyHeaders copies src into dst, dropping hop-by-hop headers and any
// header the inbound Connection header names for removal.
func copyHeaders(dst, src http.Header) {
	removable := map[string]bool{}
	for _, value := range src.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			removable[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}

	for name, values := range src {
		canon := http.CanonicalHeaderKey(name)
		if hopByHop[canon] || removable[canon] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
