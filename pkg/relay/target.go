package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/laomeifun/llm-relay/pkg/oauth"
	"github.com/laomeifun/llm-relay/pkg/translate/antigravity"
	"github.com/laomeifun/llm-relay/pkg/translate/qwen"
	"github.com/laomeifun/llm-relay/pkg/types"
)

// target is one vendor's view of a single outbound call: how to build
// the per-endpoint request and how to transform a successful response.
type target interface {
	Vendor() types.Vendor
	RequestType() types.RequestType
	Endpoints() []string
	Throttle(ctx context.Context) error
	NewRequest(ctx context.Context, endpoint string, account *types.Account) (*http.Request, error)
	Transform(resp *http.Response) (*http.Response, error)
}

var modelPathPattern = regexp.MustCompile(`/models/([^/:]+)`)

type antigravityTarget struct {
	endpoints   []string
	model       string
	body        []byte
	stream      bool
	toResponses bool
	info        antigravity.ModelInfo
}

func newAntigravityTarget(endpoints []string, u *url.URL, body []byte) *antigravityTarget {
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		if m := modelPathPattern.FindStringSubmatch(u.Path); m != nil {
			model = m[1]
		}
	}

	stream := strings.Contains(u.Path, ":streamGenerateContent") || u.Query().Get("alt") == "sse"

	return &antigravityTarget{
		endpoints:   endpoints,
		model:       model,
		body:        body,
		stream:      stream,
		toResponses: strings.HasSuffix(u.Path, "/responses"),
		info:        antigravity.ResolveModel(model),
	}
}

func (t *antigravityTarget) Vendor() types.Vendor           { return types.VendorAntigravity }
func (t *antigravityTarget) RequestType() types.RequestType { return t.info.RequestType }
func (t *antigravityTarget) Endpoints() []string            { return t.endpoints }
func (t *antigravityTarget) Throttle(context.Context) error { return nil }

func (t *antigravityTarget) NewRequest(ctx context.Context, endpoint string, account *types.Account) (*http.Request, error) {
	projectID := account.ProjectID
	if projectID == "" {
		projectID = oauth.DefaultProjectID
	}

	built, err := antigravity.BuildRequest(endpoint, projectID, t.model, t.body, t.stream)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, built.URL, bytes.NewReader(built.Body))
	if err != nil {
		return nil, err
	}
	req.Header = built.Header
	return req, nil
}

func (t *antigravityTarget) Transform(resp *http.Response) (*http.Response, error) {
	if t.stream {
		return streamingResponse(resp, func(r io.Reader, w io.Writer) error {
			return antigravity.TransformStream(r, w, t.toResponses)
		}), nil
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	return bufferedResponse(resp, antigravity.TranslateBody(raw, t.toResponses)), nil
}

type qwenTarget struct {
	base    string
	method  string
	tr      *qwen.TranslatedRequest
	limiter *rate.Limiter
}

func newQwenTarget(base string, u *url.URL, body []byte, limiter *rate.Limiter) (*qwenTarget, error) {
	tr, err := qwen.TranslateRequest(u.Path, body)
	if err != nil {
		return nil, err
	}
	return &qwenTarget{
		base:    base,
		method:  http.MethodPost,
		tr:      tr,
		limiter: limiter,
	}, nil
}

func (t *qwenTarget) Vendor() types.Vendor           { return types.VendorQwen }
func (t *qwenTarget) RequestType() types.RequestType { return types.RequestOther }
func (t *qwenTarget) Endpoints() []string            { return []string{t.base} }

func (t *qwenTarget) Throttle(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

func (t *qwenTarget) NewRequest(ctx context.Context, endpoint string, account *types.Account) (*http.Request, error) {
	base := endpoint
	if account.ResourceURL != "" {
		base = normalizeQwenBase(account.ResourceURL)
	}
	target := base + strings.TrimPrefix(t.tr.Path, "/v1")

	req, err := http.NewRequestWithContext(ctx, t.method, target, bytes.NewReader(t.tr.Body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.tr.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

func (t *qwenTarget) Transform(resp *http.Response) (*http.Response, error) {
	switch {
	case t.tr.ForcedStreamingForTools:
		// The caller asked for a buffered response; the stream was
		// forced only to keep tool calls intact. Replay it as one
		// JSON body.
		body, err := qwen.BufferedFromStream(resp.Body, t.tr.ToolNames)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		out := bufferedResponse(resp, body)
		out.Header.Set("Content-Type", "application/json")
		return out, nil

	case t.tr.Stream:
		names := t.tr.ToolNames
		return streamingResponse(resp, func(r io.Reader, w io.Writer) error {
			return qwen.TransformStream(r, w, names)
		}), nil

	default:
		raw, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		return bufferedResponse(resp, qwen.TranslateBody(raw, t.tr.ToolNames)), nil
	}
}

// normalizeQwenBase turns a bare resource host into a usable API base.
func normalizeQwenBase(resource string) string {
	base := resource
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base
}

// streamingResponse replaces the response body with a pipe fed by the
// translator goroutine. The original body is closed when the translator
// finishes or the consumer abandons the pipe.
func streamingResponse(resp *http.Response, transform func(io.Reader, io.Writer) error) *http.Response {
	pr, pw := io.Pipe()
	upstream := resp.Body

	go func() {
		err := transform(upstream, pw)
		_ = upstream.Close()
		_ = pw.CloseWithError(err)
	}()

	out := *resp
	out.Body = pr
	out.ContentLength = -1
	out.Header = cloneAndStrip(resp.Header)
	return &out
}

// bufferedResponse rebuilds a response around a fully translated body.
func bufferedResponse(resp *http.Response, body []byte) *http.Response {
	out := *resp
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.Header = cloneAndStrip(resp.Header)
	out.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return &out
}

// cloneAndStrip drops headers invalidated by body rewriting.
func cloneAndStrip(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	out.Del("Content-Length")
	out.Del("Content-Encoding")
	return out
}
