package renderer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mind-engage/mindengage-webwork/internal/metrics"
)

// MinTimeout is the floor applied to configured per-request timeouts.
const MinTimeout = 500 * time.Millisecond

const maxResponseBytes = 16 << 20

// Credentials identify the course account on an html2xml server.
type Credentials struct {
	Course   string
	User     string
	Password string
}

// Request is one outbound call to the renderer.
type Request struct {
	Kind        Kind
	Action      Action
	URL         string
	Params      map[string]string
	Seed        int64
	PSVN        int
	ProblemPath string
	Credentials Credentials
	Timeout     time.Duration
}

// Client fetches the raw renderer response for a request.
type Client interface {
	Render(ctx context.Context, req Request) ([]byte, error)
}

// HTTPClient is the Client used in production.
type HTTPClient struct {
	HTTP *http.Client
}

func NewHTTPClient() *HTTPClient {
	return &HTTPClient{HTTP: &http.Client{}}
}

// Render sends req and returns the body. Every failure to obtain a 2xx body is a *TransportError.
func (c *HTTPClient) Render(ctx context.Context, req Request) ([]byte, error) {
	start := time.Now()
	body, err := c.do(ctx, req)
	metrics.RendererDuration.WithLabelValues(req.Kind.String()).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "transport_error"
	}
	metrics.RendererRequests.WithLabelValues(req.Kind.String(), req.Action.String(), outcome).Inc()
	return body, err
}

func (c *HTTPClient) do(ctx context.Context, req Request) ([]byte, error) {
	if req.URL == "" {
		return nil, &TransportError{Kind: req.Kind, Op: "request", Err: fmt.Errorf("no server url")}
	}
	ctx, cancel := context.WithTimeout(ctx, max(req.Timeout, MinTimeout))
	defer cancel()

	values := url.Values{}
	for k, v := range req.Params {
		values.Set(k, v)
	}
	if req.Kind == KindLegacy {
		values.Set("courseID", req.Credentials.Course)
		values.Set("userID", req.Credentials.User)
		values.Set("course_password", req.Credentials.Password)
	}
	values.Set("problemSeed", strconv.FormatInt(req.Seed, 10))
	values.Set("psvn", strconv.Itoa(req.PSVN))
	values.Set("sourceFilePath", req.ProblemPath)

	var (
		httpReq *http.Request
		err     error
	)
	switch req.Kind {
	case KindLegacy:
		u, perr := url.Parse(req.URL)
		if perr != nil {
			return nil, &TransportError{Kind: req.Kind, Op: "request", Err: perr}
		}
		q := u.Query()
		for k, vs := range values {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	case KindStructured:
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, req.URL, strings.NewReader(values.Encode()))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		err = fmt.Errorf("unsupported kind %d", req.Kind)
	}
	if err != nil {
		return nil, &TransportError{Kind: req.Kind, Op: "request", Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Kind: req.Kind, Op: httpReq.Method, Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return nil, &TransportError{Kind: req.Kind, Op: httpReq.Method, Err: fmt.Errorf("status %s", res.Status)}
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Kind: req.Kind, Op: "read", Err: err}
	}
	return body, nil
}
