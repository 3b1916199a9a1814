package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/portal-health/pkg/types"
)

// HTTPConfig configures the http probe.
type HTTPConfig struct {
	// RatePerHost limits requests per second to a single host (default: 2).
	RatePerHost float64
	UserAgent   string
	Client      *http.Client // optional, for tests
}

// HTTPProbe measures how long an endpoint takes to answer.
//
// The reading value is the elapsed time in milliseconds. Any HTTP response
// completes the probe; the status code is recorded for classification.
// Transport errors (refused, DNS, timeout) fail the probe.
type HTTPProbe struct {
	client    *http.Client
	userAgent string
	perHost   rate.Limit

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHTTPProbe creates the http probe.
func NewHTTPProbe(cfg HTTPConfig) *HTTPProbe {
	if cfg.RatePerHost <= 0 {
		cfg.RatePerHost = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "portal-health"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse // a redirect is an answer
			},
		}
	}
	return &HTTPProbe{
		client:    client,
		userAgent: cfg.UserAgent,
		perHost:   rate.Limit(cfg.RatePerHost),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (p *HTTPProbe) Name() string          { return "http" }
func (p *HTTPProbe) Kind() types.ProbeKind { return types.KindReachability }

func (p *HTTPProbe) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(p.perHost, 1)
		p.limiters[host] = l
	}
	return l
}

// Execute issues desc.Method (default HEAD) against desc.Target.
func (p *HTTPProbe) Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading {
	return execute(ctx, desc.Name, func(ctx context.Context) (types.Reading, error) {
		u, err := url.Parse(desc.Target)
		if err != nil || u.Host == "" {
			return types.Reading{}, fmt.Errorf("invalid target URL %q", desc.Target)
		}

		if err := p.limiter(u.Host).Wait(ctx); err != nil {
			return types.Reading{}, fmt.Errorf("rate limit wait: %w", err)
		}

		method := strings.ToUpper(desc.Method)
		if method == "" {
			method = http.MethodHead
		}

		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return types.Reading{}, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", p.userAgent)

		start := time.Now()
		resp, err := p.client.Do(req)
		if err != nil {
			return types.Reading{}, fmt.Errorf("HTTP request: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		return types.Reading{
			Value:      elapsedMs(start),
			StatusCode: resp.StatusCode,
			Detail:     resp.Status,
		}, nil
	})
}
