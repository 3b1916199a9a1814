package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/pilot-net/portal-health/pkg/types"
)

// GitHubConfig holds configuration for the GitHub Actions probe.
type GitHubConfig struct {
	BaseURL   string // default: https://api.github.com
	Token     string // optional; unauthenticated requests are heavily rate limited
	RateLimit int    // requests per minute (default: 30)
	Client    *http.Client
}

// failedConclusions are run conclusions that mark the pipeline degraded.
var failedConclusions = map[string]bool{
	"failure":         true,
	"timed_out":       true,
	"startup_failure": true,
}

// GitHubProbe reports the latest workflow run of a repository.
//
// desc.Target is "owner/repo". Optional params: "workflow" (file name or
// ID, narrows to one workflow) and "branch". The reading value is the API
// latency; a failed latest run sets Degraded.
type GitHubProbe struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewGitHubProbe creates the github_actions probe.
func NewGitHubProbe(cfg GitHubConfig, logger *slog.Logger) *GitHubProbe {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 30
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &GitHubProbe{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		httpClient:  client,
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimit)/60.0), 1),
		logger:      logger.With("component", "github_probe"),
	}
}

func (p *GitHubProbe) Name() string          { return "github_actions" }
func (p *GitHubProbe) Kind() types.ProbeKind { return types.KindReachability }

func (p *GitHubProbe) runsURL(desc types.ProbeDescriptor) (string, error) {
	parts := strings.Split(desc.Target, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("target must be owner/repo, got %q", desc.Target)
	}

	path := fmt.Sprintf("/repos/%s/%s/actions/runs", url.PathEscape(parts[0]), url.PathEscape(parts[1]))
	if wf := desc.Param("workflow", ""); wf != "" {
		path = fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/runs",
			url.PathEscape(parts[0]), url.PathEscape(parts[1]), url.PathEscape(wf))
	}

	q := url.Values{}
	q.Set("per_page", "1")
	if branch := desc.Param("branch", ""); branch != "" {
		q.Set("branch", branch)
	}
	return p.baseURL + path + "?" + q.Encode(), nil
}

func (p *GitHubProbe) Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading {
	return execute(ctx, desc.Name, func(ctx context.Context) (types.Reading, error) {
		u, err := p.runsURL(desc)
		if err != nil {
			return types.Reading{}, err
		}

		if err := p.rateLimiter.Wait(ctx); err != nil {
			return types.Reading{}, fmt.Errorf("rate limit wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return types.Reading{}, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if p.token != "" {
			req.Header.Set("Authorization", "Bearer "+p.token)
		}

		start := time.Now()
		resp, err := p.httpClient.Do(req)
		if err != nil {
			return types.Reading{}, fmt.Errorf("HTTP request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		latency := elapsedMs(start)
		if err != nil {
			return types.Reading{}, fmt.Errorf("read response body: %w", err)
		}

		reading := types.Reading{Value: latency, StatusCode: resp.StatusCode}
		if resp.StatusCode != http.StatusOK {
			reading.Detail = fmt.Sprintf("GitHub API %d: %s", resp.StatusCode, gjson.GetBytes(body, "message").String())
			p.logger.Debug("workflow runs request failed", "target", desc.Target, "status", resp.StatusCode)
			return reading, nil
		}

		run := gjson.GetBytes(body, "workflow_runs.0")
		if !run.Exists() {
			reading.Detail = "no workflow runs"
			return reading, nil
		}

		status := run.Get("status").String()
		conclusion := run.Get("conclusion").String()
		outcome := status
		if status == "completed" && conclusion != "" {
			outcome = conclusion
		}
		reading.Degraded = status == "completed" && failedConclusions[conclusion]
		reading.Detail = fmt.Sprintf("%s #%d %s on %s",
			run.Get("name").String(),
			run.Get("run_number").Int(),
			outcome,
			run.Get("head_branch").String())
		return reading, nil
	})
}
