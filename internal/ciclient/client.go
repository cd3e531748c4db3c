// Package ciclient is a stateless, retrying wrapper over the GitHub
// Actions REST API: the remote source of truth for the job queue and
// for registered self-hosted runner identities.
//
// Endpoint shapes and the retry/backoff loop are ported from the
// reference implementation's github/client.rs: three attempts total,
// backoff doubling from 1s, 401 fatal, 404 tolerated on delete.
package ciclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	apiBase             = "https://api.github.com"
	maxAttempts         = 3
	initialBackoff      = time.Second
	requestTimeout      = 30 * time.Second
	rateLimitLowWater   = 100
	userAgent           = "runner-controller/1.0"
	acceptHeader        = "application/vnd.github.v3+json"
	perPageRunners      = 100
)

// ErrUnauthorized is fatal: the configured token was rejected.
// Callers must treat this as a misconfiguration and stop, not retry.
var ErrUnauthorized = errors.New("ciclient: unauthorized (401), check GITHUB_TOKEN_FILE")

// ErrNotFound is returned for a non-retriable 404 on an operation
// other than delete (which instead tolerates 404 as success).
var ErrNotFound = errors.New("ciclient: resource not found (404)")

// ErrExhausted is returned once every retry attempt for a call has
// been spent.
var ErrExhausted = errors.New("ciclient: request failed after all retry attempts")

// Client is a stateless wrapper over one GitHub repository's Actions
// API. It carries no mutable state beyond its configuration; every
// method is independently retried and timed out.
type Client struct {
	httpClient *http.Client
	repo       string
	token      string
}

// New constructs a Client for repo (form "owner/name"), authenticated
// with token.
func New(repo, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		repo:       repo,
		token:      token,
	}
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, apiBase+endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// checkRateLimit logs a warning when the remaining quota is low. It
// never alters retry behavior; backoff on 403/429 is the enforcement
// mechanism.
func checkRateLimit(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	n, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	if n < rateLimitLowWater {
		log.Warn().Int("remaining", n).Msg("GitHub API rate limit low")
	}
}

// outcome classifies one HTTP attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetry
	outcomeFatal
	outcomeNotFound
)

func classify(status int) outcome {
	switch {
	case status == http.StatusUnauthorized:
		return outcomeFatal
	case status == http.StatusNotFound:
		return outcomeNotFound
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return outcomeRetry
	case status >= 500:
		return outcomeRetry
	case status >= 200 && status < 300:
		return outcomeSuccess
	default:
		return outcomeRetry
	}
}

// do runs the bounded-retry loop shared by every operation. expectNotFoundOK
// makes a terminal 404 succeed with a nil body instead of returning
// ErrNotFound (used only by delete-by-id).
func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, expectNotFoundOK bool) ([]byte, int, error) {
	backoff := initialBackoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := c.newRequest(ctx, method, endpoint, body)
		if err != nil {
			return nil, 0, fmt.Errorf("build request: %w", err)
		}

		log.Debug().Str("url", apiBase+endpoint).Int("attempt", attempt).Msg("CI API request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt).Msg("CI API request failed, retrying")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		checkRateLimit(resp)

		switch classify(resp.StatusCode) {
		case outcomeSuccess:
			if readErr != nil {
				return nil, resp.StatusCode, fmt.Errorf("read response body: %w", readErr)
			}
			return respBody, resp.StatusCode, nil
		case outcomeFatal:
			return nil, resp.StatusCode, ErrUnauthorized
		case outcomeNotFound:
			if expectNotFoundOK {
				return nil, resp.StatusCode, nil
			}
			return nil, resp.StatusCode, ErrNotFound
		default: // outcomeRetry
			lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
			log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt).Msg("CI API error, backing off")
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
	}

	if lastErr != nil {
		return nil, 0, fmt.Errorf("%w: %s: %w", ErrExhausted, endpoint, lastErr)
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrExhausted, endpoint)
}

// MintRegistrationCredential returns a fresh short-TTL one-shot
// registration token for new self-hosted runners.
func (c *Client) MintRegistrationCredential(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("/repos/%s/actions/runners/registration-token", c.repo)
	data, _, err := c.do(ctx, http.MethodPost, endpoint, nil, false)
	if err != nil {
		return "", err
	}

	var parsed registrationTokenResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("parse registration token response: %w", err)
	}
	return parsed.Token, nil
}

// ListRunners returns every registered self-hosted runner for the
// repository, one page of up to 100.
func (c *Client) ListRunners(ctx context.Context) ([]RunnerIdentity, error) {
	endpoint := fmt.Sprintf("/repos/%s/actions/runners?per_page=%d", c.repo, perPageRunners)
	data, _, err := c.do(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return nil, err
	}

	var parsed runnersResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse runners response: %w", err)
	}
	return parsed.Runners, nil
}

// DeleteRunnerByName resolves name to a runner id and deletes it.
// An absent name is treated as success.
func (c *Client) DeleteRunnerByName(ctx context.Context, name string) error {
	runners, err := c.ListRunners(ctx)
	if err != nil {
		return fmt.Errorf("list runners to resolve %s: %w", name, err)
	}

	var id uint64
	found := false
	for _, r := range runners {
		if r.Name == name {
			id = r.ID
			found = true
			break
		}
	}
	if !found {
		log.Debug().Str("name", name).Msg("runner not found, nothing to delete")
		return nil
	}

	endpoint := fmt.Sprintf("/repos/%s/actions/runners/%d", c.repo, id)
	_, _, err = c.do(ctx, http.MethodDelete, endpoint, nil, true)
	return err
}

// ListWorkflowRuns returns the ids of every workflow run in status.
func (c *Client) ListWorkflowRuns(ctx context.Context, status JobStatus) ([]uint64, error) {
	endpoint := fmt.Sprintf("/repos/%s/actions/runs?status=%s", c.repo, status)
	data, _, err := c.do(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return nil, err
	}

	var parsed workflowRunsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse workflow runs response: %w", err)
	}

	ids := make([]uint64, 0, len(parsed.WorkflowRuns))
	for _, r := range parsed.WorkflowRuns {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// ListJobsForRun returns every job belonging to runID.
func (c *Client) ListJobsForRun(ctx context.Context, runID uint64) ([]Job, error) {
	endpoint := fmt.Sprintf("/repos/%s/actions/runs/%d/jobs", c.repo, runID)
	data, _, err := c.do(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return nil, err
	}

	var parsed jobsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse jobs response: %w", err)
	}
	return parsed.Jobs, nil
}

// WaitingStatuses returns the fixed tuple of statuses Phase 2 gathers
// candidates from, in iteration order.
func WaitingStatuses() []JobStatus {
	out := make([]JobStatus, len(waitingStatuses))
	copy(out, waitingStatuses)
	return out
}
