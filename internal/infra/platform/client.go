// Package platform talks to the Azure Data Factory management REST API.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/remediator/internal/metrics"
)

const (
	defaultBaseURL    = "https://management.azure.com"
	defaultAPIVersion = "2018-06-01"

	StatusSucceeded = "Succeeded"
	StatusFailed    = "Failed"
)

// Config identifies the data factory.
type Config struct {
	SubscriptionID string        `yaml:"subscription_id"`
	ResourceGroup  string        `yaml:"resource_group"`
	FactoryName    string        `yaml:"factory_name"`
	APIVersion     string        `yaml:"api_version"`
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
}

// PipelineRun is a run summary returned by the query API.
type PipelineRun struct {
	RunID        string `json:"runId"`
	PipelineName string `json:"pipelineName"`
	Status       string `json:"status"`
	Message      string `json:"message"`
}

// RerunRequest describes a createRun call for an existing run.
type RerunRequest struct {
	PipelineName   string
	ReferenceRunID string
	Recovery       bool   // rerun from the point of failure
	StartActivity  string // resume point for a recovery run, empty = from failure
}

// Client is a Data Factory REST client.
type Client struct {
	factoryURL string
	apiVersion string
	tokens     TokenSource
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new client for one data factory.
func NewClient(cfg Config, tokens TokenSource) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		factoryURL: fmt.Sprintf(
			"%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.DataFactory/factories/%s",
			base,
			url.PathEscape(cfg.SubscriptionID),
			url.PathEscape(cfg.ResourceGroup),
			url.PathEscape(cfg.FactoryName),
		),
		apiVersion: apiVersion,
		tokens:     tokens,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: timeout,
	}
}

type runFilter struct {
	Operand  string   `json:"operand"`
	Operator string   `json:"operator"`
	Values   []string `json:"values"`
}

type queryRequest struct {
	LastUpdatedAfter  string      `json:"lastUpdatedAfter"`
	LastUpdatedBefore string      `json:"lastUpdatedBefore"`
	ContinuationToken string      `json:"continuationToken,omitempty"`
	Filters           []runFilter `json:"filters,omitempty"`
}

type queryRunsResponse struct {
	Value             []PipelineRun `json:"value"`
	ContinuationToken string        `json:"continuationToken"`
}

// httpStatusError carries a non-2xx answer.
type httpStatusError struct {
	code int
	body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}

// QueryPipelineRuns returns succeeded and failed runs updated in [from, to),
// following continuation tokens until the result set is exhausted.
func (c *Client) QueryPipelineRuns(ctx context.Context, from, to time.Time) ([]PipelineRun, error) {
	start := time.Now()
	defer func() {
		metrics.PlatformLatency.WithLabelValues("query_runs").Observe(time.Since(start).Seconds())
	}()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &QueryError{Op: "query runs", Err: err}
	}

	req := queryRequest{
		LastUpdatedAfter:  from.UTC().Format(time.RFC3339),
		LastUpdatedBefore: to.UTC().Format(time.RFC3339),
		Filters: []runFilter{{
			Operand:  "Status",
			Operator: "In",
			Values:   []string{StatusFailed, StatusSucceeded},
		}},
	}

	var runs []PipelineRun
	for page := 0; ; page++ {
		var resp queryRunsResponse
		if err := c.post(ctx, token, c.factoryURL+"/queryPipelineRuns", nil, req, &resp); err != nil {
			return nil, toQueryError("query runs", err)
		}
		runs = append(runs, resp.Value...)
		if resp.ContinuationToken == "" || resp.ContinuationToken == req.ContinuationToken {
			break
		}
		req.ContinuationToken = resp.ContinuationToken
	}
	return runs, nil
}

type activityRun struct {
	ActivityName string `json:"activityName"`
	Status       string `json:"status"`
}

type queryActivitiesResponse struct {
	Value []activityRun `json:"value"`
}

// FailedActivity returns the name of the first failed activity of a run,
// or an empty string when none failed.
func (c *Client) FailedActivity(ctx context.Context, runID string, from, to time.Time) (string, error) {
	start := time.Now()
	defer func() {
		metrics.PlatformLatency.WithLabelValues("query_activities").Observe(time.Since(start).Seconds())
	}()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", &QueryError{Op: "query activities", Err: err}
	}

	req := queryRequest{
		LastUpdatedAfter:  from.UTC().Format(time.RFC3339),
		LastUpdatedBefore: to.UTC().Format(time.RFC3339),
	}
	endpoint := fmt.Sprintf("%s/pipelineruns/%s/queryActivityruns", c.factoryURL, url.PathEscape(runID))

	var resp queryActivitiesResponse
	if err := c.post(ctx, token, endpoint, nil, req, &resp); err != nil {
		return "", toQueryError("query activities", err)
	}
	for _, a := range resp.Value {
		if a.Status == StatusFailed {
			return a.ActivityName, nil
		}
	}
	return "", nil
}

type createRunResponse struct {
	RunID string `json:"runId"`
}

// errBadBody marks a 2xx response whose body could not be decoded.
var errBadBody = errors.New("undecodable response body")

// CreateRun asks the platform to rerun a pipeline and returns the new run id.
// Any 2xx response means the rerun was accepted; the id is empty when the
// response did not carry one. It is never retried here.
func (c *Client) CreateRun(ctx context.Context, r RerunRequest) (string, error) {
	start := time.Now()
	defer func() {
		metrics.PlatformLatency.WithLabelValues("create_run").Observe(time.Since(start).Seconds())
	}()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", &TriggerError{Pipeline: r.PipelineName, Err: err}
	}

	params := url.Values{}
	params.Set("referencePipelineRunId", r.ReferenceRunID)
	params.Set("isRecovery", strconv.FormatBool(r.Recovery))
	if r.Recovery {
		if r.StartActivity != "" {
			params.Set("startActivityName", r.StartActivity)
		} else {
			params.Set("startFromFailure", "true")
		}
	}
	endpoint := fmt.Sprintf("%s/pipelines/%s/createRun", c.factoryURL, url.PathEscape(r.PipelineName))

	var resp createRunResponse
	err = c.post(ctx, token, endpoint, params, struct{}{}, &resp)
	if errors.Is(err, errBadBody) {
		slog.Warn("Rerun accepted with an unreadable response", "pipeline", r.PipelineName, "error", err)
		return "", nil
	}
	if err != nil {
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) {
			return "", &TriggerError{
				Pipeline:   r.PipelineName,
				StatusCode: statusErr.code,
				Body:       statusErr.body,
				Err:        err,
			}
		}
		return "", &TriggerError{Pipeline: r.PipelineName, Err: err}
	}
	if resp.RunID == "" {
		slog.Warn("Rerun accepted without a run id", "pipeline", r.PipelineName)
	}
	return resp.RunID, nil
}

func toQueryError(op string, err error) error {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return &QueryError{Op: op, StatusCode: statusErr.code, Err: err}
	}
	return &QueryError{Op: op, Err: err}
}

func (c *Client) post(
	ctx context.Context,
	token, endpoint string,
	params url.Values,
	body any,
	out any,
) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if params == nil {
		params = url.Values{}
	}
	params.Set("api-version", c.apiVersion)

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+params.Encode(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	default:
		return &httpStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w: %w", errBadBody, err)
	}
	return nil
}
