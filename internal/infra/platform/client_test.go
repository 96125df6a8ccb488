package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type staticToken struct {
	token string
	err   error
	calls int
}

func (s *staticToken) Token(ctx context.Context) (string, error) {
	s.calls++
	return s.token, s.err
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *staticToken) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tokens := &staticToken{token: "tok"}
	c := NewClient(Config{
		SubscriptionID: "sub",
		ResourceGroup:  "rg",
		FactoryName:    "df",
		BaseURL:        srv.URL,
		Timeout:        5 * time.Second,
	}, tokens)
	return c, tokens
}

func TestQueryPipelineRuns_Paginates(t *testing.T) {
	var bodies []queryRequest
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/factories/df/queryPipelineRuns") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("api-version") != "2018-06-01" {
			t.Errorf("missing api-version, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		var body queryRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)

		w.Header().Set("Content-Type", "application/json")
		if body.ContinuationToken == "" {
			_, _ = w.Write([]byte(`{"value":[{"runId":"r1","pipelineName":"p","status":"Failed","message":"boom"}],"continuationToken":"next"}`))
			return
		}
		_, _ = w.Write([]byte(`{"value":[{"runId":"r2","pipelineName":"p","status":"Succeeded"}]}`))
	})

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	runs, err := c.QueryPipelineRuns(context.Background(), from, from.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("QueryPipelineRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r1" || runs[1].RunID != "r2" {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if runs[0].Message != "boom" {
		t.Errorf("message = %q", runs[0].Message)
	}
	if tokens.calls != 1 {
		t.Errorf("token calls = %d, want 1", tokens.calls)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(bodies))
	}
	f := bodies[0].Filters
	if len(f) != 1 || f[0].Operand != "Status" || f[0].Operator != "In" || len(f[0].Values) != 2 {
		t.Errorf("unexpected filters %+v", f)
	}
	if bodies[0].LastUpdatedAfter != "2024-01-01T00:00:00Z" || bodies[0].LastUpdatedBefore != "2024-01-01T10:00:00Z" {
		t.Errorf("unexpected window %+v", bodies[0])
	}
}

func TestQueryPipelineRuns_Errors(t *testing.T) {
	c, tokens := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	_, err := c.QueryPipelineRuns(context.Background(), time.Now().Add(-time.Hour), time.Now())
	var qe *QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QueryError, got %v", err)
	}
	if qe.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", qe.StatusCode)
	}

	tokens.err = errors.New("bad secret")
	_, err = c.QueryPipelineRuns(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if !errors.As(err, &qe) || qe.StatusCode != 0 {
		t.Fatalf("expected auth QueryError, got %v", err)
	}
}

func TestFailedActivity(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/pipelineruns/run-9/queryActivityruns") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"value":[
			{"activityName":"Lookup","status":"Succeeded"},
			{"activityName":"CopySales","status":"Failed"},
			{"activityName":"Notify","status":"Failed"}]}`))
	})

	name, err := c.FailedActivity(context.Background(), "run-9", time.Now().Add(-24*time.Hour), time.Now())
	if err != nil {
		t.Fatalf("FailedActivity: %v", err)
	}
	if name != "CopySales" {
		t.Errorf("activity = %q, want CopySales", name)
	}
}

func TestCreateRun_Parameters(t *testing.T) {
	tests := []struct {
		name string
		req  RerunRequest
		want map[string]string
		omit []string
	}{
		{
			name: "partial with activity",
			req:  RerunRequest{PipelineName: "p", ReferenceRunID: "r1", Recovery: true, StartActivity: "CopySales"},
			want: map[string]string{"referencePipelineRunId": "r1", "isRecovery": "true", "startActivityName": "CopySales"},
			omit: []string{"startFromFailure"},
		},
		{
			name: "partial from failure",
			req:  RerunRequest{PipelineName: "p", ReferenceRunID: "r1", Recovery: true},
			want: map[string]string{"isRecovery": "true", "startFromFailure": "true"},
			omit: []string{"startActivityName"},
		},
		{
			name: "full",
			req:  RerunRequest{PipelineName: "p", ReferenceRunID: "r1"},
			want: map[string]string{"referencePipelineRunId": "r1", "isRecovery": "false"},
			omit: []string{"startActivityName", "startFromFailure"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/pipelines/p/createRun") {
					http.NotFound(w, r)
					return
				}
				q := r.URL.Query()
				for k, v := range tt.want {
					if q.Get(k) != v {
						t.Errorf("%s = %q, want %q", k, q.Get(k), v)
					}
				}
				for _, k := range tt.omit {
					if q.Has(k) {
						t.Errorf("unexpected parameter %s", k)
					}
				}
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte(`{"runId":"new-run"}`))
			})

			id, err := c.CreateRun(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			if id != "new-run" {
				t.Errorf("run id = %q", id)
			}
		})
	}
}

func TestCreateRun_Rejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"BadRequest"}}`, http.StatusBadRequest)
	})

	_, err := c.CreateRun(context.Background(), RerunRequest{PipelineName: "p", ReferenceRunID: "r1"})
	var te *TriggerError
	if !errors.As(err, &te) {
		t.Fatalf("expected TriggerError, got %v", err)
	}
	if !te.Rejected() || te.StatusCode != http.StatusBadRequest {
		t.Errorf("expected rejection, got %+v", te)
	}
}

func TestCreateRun_AcceptedWithoutRunID(t *testing.T) {
	cases := map[string]func(w http.ResponseWriter){
		"empty body": func(w http.ResponseWriter) { w.WriteHeader(http.StatusAccepted) },
		"no runId": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		},
		"garbage": func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, respond := range cases {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { respond(w) })
			id, err := c.CreateRun(context.Background(), RerunRequest{PipelineName: "p", ReferenceRunID: "r1"})
			if err != nil {
				t.Fatalf("2xx must be accepted, got %v", err)
			}
			if id != "" {
				t.Errorf("run id = %q, want empty", id)
			}
		})
	}
}

func TestCreateRun_Transport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Config{SubscriptionID: "s", ResourceGroup: "r", FactoryName: "f", BaseURL: url}, &staticToken{token: "t"})
	_, err := c.CreateRun(context.Background(), RerunRequest{PipelineName: "p", ReferenceRunID: "r1"})
	var te *TriggerError
	if !errors.As(err, &te) {
		t.Fatalf("expected TriggerError, got %v", err)
	}
	if te.Rejected() {
		t.Error("transport failure must not count as rejection")
	}
}

func TestNewCredentials_Missing(t *testing.T) {
	_, err := NewCredentials(CredentialConfig{TenantID: "t"}, 0)
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if !strings.Contains(err.Error(), "client_id") || !strings.Contains(err.Error(), "client_secret") {
		t.Errorf("error should name missing values: %v", err)
	}
}

func TestCredentials_TokenFetchedPerCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tenant/oauth2/v2.0/token" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "cid" {
			t.Errorf("unexpected form %v", r.Form)
		}
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	creds, err := NewCredentials(CredentialConfig{
		TenantID:     "tenant",
		ClientID:     "cid",
		ClientSecret: "secret",
		AuthorityURL: srv.URL,
	}, time.Second)
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}

	for i := 0; i < 2; i++ {
		tok, err := creds.Token(context.Background())
		if err != nil {
			t.Fatalf("Token: %v", err)
		}
		if tok != "abc" {
			t.Errorf("token = %q", tok)
		}
	}
	if calls != 2 {
		t.Errorf("token endpoint calls = %d, want 2", calls)
	}
}
