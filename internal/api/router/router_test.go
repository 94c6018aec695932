package router_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/swarm-market/internal/api/dto"
	"github.com/cuongbtq/swarm-market/internal/api/handler"
	"github.com/cuongbtq/swarm-market/internal/api/router"
	"github.com/cuongbtq/swarm-market/internal/crew"
	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/engine"
	"github.com/cuongbtq/swarm-market/internal/market/execution"
	"github.com/cuongbtq/swarm-market/internal/market/keylock"
	"github.com/cuongbtq/swarm-market/internal/market/settlement"
	"github.com/cuongbtq/swarm-market/internal/market/storage/memory"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	market *engine.Marketplace
}

func newTestServer(t *testing.T, checks map[string]handler.HealthCheck) *testServer {
	t.Helper()
	return newTestServerWith(t, handler.Dependencies{HealthChecks: checks})
}

func newTestServerWith(t *testing.T, deps handler.Dependencies) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.DiscardHandler)

	opts := engine.Options{
		Queue: execution.Config{
			Workers:         2,
			MaxAttempts:     2,
			Backoff:         execution.Backoff{Base: 10 * time.Millisecond},
			ProgressTimeout: 5 * time.Second,
		},
		SubscriberBuffer: 128,
	}
	sim := engine.NewSimulated(opts, crew.SimulatedAgent{}, logger)

	// Live attempts are handed off and finished through the callback routes
	live := engine.New(domain.ModeLive, opts, engine.Backends{
		RegistryStore: memory.NewRegistryStore(),
		LedgerStore:   memory.NewLedgerStore(),
		TaskStore:     memory.NewTaskStore(),
		Chain:         settlement.NewSimulated(),
		Locker:        keylock.NewLocal(),
		Executor: execution.ExecutorFunc(func(context.Context, *domain.WorkOrder, func(domain.Progress)) (*domain.Result, error) {
			return nil, execution.ErrAwaitReport
		}),
	}, logger)

	m := engine.NewMarketplace(domain.ModeSimulated, logger, sim, live)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	deps.Logger = logger
	deps.Market = m
	deps.ServiceName = "swarm-market-api"
	r := router.SetupRouter(&deps)
	return &testServer{router: r, market: m}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func as(actor string, mode domain.Mode) map[string]string {
	h := map[string]string{handler.HeaderActor: actor}
	if mode != "" {
		h[handler.HeaderMode] = string(mode)
	}
	return h
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, w.Code, w.Body.String())
	resp := decode[dto.ErrorResponse](t, w)
	assert.Equal(t, code, resp.Code)
	assert.NotEmpty(t, resp.Message)
}

func TestHealth(t *testing.T) {
	t.Run("all components healthy", func(t *testing.T) {
		s := newTestServer(t, map[string]handler.HealthCheck{
			"postgres": func(context.Context) error { return nil },
		})
		w := s.do(t, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		resp := decode[map[string]any](t, w)
		assert.Equal(t, "healthy", resp["status"])
		assert.Equal(t, "swarm-market-api", resp["service"])
	})

	t.Run("failing component", func(t *testing.T) {
		s := newTestServer(t, map[string]handler.HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		})
		w := s.do(t, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)

		resp := decode[map[string]any](t, w)
		assert.Equal(t, "degraded", resp["status"])
		assert.Equal(t, map[string]any{"postgres": "healthy", "redis": "unhealthy"}, resp["components"])
	})
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		headers    map[string]string
		wantStatus int
		wantCode   string
	}{
		{
			name:       "valid job",
			body:       dto.CreateJobRequest{Title: "Login fails", Description: "Error on login", PaymentAmount: 100},
			headers:    as("alice", ""),
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing title",
			body:       map[string]any{"description": "Error on login", "payment_amount": 100},
			headers:    as("alice", ""),
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION",
		},
		{
			name:       "non-positive payment",
			body:       map[string]any{"title": "t", "description": "d", "payment_amount": -5},
			headers:    as("alice", ""),
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION",
		},
		{
			name:       "no client",
			body:       dto.CreateJobRequest{Title: "t", Description: "d", PaymentAmount: 1},
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION",
		},
		{
			name:       "unknown mode",
			body:       dto.CreateJobRequest{Title: "t", Description: "d", PaymentAmount: 1},
			headers:    as("alice", "production"),
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			w := s.do(t, http.MethodPost, "/api/v1/jobs", tt.body, tt.headers)

			if tt.wantCode != "" {
				assertError(t, w, tt.wantStatus, tt.wantCode)
				return
			}
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			job := decode[dto.JobDTO](t, w)
			assert.NotEmpty(t, job.ID)
			assert.Equal(t, "alice", job.ClientID)
			assert.Equal(t, string(domain.JobStatusOpen), job.Status)
		})
	}
}

func TestCreateJob_ValidationMessages(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantMessage string
	}{
		{name: "missing fields", body: `{"payment_amount": 100}`, wantMessage: "title is required; description is required"},
		{name: "non-positive payment", body: `{"title": "t", "description": "d", "payment_amount": 0}`, wantMessage: "payment_amount is required"},
		{name: "negative payment", body: `{"title": "t", "description": "d", "payment_amount": -5}`, wantMessage: "payment_amount must be greater than 0"},
		{name: "wrong type", body: `{"title": "t", "description": "d", "payment_amount": "lots"}`, wantMessage: "payment_amount has the wrong type"},
		{name: "malformed json", body: `{"title": `, wantMessage: "Invalid request body"},
	}

	s := newTestServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(handler.HeaderActor, "alice")
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			assertError(t, w, http.StatusBadRequest, "VALIDATION")
			assert.Equal(t, tt.wantMessage, decode[dto.ErrorResponse](t, w).Message)
			for _, leak := range []string{"Key:", "CreateJobRequest", "Go struct", "int64", "unmarshal"} {
				assert.NotContains(t, w.Body.String(), leak)
			}
		})
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/api/v1/jobs/missing", nil, nil)
	assertError(t, w, http.StatusNotFound, "JOB_NOT_FOUND")
}

func TestModesAreIsolated(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodPost, "/api/v1/jobs",
		dto.CreateJobRequest{Title: "t", Description: "d", PaymentAmount: 1}, as("alice", domain.ModeSimulated))
	require.Equal(t, http.StatusCreated, w.Code)
	job := decode[dto.JobDTO](t, w)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil, as("alice", domain.ModeLive))
	assertError(t, w, http.StatusNotFound, "JOB_NOT_FOUND")

	// "demo" is an alias of simulated
	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID, nil, as("alice", "demo"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListJobs_Pagination(t *testing.T) {
	s := newTestServer(t, nil)
	for i := 0; i < 3; i++ {
		w := s.do(t, http.MethodPost, "/api/v1/jobs",
			dto.CreateJobRequest{Title: "job", Description: "d", PaymentAmount: 10}, as("alice", ""))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := s.do(t, http.MethodGet, "/api/v1/jobs?client_id=alice&page_size=2", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[dto.ListJobsResponse](t, w)
	assert.Len(t, page.Jobs, 2)
	require.NotEmpty(t, page.NextCursor)

	w = s.do(t, http.MethodGet, "/api/v1/jobs?client_id=alice&page_size=2&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	next := decode[dto.ListJobsResponse](t, w)
	assert.Len(t, next.Jobs, 1)
	assert.Empty(t, next.NextCursor)

	seen := map[string]bool{}
	for _, j := range append(page.Jobs, next.Jobs...) {
		assert.False(t, seen[j.ID], "job listed twice")
		seen[j.ID] = true
	}

	w = s.do(t, http.MethodGet, "/api/v1/jobs?cursor=not-base64!", nil, nil)
	assertError(t, w, http.StatusBadRequest, "VALIDATION")

	w = s.do(t, http.MethodGet, "/api/v1/jobs?status=LOST", nil, nil)
	assertError(t, w, http.StatusBadRequest, "VALIDATION")
}

type liveFixture struct {
	jobID   string
	bidID   string
	swarmID string
}

func setupLiveJob(t *testing.T, s *testServer, amount int64) liveFixture {
	t.Helper()
	client := as("alice", domain.ModeLive)
	owner := as("bob", domain.ModeLive)

	w := s.do(t, http.MethodPost, "/api/v1/accounts/alice/deposit", dto.DepositRequest{Amount: amount}, client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/swarms", dto.CreateSwarmRequest{
		Name: "support crew",
		Agents: []dto.AgentRequest{
			{Role: "ROUTER", Address: "router-1"},
			{Role: "WORKER", Address: "worker-1"},
			{Role: "QA", Address: "qa-1"},
		},
	}, owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	swarm := decode[dto.SwarmDTO](t, w)
	assert.Equal(t, "bob", swarm.OwnerID)
	assert.Len(t, swarm.Agents, 3)

	w = s.do(t, http.MethodPost, "/api/v1/jobs",
		dto.CreateJobRequest{Title: "Login fails", Description: "Error after deploy", PaymentAmount: amount}, client)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	job := decode[dto.JobDTO](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/bids",
		dto.SubmitBidRequest{SwarmID: swarm.ID, Price: amount, EstimatedTimeHours: 2}, owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bid := decode[dto.BidDTO](t, w)

	return liveFixture{jobID: job.ID, bidID: bid.ID, swarmID: swarm.ID}
}

func TestLiveExecution_Callbacks(t *testing.T) {
	s := newTestServer(t, nil)
	fx := setupLiveJob(t, s, 400)
	client := as("alice", domain.ModeLive)

	w := s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID+"/bids", nil, client)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dto.ListBidsResponse](t, w).Bids, 1)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+fx.jobID+"/accept", dto.AcceptBidRequest{BidID: fx.bidID}, client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, fx.swarmID, decode[dto.JobDTO](t, w).AssignedSwarmID)

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID, nil, client)
		return w.Code == http.StatusOK && decode[dto.JobDTO](t, w).Status == string(domain.JobStatusInProgress)
	}, 2*time.Second, 10*time.Millisecond)

	callback := "/api/v1/executions/" + fx.jobID + "/attempts/1"

	// Runners post without a mode header
	w = s.do(t, http.MethodPost, callback, dto.ProgressReport{Stage: "worker", Message: "resolving", Progress: 40}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/executions/"+fx.jobID+"/attempts/2", dto.ProgressReport{Stage: "worker", Progress: 40}, nil)
	assertError(t, w, http.StatusConflict, "STALE_ATTEMPT")

	w = s.do(t, http.MethodPost, "/api/v1/executions/"+fx.jobID+"/attempts/zero", dto.ProgressReport{Stage: "worker"}, nil)
	assertError(t, w, http.StatusBadRequest, "VALIDATION")

	w = s.do(t, http.MethodPost, callback+"/result", dto.ResultReport{Result: domain.Result{
		Success:     true,
		FinalOutput: "QA Review: approved",
		ResultHash:  "ipfs://QmResult",
	}}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// A repeated success report is accepted
	w = s.do(t, http.MethodPost, callback+"/result", dto.ResultReport{Result: domain.Result{Success: true, ResultHash: "ipfs://QmResult"}}, nil)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID, nil, client)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, string(domain.JobStatusCompleted), job.Status)
	assert.Equal(t, "ipfs://QmResult", job.ResultHash)

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID+"/execution", nil, client)
	require.Equal(t, http.StatusOK, w.Code)
	task := decode[domain.Task](t, w)
	assert.Equal(t, domain.TaskStatusSucceeded, task.Status)

	for addr, want := range map[string]int64{"alice": 0, "router-1": 100, "worker-1": 200, "qa-1": 100} {
		w = s.do(t, http.MethodGet, "/api/v1/accounts/"+addr, nil, client)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, want, decode[domain.Account](t, w).AvailableBalance, addr)
	}

	w = s.do(t, http.MethodGet, "/api/v1/accounts/alice/transactions?limit=10", nil, client)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dto.ListTransactionsResponse](t, w).Transactions, 3)

	w = s.do(t, http.MethodGet, "/api/v1/swarms/"+fx.swarmID, nil, client)
	require.Equal(t, http.StatusOK, w.Code)
	for _, a := range decode[dto.SwarmDTO](t, w).Agents {
		assert.Equal(t, 1, a.TasksCompleted, a.Address)
	}
}

func TestLiveExecution_CallbackToken(t *testing.T) {
	s := newTestServerWith(t, handler.Dependencies{CallbackToken: "s3cret"})
	fx := setupLiveJob(t, s, 400)
	client := as("alice", domain.ModeLive)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+fx.jobID+"/accept", dto.AcceptBidRequest{BidID: fx.bidID}, client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID, nil, client)
		return w.Code == http.StatusOK && decode[dto.JobDTO](t, w).Status == string(domain.JobStatusInProgress)
	}, 2*time.Second, 10*time.Millisecond)

	callback := "/api/v1/executions/" + fx.jobID + "/attempts/1"
	report := dto.ProgressReport{Stage: "worker", Progress: 40}

	w = s.do(t, http.MethodPost, callback, report, nil)
	assertError(t, w, http.StatusUnauthorized, "UNAUTHORIZED")

	w = s.do(t, http.MethodPost, callback+"/result", dto.ResultReport{Result: domain.Result{Success: true}}, map[string]string{handler.HeaderCallbackToken: "guess"})
	assertError(t, w, http.StatusUnauthorized, "UNAUTHORIZED")

	w = s.do(t, http.MethodPost, callback, report, map[string]string{handler.HeaderCallbackToken: "s3cret"})
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// rejected callbacks never reached the job
	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID, nil, client)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(domain.JobStatusInProgress), decode[dto.JobDTO](t, w).Status)
}

func TestLiveExecution_FailedAttemptRetries(t *testing.T) {
	s := newTestServer(t, nil)
	fx := setupLiveJob(t, s, 100)
	client := as("alice", domain.ModeLive)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+fx.jobID+"/accept", dto.AcceptBidRequest{BidID: fx.bidID}, client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID, nil, client)
		return decode[dto.JobDTO](t, w).Status == string(domain.JobStatusInProgress)
	}, 2*time.Second, 10*time.Millisecond)

	w = s.do(t, http.MethodPost, "/api/v1/executions/"+fx.jobID+"/attempts/1/result",
		dto.ResultReport{Error: "agent service unavailable", Retryable: true}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID+"/execution", nil, client)
		task := decode[domain.Task](t, w)
		return task.Attempt == 2 && task.Status == domain.TaskStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	w = s.do(t, http.MethodPost, "/api/v1/executions/"+fx.jobID+"/attempts/2/result",
		dto.ResultReport{Error: "model refused the ticket"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID, nil, client)
	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, string(domain.JobStatusDisputed), job.Status)

	// Funds stay held until the dispute is settled
	w = s.do(t, http.MethodGet, "/api/v1/accounts/alice", nil, client)
	assert.Equal(t, int64(100), decode[domain.Account](t, w).HeldBalance)

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+fx.jobID+"/settle", dto.SettleDisputeRequest{Resolution: "REFUND"}, client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(domain.ResolutionRefund), decode[dto.JobDTO](t, w).Resolution)

	w = s.do(t, http.MethodGet, "/api/v1/accounts/alice", nil, client)
	acc := decode[domain.Account](t, w)
	assert.Equal(t, int64(100), acc.AvailableBalance)
	assert.Equal(t, int64(0), acc.HeldBalance)
}

func TestAcceptBid_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	fx := setupLiveJob(t, s, 100)

	w := s.do(t, http.MethodPost, "/api/v1/jobs/"+fx.jobID+"/accept", dto.AcceptBidRequest{BidID: fx.bidID}, as("mallory", domain.ModeLive))
	assertError(t, w, http.StatusForbidden, "NOT_JOB_CLIENT")

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+fx.jobID+"/accept", dto.AcceptBidRequest{BidID: "nope"}, as("alice", domain.ModeLive))
	assertError(t, w, http.StatusNotFound, "BID_NOT_FOUND")

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+fx.jobID+"/bids",
		dto.SubmitBidRequest{SwarmID: fx.swarmID, Price: 90, EstimatedTimeHours: 1}, as("bob", domain.ModeLive))
	assertError(t, w, http.StatusConflict, "DUPLICATE_BID")
}

func TestAcceptBid_InsufficientBalance(t *testing.T) {
	s := newTestServer(t, nil)
	fx := setupLiveJob(t, s, 100)
	client := as("alice", domain.ModeLive)

	// Spend the deposit on a second job first
	w := s.do(t, http.MethodPost, "/api/v1/jobs",
		dto.CreateJobRequest{Title: "Other", Description: "d", PaymentAmount: 100}, client)
	require.Equal(t, http.StatusCreated, w.Code)
	other := decode[dto.JobDTO](t, w)
	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+other.ID+"/bids",
		dto.SubmitBidRequest{SwarmID: fx.swarmID, Price: 100, EstimatedTimeHours: 1}, as("bob", domain.ModeLive))
	require.Equal(t, http.StatusCreated, w.Code)
	bid := decode[dto.BidDTO](t, w)
	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+other.ID+"/accept", dto.AcceptBidRequest{BidID: bid.ID}, client)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/jobs/"+fx.jobID+"/accept", dto.AcceptBidRequest{BidID: fx.bidID}, client)
	assertError(t, w, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE")

	w = s.do(t, http.MethodGet, "/api/v1/jobs/"+fx.jobID, nil, client)
	assert.Equal(t, string(domain.JobStatusOpen), decode[dto.JobDTO](t, w).Status)
}

type sseEvent struct {
	name string
	data string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var evt sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if evt.name != "" || evt.data != "" {
				return evt
			}
		case strings.HasPrefix(line, "event:"):
			evt.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			evt.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events?channel=marketplace&mode=simulated", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "connected", readEvent(t, reader).name)

	w := s.do(t, http.MethodPost, "/api/v1/jobs",
		dto.CreateJobRequest{Title: "Streamed", Description: "d", PaymentAmount: 5}, as("alice", ""))
	require.Equal(t, http.StatusCreated, w.Code)
	job := decode[dto.JobDTO](t, w)

	var evt sseEvent
	for evt.name != "job_posted" {
		evt = readEvent(t, reader)
	}
	var msg struct {
		Kind  string            `json:"kind"`
		Seqs  map[string]uint64 `json:"seqs"`
		Event struct {
			JobID string `json:"job_id"`
			Title string `json:"title"`
		} `json:"event"`
	}
	require.NoError(t, json.Unmarshal([]byte(evt.data), &msg))
	assert.Equal(t, "job_posted", msg.Kind)
	assert.Equal(t, job.ID, msg.Event.JobID)
	assert.Equal(t, uint64(1), msg.Seqs["marketplace"])
}

func TestEventStream_InvalidChannel(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodGet, "/api/v1/events?channel=everything", nil, nil)
	assertError(t, w, http.StatusBadRequest, "VALIDATION")

	w = s.do(t, http.MethodGet, "/api/v1/events", nil, nil)
	assertError(t, w, http.StatusBadRequest, "VALIDATION")
}

func TestActivityAndStats(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(t, http.MethodPost, "/api/v1/swarms",
		dto.CreateSwarmRequest{Name: "crew", Agents: []dto.AgentRequest{{Role: "WORKER", Address: "w-1"}}}, as("bob", ""))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/v1/activity", nil, nil)
		var snap struct {
			Swarms []struct {
				Name string `json:"name"`
			} `json:"swarms"`
		}
		return json.Unmarshal(w.Body.Bytes(), &snap) == nil && len(snap.Swarms) == 1 && snap.Swarms[0].Name == "crew"
	}, time.Second, 10*time.Millisecond)

	w = s.do(t, http.MethodGet, "/api/v1/events/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]any](t, w)
	assert.GreaterOrEqual(t, stats["published"], float64(1))

	w = s.do(t, http.MethodGet, "/api/v1/swarms?owner_id=bob", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dto.ListSwarmsResponse](t, w).Swarms, 1)
}
