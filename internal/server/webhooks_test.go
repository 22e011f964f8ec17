package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billingsync/internal/config"
	inferencedomain "github.com/smallbiznis/billingsync/internal/inference/domain"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type webhookSvcMock struct {
	mock.Mock
}

func (m *webhookSvcMock) ProcessEvent(ctx context.Context, payload []byte, signature string) (webhookdomain.Result, error) {
	args := m.Called(ctx, payload, signature)
	return args.Get(0).(webhookdomain.Result), args.Error(1)
}

type inferenceSvcMock struct {
	mock.Mock
}

func (m *inferenceSvcMock) Execute(ctx context.Context, accountID snowflake.ID, model, prompt string) (*inferencedomain.Execution, error) {
	args := m.Called(ctx, accountID, model, prompt)
	exec := args.Get(0)
	if exec == nil {
		return nil, args.Error(1)
	}
	return exec.(*inferencedomain.Execution), args.Error(1)
}

func newTestServer(t *testing.T, webhookSvc webhookdomain.Service, inferenceSvc inferencedomain.Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	engine := NewEngine()
	NewServer(ServerParams{
		Gin:          engine,
		Cfg:          config.Config{},
		Log:          zap.NewNop(),
		GenID:        node,
		WebhookSvc:   webhookSvc,
		InferenceSvc: inferenceSvc,
	})
	return engine
}

func postJSON(engine *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHandleWebhook_OK(t *testing.T) {
	payload := []byte(`{"meta":{"event_name":"subscription_created","webhook_id":"wh_1"}}`)

	webhookSvc := new(webhookSvcMock)
	webhookSvc.On("ProcessEvent", mock.Anything, payload, "sig_valid").
		Return(webhookdomain.Result{EventName: webhookdomain.EventSubscriptionCreated, Handled: true}, nil)

	engine := newTestServer(t, webhookSvc, new(inferenceSvcMock))
	w := postJSON(engine, "/api/v1/webhooks/lemonsqueezy", payload, map[string]string{"X-Signature": "sig_valid"})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, false, resp["duplicate"])
}

func TestHandleWebhook_DuplicateStillAcknowledged(t *testing.T) {
	payload := []byte(`{"meta":{"webhook_id":"wh_1"}}`)

	webhookSvc := new(webhookSvcMock)
	webhookSvc.On("ProcessEvent", mock.Anything, payload, "sig_valid").
		Return(webhookdomain.Result{Duplicate: true}, nil)

	engine := newTestServer(t, webhookSvc, new(inferenceSvcMock))
	w := postJSON(engine, "/api/v1/webhooks/lemonsqueezy", payload, map[string]string{"X-Signature": "sig_valid"})

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["duplicate"])
}

func TestHandleWebhook_ErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"missing signature", webhookdomain.ErrMissingSignature, http.StatusUnauthorized, "invalid_signature"},
		{"invalid signature", webhookdomain.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
		{"invalid payload", webhookdomain.ErrInvalidPayload, http.StatusBadRequest, "invalid_payload"},
		{"transition failure", webhookdomain.ErrSubscriptionNotFound, http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			webhookSvc := new(webhookSvcMock)
			webhookSvc.On("ProcessEvent", mock.Anything, mock.Anything, mock.Anything).
				Return(webhookdomain.Result{}, tc.err)

			engine := newTestServer(t, webhookSvc, new(inferenceSvcMock))
			w := postJSON(engine, "/api/v1/webhooks/lemonsqueezy", []byte(`{}`), nil)

			assert.Equal(t, tc.wantStatus, w.Code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantType, resp.Error.Type)
		})
	}
}

func TestHandleCreateCompletion_OK(t *testing.T) {
	node, _ := snowflake.NewNode(2)
	callID := node.Generate()

	inferenceSvc := new(inferenceSvcMock)
	inferenceSvc.On("Execute", mock.Anything, snowflake.ID(12345), "small-1", "hello").
		Return(&inferencedomain.Execution{CallID: callID, Output: "hi", Cost: 0.02}, nil)

	engine := newTestServer(t, new(webhookSvcMock), inferenceSvc)
	body := []byte(`{"account_id":"12345","model":"small-1","prompt":"hello"}`)
	w := postJSON(engine, "/api/v1/inference/completions", body, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp createCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, callID.String(), resp.CallID)
	assert.Equal(t, "hi", resp.Output)
	assert.InDelta(t, 0.02, resp.Cost, 1e-9)
}

func TestHandleCreateCompletion_BudgetExhausted(t *testing.T) {
	inferenceSvc := new(inferenceSvcMock)
	inferenceSvc.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, inferencedomain.ErrBudgetExhausted)

	engine := newTestServer(t, new(webhookSvcMock), inferenceSvc)
	body := []byte(`{"account_id":"12345","prompt":"hello"}`)
	w := postJSON(engine, "/api/v1/inference/completions", body, nil)

	// The breaker denial is deliberately opaque to clients.
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "service_overloaded", resp.Error.Type)
	assert.NotContains(t, w.Body.String(), "budget")
}

func TestHandleCreateCompletion_BadRequest(t *testing.T) {
	engine := newTestServer(t, new(webhookSvcMock), new(inferenceSvcMock))

	w := postJSON(engine, "/api/v1/inference/completions", []byte(`{"model":"small-1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(engine, "/api/v1/inference/completions", []byte(`{"account_id":"not-a-number","prompt":"x"}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
