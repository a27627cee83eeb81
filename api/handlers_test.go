/*
handlers_test.go - End-to-end tests of the HTTP surface

Tests for:
- Envelope shape and kind to status mapping
- Auth: register, login, protected routes
- Campaign and contribution flows over HTTP
- Rate limiting, 404 route listing, 405
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/friendfund/backend/api"
	"github.com/friendfund/backend/identity"
	"github.com/friendfund/backend/ledger"
	"github.com/friendfund/backend/ledger/store"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Field   string          `json:"field"`
}

type testServer struct {
	*httptest.Server
	t *testing.T
}

func newTestServer(t *testing.T, opts api.Options) *testServer {
	t.Helper()
	mem := store.NewTxMemory()
	svc := ledger.NewService(mem, ledger.DefaultConfig())
	idp, err := identity.NewLocal(mem, identity.Config{Secret: []byte("test-secret"), TTL: time.Hour, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(svc, idp, nil), opts))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, t: t}
}

func (s *testServer) do(method, path, token string, body any) (int, envelope, http.Header) {
	s.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.send(req)
}

func (s *testServer) send(req *http.Request) (int, envelope, http.Header) {
	s.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(s.t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env, resp.Header
}

func (s *testServer) register(name, email string) (string, string) {
	s.t.Helper()
	status, env, _ := s.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": name, "email": email, "password": "correct horse",
	})
	require.Equal(s.t, http.StatusCreated, status, env.Error)
	var session api.SessionDTO
	require.NoError(s.t, json.Unmarshal(env.Data, &session))
	return session.Token, session.User.ID
}

func (s *testServer) createCampaign(token, target string) api.CampaignDTO {
	s.t.Helper()
	status, env, _ := s.do(http.MethodPost, "/api/campaigns", token, map[string]any{
		"title": "Surgery fund", "purpose": "medical", "targetAmount": target, "repaymentDueDate": "2026-12-31",
	})
	require.Equal(s.t, http.StatusCreated, status, env.Error)
	var c api.CampaignDTO
	require.NoError(s.t, json.Unmarshal(env.Data, &c))
	return c
}

func contribution(campaignID, amount, utr string) map[string]any {
	return map[string]any{"campaignId": campaignID, "amount": amount, "utr": utr, "type": "donation", "contributorName": "Ravi"}
}

func TestAuth_RegisterLoginMe(t *testing.T) {
	s := newTestServer(t, api.Options{})
	token, id := s.register("Asha", "asha@example.com")

	status, env, _ := s.do(http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, status)
	var me api.UserDTO
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, id, me.ID)
	assert.Equal(t, "asha@example.com", me.Email)

	status, env, _ = s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"email": "asha@example.com", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthenticated", env.Code)

	status, _, _ = s.do(http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _, _ = s.do(http.MethodGet, "/api/auth/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env, _ = s.do(http.MethodPut, "/api/auth/preferences", token, map[string]any{"emailNotifications": false})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.Equal(t, false, me.Preferences["emailNotifications"])

	// Taken email is a validation error on the email field.
	status, env, _ = s.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"name": "Other", "email": "ASHA@example.com", "password": "another pass",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "email", env.Field)
}

func TestCampaign_ContributeUntilCompleted(t *testing.T) {
	s := newTestServer(t, api.Options{})
	token, _ := s.register("Asha", "asha@example.com")

	// GIVEN a campaign with target 1000.00
	c := s.createCampaign(token, "1000")
	assert.Equal(t, "1000.00", c.TargetAmount)
	assert.Equal(t, "0.00", c.CollectedAmount)
	assert.Equal(t, "active", c.Status)

	// WHEN guests contribute 600 and 400
	status, env, _ := s.do(http.MethodPost, "/api/contributions", "", contribution(c.ID, "600.00", "111111111111"))
	require.Equal(t, http.StatusCreated, status, env.Error)
	status, env, _ = s.do(http.MethodPost, "/api/contributions", "", contribution(c.ID, "400.00", "222222222222"))
	require.Equal(t, http.StatusCreated, status, env.Error)

	// THEN the campaign is completed and further contributions are refused
	status, env, _ = s.do(http.MethodPost, "/api/contributions", "", contribution(c.ID, "50.00", "333333333333"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "CampaignClosed", env.Code)
	assert.False(t, env.Success)

	status, env, _ = s.do(http.MethodGet, "/api/campaigns/"+c.ID, "", nil)
	require.Equal(t, http.StatusOK, status)
	var detail api.CampaignDetailDTO
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.Equal(t, "1000.00", detail.CollectedAmount)
	assert.Equal(t, "completed", detail.Status)
	assert.Equal(t, "100", detail.Progress)
	assert.Equal(t, "Asha", detail.HostName)
	assert.Len(t, detail.Contributions, 2)
	assert.Equal(t, "400.00", detail.Contributions[0].Amount)
}

func TestContribution_DuplicateUTR(t *testing.T) {
	s := newTestServer(t, api.Options{})
	token, _ := s.register("Asha", "asha@example.com")
	c := s.createCampaign(token, "5000")

	status, _, _ := s.do(http.MethodPost, "/api/contributions", "", contribution(c.ID, "100", "123456789012"))
	require.Equal(t, http.StatusCreated, status)

	status, env, _ := s.do(http.MethodPost, "/api/contributions", "", contribution(c.ID, "100", "123456789012"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "DuplicatePayment", env.Code)

	status, env, _ = s.do(http.MethodGet, "/api/campaigns/"+c.ID+"/duplicate-check?utr=123456789012", "", nil)
	require.Equal(t, http.StatusOK, status)
	var dup api.DuplicateCheckDTO
	require.NoError(t, json.Unmarshal(env.Data, &dup))
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, 1, dup.MatchCount)

	status, env, _ = s.do(http.MethodPost, "/api/contributions", "", contribution(c.ID, "100", "12345"))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidArgument", env.Code)
	assert.Equal(t, "utr", env.Field)
}

func TestCampaign_HostOnlyActions(t *testing.T) {
	s := newTestServer(t, api.Options{})
	host, _ := s.register("Asha", "asha@example.com")
	other, _ := s.register("Ravi", "ravi@example.com")
	c := s.createCampaign(host, "500")

	status, _, _ := s.do(http.MethodPost, "/api/campaigns", "", map[string]any{"title": "x", "targetAmount": "1"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env, _ := s.do(http.MethodPut, "/api/campaigns/"+c.ID, other, map[string]any{"title": "Mine now"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Unauthorized", env.Code)

	status, env, _ = s.do(http.MethodPut, "/api/campaigns/"+c.ID, host, map[string]any{"title": "Knee surgery"})
	require.Equal(t, http.StatusOK, status)
	var updated api.CampaignDTO
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, "Knee surgery", updated.Title)

	status, env, _ = s.do(http.MethodGet, "/api/me/campaigns", host, nil)
	require.Equal(t, http.StatusOK, status)
	var mine []api.CampaignDTO
	require.NoError(t, json.Unmarshal(env.Data, &mine))
	assert.Len(t, mine, 1)

	status, _, _ = s.do(http.MethodDelete, "/api/campaigns/"+c.ID, other, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _, _ = s.do(http.MethodDelete, "/api/campaigns/"+c.ID, host, nil)
	assert.Equal(t, http.StatusOK, status)
	status, env, _ = s.do(http.MethodGet, "/api/campaigns/"+c.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", env.Code)
}

func TestLoan_RepaymentFlow(t *testing.T) {
	s := newTestServer(t, api.Options{})
	host, _ := s.register("Asha", "asha@example.com")
	lender, _ := s.register("Ravi", "ravi@example.com")
	c := s.createCampaign(host, "5000")

	loan := contribution(c.ID, "200", "100000000001")
	loan["type"] = "loan"
	status, env, _ := s.do(http.MethodPost, "/api/contributions", lender, loan)
	require.Equal(t, http.StatusCreated, status, env.Error)
	var contrib api.ContributionDTO
	require.NoError(t, json.Unmarshal(env.Data, &contrib))
	assert.Equal(t, "pending", contrib.RepaymentStatus)
	require.NotNil(t, contrib.RepaymentDueDate)

	// Lender claims repayment; host confirms.
	status, env, _ = s.do(http.MethodPost, "/api/contributions/"+contrib.ID+"/repayments", lender,
		map[string]any{"amount": "200", "utr": "900000000001"})
	require.Equal(t, http.StatusCreated, status, env.Error)
	var rep api.RepaymentDTO
	require.NoError(t, json.Unmarshal(env.Data, &rep))
	assert.Equal(t, "pending", rep.Status)

	status, _, _ = s.do(http.MethodPost, "/api/repayments/"+rep.ID+"/verify", lender, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, env, _ = s.do(http.MethodPost, "/api/repayments/"+rep.ID+"/verify", host, nil)
	require.Equal(t, http.StatusOK, status, env.Error)
	var verified api.RepaymentVerifiedDTO
	require.NoError(t, json.Unmarshal(env.Data, &verified))
	assert.Equal(t, "verified", verified.Repayment.Status)
	assert.Equal(t, "repaid", verified.Contribution.RepaymentStatus)

	status, env, _ = s.do(http.MethodPut, "/api/contributions/"+contrib.ID+"/repay", host, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "AlreadyRepaid", env.Code)

	status, env, _ = s.do(http.MethodGet, "/api/contributions/"+contrib.ID+"/repayments", "", nil)
	require.Equal(t, http.StatusOK, status)
	var reps []api.RepaymentDTO
	require.NoError(t, json.Unmarshal(env.Data, &reps))
	assert.Len(t, reps, 1)
}

func TestAnonymousContribution_HidesContributor(t *testing.T) {
	s := newTestServer(t, api.Options{})
	host, _ := s.register("Asha", "asha@example.com")
	donor, donorID := s.register("Ravi", "ravi@example.com")
	c := s.createCampaign(host, "5000")

	body := contribution(c.ID, "100", "100000000001")
	body["isAnonymous"] = true
	status, env, _ := s.do(http.MethodPost, "/api/contributions", donor, body)
	require.Equal(t, http.StatusCreated, status, env.Error)
	var contrib api.ContributionDTO
	require.NoError(t, json.Unmarshal(env.Data, &contrib))
	assert.Equal(t, ledger.AnonymousName, contrib.ContributorName)
	assert.Empty(t, contrib.ContributorID)

	// Only the donor sees their anonymous contribution in their history.
	status, env, _ = s.do(http.MethodGet, "/api/users/"+donorID+"/contributions", "", nil)
	require.Equal(t, http.StatusOK, status)
	var public []api.ContributionDTO
	require.NoError(t, json.Unmarshal(env.Data, &public))
	assert.Empty(t, public)

	status, env, _ = s.do(http.MethodGet, "/api/users/"+donorID+"/contributions", donor, nil)
	require.Equal(t, http.StatusOK, status)
	var own []api.ContributionDTO
	require.NoError(t, json.Unmarshal(env.Data, &own))
	assert.Len(t, own, 1)
}

func TestCampaign_QR(t *testing.T) {
	s := newTestServer(t, api.Options{})
	token, _ := s.register("Asha", "asha@example.com")
	c := s.createCampaign(token, "500")

	status, env, _ := s.do(http.MethodGet, "/api/campaigns/"+c.ID+"/qr", "", nil)
	require.Equal(t, http.StatusOK, status)
	var q api.QRDTO
	require.NoError(t, json.Unmarshal(env.Data, &q))
	assert.Equal(t, c.ShareLink, q.ShareLink)
	assert.True(t, strings.HasPrefix(q.QRCode, "data:image/png;base64,"))

	resp, err := http.Get(s.URL + "/api/campaigns/" + c.ID + "/qr?format=png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestVerifyScreenshot_WithoutAnalyzerNeedsDeferredPolicy(t *testing.T) {
	s := newTestServer(t, api.Options{})
	token, _ := s.register("Asha", "asha@example.com")
	c := s.createCampaign(token, "500")
	status, env, _ := s.do(http.MethodPost, "/api/contributions", "", contribution(c.ID, "100", "100000000001"))
	require.Equal(t, http.StatusCreated, status)
	var contrib api.ContributionDTO
	require.NoError(t, json.Unmarshal(env.Data, &contrib))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("screenshot", "paid.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("fake png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, s.URL+"/api/contributions/"+contrib.ID+"/verify-screenshot", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	// Immediate counting leaves nothing to verify.
	status, env, _ = s.send(req)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidOperation", env.Code)

	status, env, _ = s.do(http.MethodPost, "/api/contributions/"+contrib.ID+"/verify-screenshot", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "screenshot", env.Field)
}

type fixedLimiter struct {
	mu    sync.Mutex
	count int
}

func (f *fixedLimiter) Consume(context.Context, string, string, time.Duration) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return f.count, 30, nil
}

func TestContribution_RateLimited(t *testing.T) {
	s := newTestServer(t, api.Options{Limiter: &fixedLimiter{}, ContributionLimit: 1, ContributionWindow: time.Minute})
	token, _ := s.register("Asha", "asha@example.com")
	c := s.createCampaign(token, "5000")

	status, _, _ := s.do(http.MethodPost, "/api/contributions", "", contribution(c.ID, "10", "100000000001"))
	require.Equal(t, http.StatusCreated, status)

	status, env, header := s.do(http.MethodPost, "/api/contributions", "", contribution(c.ID, "10", "100000000002"))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "RateLimited", env.Code)
	assert.Equal(t, "30", header.Get("Retry-After"))
}

func TestRouting_NotFoundAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, api.Options{})

	status, env, _ := s.do(http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, env.Success)
	var body struct {
		AvailableRoutes []string `json:"availableRoutes"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Contains(t, body.AvailableRoutes, "POST /api/contributions")
	assert.Contains(t, body.AvailableRoutes, "GET /api/campaigns/{id}/qr")

	status, env, _ = s.do(http.MethodPatch, "/api/campaigns/abc", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)
	assert.False(t, env.Success)

	status, env, _ = s.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestStatusFor(t *testing.T) {
	tests := map[ledger.Kind]int{
		ledger.KindInvalidArgument:    http.StatusBadRequest,
		ledger.KindDuplicatePayment:   http.StatusBadRequest,
		ledger.KindCampaignClosed:     http.StatusBadRequest,
		ledger.KindAlreadyRepaid:      http.StatusBadRequest,
		ledger.KindInvalidOperation:   http.StatusBadRequest,
		ledger.KindUnauthenticated:    http.StatusUnauthorized,
		ledger.KindUnauthorized:       http.StatusForbidden,
		ledger.KindNotFound:           http.StatusNotFound,
		ledger.KindStorageUnavailable: http.StatusInternalServerError,
		ledger.KindUpstreamDegraded:   http.StatusInternalServerError,
		ledger.KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range tests {
		assert.Equal(t, want, api.StatusFor(kind), kind)
	}
}
