package http

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/suite"

	"github.com/driverdesk/server/internal/audit"
	"github.com/driverdesk/server/internal/auth"
	"github.com/driverdesk/server/internal/bulk"
	"github.com/driverdesk/server/internal/docstore"
	"github.com/driverdesk/server/internal/filter"
	"github.com/driverdesk/server/internal/http/handlers"
	"github.com/driverdesk/server/internal/metrics"
	"github.com/driverdesk/server/internal/middleware"
	"github.com/driverdesk/server/internal/model"
	"github.com/driverdesk/server/internal/onboarding"
	"github.com/driverdesk/server/internal/otp"
	"github.com/driverdesk/server/internal/repo"
)

const (
	adminEmail    = "ops@driverdesk.test"
	adminPassword = "s3cret-pass"
)

// flakyNotifier fails every send for the channels in down
type flakyNotifier struct {
	mu   sync.Mutex
	down map[model.Channel]bool
}

func (n *flakyNotifier) Send(_ context.Context, ch model.Channel, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[ch] {
		return errors.New("transport down")
	}
	return nil
}

func (n *flakyNotifier) set(ch model.Channel, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[ch] = down
}

type RouterSuite struct {
	suite.Suite
	srv      *httptest.Server
	cancel   context.CancelFunc
	notifier *flakyNotifier
	events   *audit.Memory
	token    string
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	drivers := repo.NewMemoryDriverRepo()
	admins := repo.NewMemoryAdminRepo()
	s.events = &audit.Memory{}
	auditRepo := repo.NewMemoryAuditRepo()
	recorder := audit.NewRecorder(audit.Multi{s.events, audit.NewStoreSink(auditRepo)}, nil)
	s.notifier = &flakyNotifier{down: map[model.Channel]bool{}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hasher := auth.NewHasher(4)
	jwtService := auth.NewJWTService("test-secret", time.Hour)
	authService := auth.NewAuthService(admins, jwtService, hasher, recorder, nil)
	_, err := authService.Bootstrap(ctx, adminEmail, "Ops", adminPassword)
	s.Require().NoError(err)

	onboard := onboarding.NewService(drivers, docstore.NewMemory(), recorder, onboarding.WithMetrics(m))
	otpService := otp.NewService(repo.NewMemoryOtpRepo(), drivers, s.notifier, onboard, "salt",
		otp.WithDispatchRetry(1, time.Millisecond), otp.WithMetrics(m))
	finder := filter.NewService(drivers, nil)
	executor := bulk.NewExecutor(drivers, auth.NewCredentialChecker(admins, hasher), recorder,
		bulk.WithResolver(finder), bulk.WithMetrics(m))

	router := NewRouter(Deps{
		Auth:         handlers.NewAuthHandler(authService, nil),
		Drivers:      handlers.NewDriverHandler(onboarding.NewRegistrar(onboard, otpService, nil), onboard, finder, true, nil),
		Otp:          handlers.NewOtpHandler(otpService, onboard, true, nil),
		Bulk:         handlers.NewBulkHandler(executor, nil),
		Audit:        handlers.NewAuditHandler(onboard, auditRepo, nil),
		Health:       handlers.NewHealthHandler(nil),
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		JWT:          jwtService,
		Admins:       admins,
		LoginLimiter: middleware.NewRateLimiter(ctx, time.Minute, 100),
		OtpLimiter:   middleware.NewRateLimiter(ctx, time.Minute, 100),
	})
	s.srv = httptest.NewServer(router)

	var login struct {
		AccessToken string `json:"access_token"`
	}
	resp := s.do(http.MethodPost, "/auth/login", map[string]string{"email": adminEmail, "password": adminPassword}, &login)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.token = login.AccessToken
}

func (s *RouterSuite) TearDownTest() {
	s.srv.Close()
	s.cancel()
}

func (s *RouterSuite) request(method, path string, body any, header http.Header) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *RouterSuite) do(method, path string, body, out any) *http.Response {
	resp := s.request(method, path, body, nil)
	defer resp.Body.Close()
	if out != nil {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

type otpState struct {
	Issued     bool   `json:"issued"`
	Dispatched bool   `json:"dispatched"`
	Error      string `json:"error"`
	DevCode    string `json:"dev_code"`
}

type driverView struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	VerificationStatus string `json:"verification_status"`
	KycStatus          string `json:"kyc_status"`
	OnboardingState    string `json:"onboarding_state"`
}

type createResult struct {
	Driver driverView          `json:"driver"`
	Otp    map[string]otpState `json:"otp"`
	Error  string              `json:"error"`
	Fields map[string]string   `json:"fields"`
}

func (s *RouterSuite) createDriver(name, phone, email string) createResult {
	var out createResult
	resp := s.do(http.MethodPost, "/drivers", map[string]string{"name": name, "phone": phone, "email": email}, &out)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	return out
}

func (s *RouterSuite) verify(id, channel, code string) (int, map[string]any) {
	var out map[string]any
	resp := s.do(http.MethodPost, "/drivers/"+id+"/otp/"+channel+"/verify", map[string]string{"code": code}, &out)
	return resp.StatusCode, out
}

func (s *RouterSuite) TestHealthAndMetrics() {
	resp := s.do(http.MethodGet, "/health", nil, nil)
	s.Equal(http.StatusOK, resp.StatusCode)

	s.createDriver("Ada Obi", "+2348000000001", "a@x.com")
	resp = s.request(http.MethodGet, "/metrics", nil, nil)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	s.Contains(body.String(), "driverdesk_otp_issued_total")
}

func (s *RouterSuite) TestLogin() {
	s.token = ""
	var out map[string]any
	resp := s.do(http.MethodPost, "/auth/login", map[string]string{"email": adminEmail, "password": "nope"}, &out)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(http.MethodPost, "/auth/login", map[string]string{"email": ""}, &out)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

func (s *RouterSuite) TestProtectedRoutesNeedToken() {
	s.token = ""
	resp := s.do(http.MethodGet, "/drivers", nil, nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *RouterSuite) TestOnboardingFlow() {
	created := s.createDriver("Ada Obi", "+2348000000001", "a@x.com")
	id := created.Driver.ID
	s.Equal("contact_pending", created.Driver.OnboardingState)
	s.True(created.Otp["sms"].Dispatched)
	s.Len(created.Otp["email"].DevCode, 6)

	status, out := s.verify(id, "sms", created.Otp["sms"].DevCode)
	s.Require().Equal(http.StatusOK, status)
	s.Equal("contact_pending", out["driver"].(map[string]any)["onboarding_state"])

	status, out = s.verify(id, "email", "000000x")
	s.Equal(http.StatusUnprocessableEntity, status)
	s.Equal("mismatch", out["outcome"])

	status, out = s.verify(id, "email", created.Otp["email"].DevCode)
	s.Require().Equal(http.StatusOK, status)
	s.Equal("contact_verified", out["driver"].(map[string]any)["onboarding_state"])

	status, out = s.verify(id, "email", created.Otp["email"].DevCode)
	s.Equal(http.StatusUnprocessableEntity, status)
	s.Equal("no_active_challenge", out["outcome"], "codes are single use")

	resp := s.submitKyc(id, map[string]string{
		"date_of_birth":      "1990-05-17",
		"license_number":     "lag-123-xy",
		"license_issued_at":  time.Now().AddDate(-2, 0, 0).Format("2006-01-02"),
		"license_expires_at": time.Now().AddDate(3, 0, 0).Format("2006-01-02"),
		"address_street":     "12 Marina Rd",
		"address_city":       "Lagos",
		"address_state":      "Lagos",
	}, map[string][]byte{"license": []byte("%PDF-1.4\nlicence scan")})
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var got driverView
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/drivers/"+id, nil, &got).StatusCode)
	s.Equal("kyc_complete", got.OnboardingState)
	s.Equal("complete", got.KycStatus)
}

func (s *RouterSuite) submitKyc(id string, fields map[string]string, files map[string][]byte) *http.Response {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		s.Require().NoError(mw.WriteField(k, v))
	}
	for kind, data := range files {
		fw, err := mw.CreateFormFile(kind, kind+".bin")
		s.Require().NoError(err)
		_, err = fw.Write(data)
		s.Require().NoError(err)
	}
	s.Require().NoError(mw.Close())

	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/drivers/"+id+"/kyc", &buf)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *RouterSuite) TestKycBeforeContactVerification() {
	created := s.createDriver("Ada Obi", "+2348000000001", "a@x.com")
	resp := s.submitKyc(created.Driver.ID, map[string]string{"date_of_birth": "1990-05-17"}, nil)
	defer resp.Body.Close()
	s.Equal(http.StatusConflict, resp.StatusCode)

	resp2 := s.submitKyc(created.Driver.ID, map[string]string{"date_of_birth": "17/05/1990"}, nil)
	defer resp2.Body.Close()
	s.Equal(http.StatusUnprocessableEntity, resp2.StatusCode)
}

func (s *RouterSuite) TestKyc_reportsFormAndFieldErrorsTogether() {
	created := s.createDriver("Ada Obi", "+2348000000001", "a@x.com")
	id := created.Driver.ID
	status, _ := s.verify(id, "sms", created.Otp["sms"].DevCode)
	s.Require().Equal(http.StatusOK, status)
	status, _ = s.verify(id, "email", created.Otp["email"].DevCode)
	s.Require().Equal(http.StatusOK, status)

	resp := s.submitKyc(id, map[string]string{
		"date_of_birth":      "17/05/1990",
		"license_number":     "lag-123-xy",
		"license_issued_at":  time.Now().AddDate(-2, 0, 0).Format("2006-01-02"),
		"license_expires_at": time.Now().AddDate(3, 0, 0).Format("2006-01-02"),
		"address_street":     "12 Marina Rd",
		"address_state":      "Lagos",
	}, nil)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusUnprocessableEntity, resp.StatusCode)

	var out struct {
		Fields map[string]string `json:"fields"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))
	s.Equal("must be a date in YYYY-MM-DD format", out.Fields["date_of_birth"])
	s.Equal("is required", out.Fields["address.city"])
	s.Equal("is required", out.Fields["documents.license"])

	var got driverView
	s.do(http.MethodGet, "/drivers/"+id, nil, &got)
	s.Equal("contact_verified", got.OnboardingState)
}

func (s *RouterSuite) TestCreateDriver_validation() {
	var out createResult
	resp := s.do(http.MethodPost, "/drivers", map[string]string{"name": "", "phone": "0800", "email": "nope"}, &out)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
	s.Contains(out.Fields, "name")
	s.Contains(out.Fields, "phone")
	s.Contains(out.Fields, "email")

	s.createDriver("Ada Obi", "+2348000000001", "a@x.com")
	resp = s.do(http.MethodPost, "/drivers", map[string]string{"name": "Bo", "phone": "+2348000000001", "email": "b@x.com"}, &out)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
	s.Equal("already registered", out.Fields["phone"])
}

func (s *RouterSuite) TestIssue_dispatchFailureThenRedispatch() {
	s.notifier.set(model.ChannelSMS, true)
	created := s.createDriver("Ada Obi", "+2348000000001", "a@x.com")
	s.True(created.Otp["sms"].Issued)
	s.False(created.Otp["sms"].Dispatched)
	s.NotEmpty(created.Otp["sms"].Error)
	id := created.Driver.ID

	var st otpState
	resp := s.do(http.MethodPost, "/drivers/"+id+"/otp/sms/redispatch", nil, &st)
	s.Equal(http.StatusBadGateway, resp.StatusCode)

	s.notifier.set(model.ChannelSMS, false)
	resp = s.do(http.MethodPost, "/drivers/"+id+"/otp/sms/redispatch", nil, &st)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.True(st.Dispatched)
	s.Equal(created.Otp["sms"].DevCode, st.DevCode, "same challenge, not a new code")

	status, _ := s.verify(id, "sms", st.DevCode)
	s.Equal(http.StatusOK, status)

	resp = s.do(http.MethodPost, "/drivers/"+id+"/otp/sms", nil, &st)
	s.Equal(http.StatusConflict, resp.StatusCode, "channel already verified")
}

func (s *RouterSuite) TestIssue_resendReplacesCode() {
	created := s.createDriver("Ada Obi", "+2348000000001", "a@x.com")
	id := created.Driver.ID

	var st otpState
	resp := s.do(http.MethodPost, "/drivers/"+id+"/otp/email", nil, &st)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)

	if st.DevCode != created.Otp["email"].DevCode {
		status, out := s.verify(id, "email", created.Otp["email"].DevCode)
		s.Equal(http.StatusUnprocessableEntity, status)
		s.Equal("mismatch", out["outcome"])
	}
	status, _ := s.verify(id, "email", st.DevCode)
	s.Equal(http.StatusOK, status)

	resp = s.do(http.MethodPost, "/drivers/"+id+"/otp/fax", nil, nil)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
	resp = s.do(http.MethodPost, "/drivers/not-an-id/otp/sms", nil, nil)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

func (s *RouterSuite) TestListDrivers() {
	s.createDriver("John Doe", "+2348000000001", "jd@x.com")
	s.createDriver("Mary Johnson", "+2348000000002", "mj@x.com")
	s.createDriver("Zed Ali", "+2348000000003", "zed@x.com")

	var out struct {
		Drivers  []driverView `json:"drivers"`
		Total    int          `json:"total"`
		Filtered int          `json:"filtered"`
	}
	resp := s.do(http.MethodGet, "/drivers?status=active&search=JOHN", nil, &out)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(3, out.Total)
	s.Equal(2, out.Filtered)

	resp = s.do(http.MethodGet, "/drivers", nil, &out)
	s.Equal(3, out.Filtered)

	resp = s.do(http.MethodGet, "/drivers?period=decade", nil, nil)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

type bulkResult struct {
	Succeeded int                        `json:"succeeded"`
	Failed    int                        `json:"failed"`
	Items     map[string]bulk.ItemResult `json:"items"`
	FailedIDs []string                   `json:"failed_ids"`
	Error     string                     `json:"error"`
	Fields    map[string]string          `json:"fields"`
}

func (s *RouterSuite) TestBulk() {
	a := s.createDriver("John Doe", "+2348000000001", "jd@x.com").Driver.ID
	b := s.createDriver("Mary Johnson", "+2348000000002", "mj@x.com").Driver.ID

	var out bulkResult
	resp := s.do(http.MethodPost, "/drivers/bulk", map[string]any{"operation": "verify", "driver_ids": []string{a, b}, "password": adminPassword}, &out)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
	s.Contains(out.Fields, "notes")

	resp = s.do(http.MethodPost, "/drivers/bulk", map[string]any{"operation": "verify", "driver_ids": []string{a}, "notes": "ok", "password": "wrong"}, &out)
	s.Equal(http.StatusForbidden, resp.StatusCode)

	resp = s.do(http.MethodPost, "/drivers/bulk", map[string]any{"operation": "suspend", "driver_ids": []string{}}, &out)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	out = bulkResult{}
	resp = s.do(http.MethodPost, "/drivers/bulk", map[string]any{"operation": "verify", "driver_ids": []string{a, "bogus"}, "notes": "docs ok", "password": adminPassword}, &out)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(1, out.Succeeded)
	s.Equal([]string{"bogus"}, out.FailedIDs)

	out = bulkResult{}
	resp = s.do(http.MethodPost, "/drivers/bulk", map[string]any{"operation": "suspend", "filter": map[string]string{"search": "mary"}}, &out)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(1, out.Succeeded)
	s.Contains(out.Items, b)

	s.Len(s.events.ByAction("bulk.verify"), 2, "rejected credential and executed batch")
}

func (s *RouterSuite) TestBulkExportCSV() {
	a := s.createDriver("John Doe", "+2348000000001", "jd@x.com").Driver.ID
	b := s.createDriver("Mary Johnson", "+2348000000002", "mj@x.com").Driver.ID

	resp := s.request(http.MethodPost, "/drivers/bulk",
		map[string]any{"operation": "export", "driver_ids": []string{b, a}},
		http.Header{"Accept": []string{"text/csv"}})
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.True(strings.HasPrefix(resp.Header.Get("Content-Type"), "text/csv"))

	rows, err := csv.NewReader(resp.Body).ReadAll()
	s.Require().NoError(err)
	s.Require().Len(rows, 3)
	s.Equal("id", rows[0][0])
	s.Equal(b, rows[1][0])
	s.Equal(a, rows[2][0])
	s.Equal("Mary Johnson", rows[1][1])
}

func (s *RouterSuite) TestGetDriver_notFound() {
	resp := s.do(http.MethodGet, "/drivers/6f1c1c56-0a4b-4a52-9d89-0d8f7c4a9e10", nil, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *RouterSuite) TestDriverAuditHistory() {
	created := s.createDriver("Ada Obi", "+2348000000001", "ada@x.com")
	id := created.Driver.ID
	other := s.createDriver("Bola Ade", "+2348000000002", "bola@x.com")
	status, _ := s.verify(id, "sms", created.Otp["sms"].DevCode)
	s.Require().Equal(http.StatusOK, status)

	var out struct {
		Events []struct {
			Actor     string   `json:"actor"`
			Action    string   `json:"action"`
			TargetIDs []string `json:"target_ids"`
		} `json:"events"`
	}
	resp := s.do(http.MethodGet, "/drivers/"+id+"/audit", nil, &out)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().Len(out.Events, 2)
	s.Equal(audit.ActionDriverChannelVerified, out.Events[0].Action)
	s.Equal(audit.ActionDriverCreated, out.Events[1].Action)
	for _, e := range out.Events {
		s.Equal([]string{id}, e.TargetIDs)
		s.NotEmpty(e.Actor)
	}

	resp = s.do(http.MethodGet, "/drivers/"+id+"/audit?limit=1", nil, &out)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().Len(out.Events, 1)
	s.Equal(audit.ActionDriverChannelVerified, out.Events[0].Action)

	resp = s.do(http.MethodGet, "/drivers/"+other.Driver.ID+"/audit", nil, &out)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().Len(out.Events, 1)
	s.Equal(audit.ActionDriverCreated, out.Events[0].Action)
}

func (s *RouterSuite) TestDriverAuditHistory_rejectsBadRequests() {
	created := s.createDriver("Ada Obi", "+2348000000001", "ada@x.com")

	resp := s.do(http.MethodGet, "/drivers/"+created.Driver.ID+"/audit?limit=0", nil, nil)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
	resp = s.do(http.MethodGet, "/drivers/6f1c1c56-0a4b-4a52-9d89-0d8f7c4a9e10/audit", nil, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)

	s.token = ""
	resp = s.do(http.MethodGet, "/drivers/"+created.Driver.ID+"/audit", nil, nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}
