package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/admins"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/attempts"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/database"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signing"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/stats"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/tags"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/verification"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testTagUID        = "042A5C9A1B3D80"
	testTagKey        = "00112233445566778899AABBCCDDEEFF"
	testProductName   = "EverSeal Demo Watch"
	testAdminEmail    = "admin@everseal.example"
	testAdminPassword = "correct-horse"
)

type testStack struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	events  *EventDispatcher
	deps    Dependencies
}

func newTestStack(testContext *testing.T, requireToken bool) *testStack {
	testContext.Helper()
	return buildTestStack(testContext, requireToken, nil)
}

func buildTestStack(testContext *testing.T, requireToken bool, trustedProxies []string) *testStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	testContext.Cleanup(func() { _ = database.Close(db) })

	registry, err := tags.NewRegistry(tags.RegistryConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to construct registry: %v", err)
	}
	guard, err := tags.NewReplayGuard(tags.GuardConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to construct guard: %v", err)
	}
	attemptLog, err := attempts.NewLog(attempts.LogConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to construct attempt log: %v", err)
	}
	provision, err := tags.NewProvision(testTagUID, testTagKey, testProductName, 0)
	if err != nil {
		testContext.Fatalf("invalid provision: %v", err)
	}
	if _, err := registry.Seed(context.Background(), []tags.Provision{provision}); err != nil {
		testContext.Fatalf("failed to seed registry: %v", err)
	}

	events := NewEventDispatcher()
	verifier, err := verification.NewService(verification.ServiceConfig{
		Registry:  registry,
		Guard:     guard,
		Log:       attemptLog,
		Publisher: events,
	})
	if err != nil {
		testContext.Fatalf("failed to construct verifier: %v", err)
	}
	minter, err := signing.NewService(signing.ServiceConfig{Registry: registry})
	if err != nil {
		testContext.Fatalf("failed to construct minter: %v", err)
	}
	aggregator, err := stats.NewAggregator(stats.AggregatorConfig{Source: attemptLog})
	if err != nil {
		testContext.Fatalf("failed to construct aggregator: %v", err)
	}
	adminService, err := admins.NewService(admins.ServiceConfig{Database: db, Cost: bcrypt.MinCost})
	if err != nil {
		testContext.Fatalf("failed to construct admin service: %v", err)
	}
	if _, err := adminService.EnsureAdmin(context.Background(), testAdminEmail, testAdminPassword); err != nil {
		testContext.Fatalf("failed to seed admin: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "everseal-auth",
		Audience:      "everseal-admin",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to construct token issuer: %v", err)
	}

	deps := Dependencies{
		Verifier:          verifier,
		Minter:            minter,
		Stats:             aggregator,
		Attempts:          attemptLog,
		Admins:            adminService,
		TokenManager:      issuer,
		Events:            events,
		RequireToken:      requireToken,
		TrustedProxies:    trustedProxies,
		HeartbeatInterval: time.Hour,
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		testContext.Fatalf("failed to construct http handler: %v", err)
	}
	return &testStack{handler: handler, issuer: issuer, events: events, deps: deps}
}

func (s *testStack) do(method, target string, body string, token string) *httptest.ResponseRecorder {
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testStack) mint(testContext *testing.T, counter int, token string) signResponsePayload {
	testContext.Helper()
	recorder := s.do(http.MethodPost, "/verify/sign", `{"uid":"`+testTagUID+`","counter":`+strconv.Itoa(counter)+`}`, token)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("mint failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var payload signResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode mint response: %v", err)
	}
	return payload
}

func decodeVerify(testContext *testing.T, recorder *httptest.ResponseRecorder) verifyResponsePayload {
	testContext.Helper()
	var payload verifyResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode verify response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestVerifyEndpointClassifiesOutcomes(testContext *testing.T) {
	stack := newTestStack(testContext, false)

	fresh := stack.mint(testContext, 100, "")
	if !strings.HasPrefix(fresh.URL, "/verify?uid="+testTagUID+"&ctr=100&cmac=") {
		testContext.Fatalf("unexpected minted url %q", fresh.URL)
	}

	valid := stack.do(http.MethodGet, fresh.URL, "", "")
	if valid.Code != http.StatusOK {
		testContext.Fatalf("expected 200 for fresh url, got %d %s", valid.Code, valid.Body.String())
	}
	validPayload := decodeVerify(testContext, valid)
	if !validPayload.Verified || validPayload.Status != "VALID" || validPayload.ProductName != testProductName {
		testContext.Fatalf("unexpected valid payload %#v", validPayload)
	}

	replayed := stack.do(http.MethodGet, fresh.URL, "", "")
	if replayed.Code != http.StatusConflict {
		testContext.Fatalf("expected 409 for replayed url, got %d", replayed.Code)
	}
	replayPayload := decodeVerify(testContext, replayed)
	if replayPayload.Verified || replayPayload.Status != "REPLAY" || !strings.HasPrefix(replayPayload.Message, "Replay") {
		testContext.Fatalf("unexpected replay payload %#v", replayPayload)
	}

	stale := stack.mint(testContext, 50, "")
	if code := stack.do(http.MethodGet, stale.URL, "", "").Code; code != http.StatusConflict {
		testContext.Fatalf("expected 409 for stale counter, got %d", code)
	}

	tamperedCMAC := []byte(fresh.CMAC)
	if tamperedCMAC[0] == '0' {
		tamperedCMAC[0] = '1'
	} else {
		tamperedCMAC[0] = '0'
	}
	tampered := stack.do(http.MethodGet, "/verify?uid="+testTagUID+"&ctr=101&cmac="+string(tamperedCMAC), "", "")
	unknown := stack.do(http.MethodGet, "/verify?uid=04FFFFFFFFFFFF&ctr=101&cmac="+fresh.CMAC, "", "")
	if tampered.Code != http.StatusUnauthorized || unknown.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 for invalid requests, got %d and %d", tampered.Code, unknown.Code)
	}
	if tampered.Body.String() != unknown.Body.String() {
		testContext.Fatalf("expected identical invalid bodies, got %q and %q", tampered.Body.String(), unknown.Body.String())
	}

	malformed := stack.do(http.MethodGet, "/verify?uid="+testTagUID+"&ctr=abc&cmac="+fresh.CMAC, "", "")
	if malformed.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for malformed request, got %d", malformed.Code)
	}
	if decodeVerify(testContext, malformed).Status != statusMalformed {
		testContext.Fatalf("expected malformed status, got %s", malformed.Body.String())
	}

	logs := stack.do(http.MethodGet, "/verify/logs", "", "")
	var entries []logEntryPayload
	if err := json.Unmarshal(logs.Body.Bytes(), &entries); err != nil {
		testContext.Fatalf("failed to decode logs: %v", err)
	}
	expectedStatuses := []string{"INVALID", "INVALID", "REPLAY", "REPLAY", "VALID"}
	if len(entries) != len(expectedStatuses) {
		testContext.Fatalf("expected %d log entries (malformed not logged), got %d", len(expectedStatuses), len(entries))
	}
	for index, entry := range entries {
		if entry.Status != expectedStatuses[index] {
			testContext.Fatalf("entry %d: expected %s, got %s", index, expectedStatuses[index], entry.Status)
		}
		if entry.IPAddress == "" || entry.Timestamp == "" {
			testContext.Fatalf("entry %d missing address or timestamp: %#v", index, entry)
		}
	}

	var aggregate statsResponsePayload
	if err := json.Unmarshal(stack.do(http.MethodGet, "/verify/stats", "", "").Body.Bytes(), &aggregate); err != nil {
		testContext.Fatalf("failed to decode stats: %v", err)
	}
	if aggregate != (statsResponsePayload{TotalScans: 5, SuccessRate: 20, ThreatsDetected: 4}) {
		testContext.Fatalf("unexpected stats %#v", aggregate)
	}

	var chart []chartBucketPayload
	if err := json.Unmarshal(stack.do(http.MethodGet, "/verify/chart", "", "").Body.Bytes(), &chart); err != nil {
		testContext.Fatalf("failed to decode chart: %v", err)
	}
	if len(chart) != stats.ChartDays {
		testContext.Fatalf("expected %d chart buckets, got %d", stats.ChartDays, len(chart))
	}
	today := chart[len(chart)-1]
	if today.Valid != 1 || today.Warning != 4 {
		testContext.Fatalf("unexpected bucket for today %#v", today)
	}
}

func (s *testStack) verifyFrom(testContext *testing.T, target, remoteAddr, forwardedFor string) {
	testContext.Helper()
	request := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	request.RemoteAddr = remoteAddr
	request.Header.Set("X-Forwarded-For", forwardedFor)
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func (s *testStack) latestLogEntry(testContext *testing.T) logEntryPayload {
	testContext.Helper()
	recorder := s.do(http.MethodGet, "/verify/logs?limit=1", "", "")
	var entries []logEntryPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &entries); err != nil || len(entries) != 1 {
		testContext.Fatalf("unexpected logs response %q: %v", recorder.Body.String(), err)
	}
	return entries[0]
}

func TestVerifyRecordsPeerAddressWhenForwardedHeaderIsUntrusted(testContext *testing.T) {
	stack := newTestStack(testContext, false)
	signed := stack.mint(testContext, 100, "")

	stack.verifyFrom(testContext, signed.URL, "198.51.100.9:5555", "1.2.3.4")

	if entry := stack.latestLogEntry(testContext); entry.IPAddress != "198.51.100.9" {
		testContext.Fatalf("expected peer address 198.51.100.9, got %q", entry.IPAddress)
	}
}

func TestVerifyRecordsForwardedAddressFromTrustedProxy(testContext *testing.T) {
	stack := buildTestStack(testContext, false, []string{"198.51.100.0/24"})
	signed := stack.mint(testContext, 100, "")

	stack.verifyFrom(testContext, signed.URL, "198.51.100.9:5555", "1.2.3.4")

	if entry := stack.latestLogEntry(testContext); entry.IPAddress != "1.2.3.4" {
		testContext.Fatalf("expected forwarded address 1.2.3.4, got %q", entry.IPAddress)
	}
}

func TestNewHTTPHandlerRejectsInvalidTrustedProxy(testContext *testing.T) {
	deps := newTestStack(testContext, false).deps
	deps.TrustedProxies = []string{"not-an-address"}
	if _, err := NewHTTPHandler(deps); err == nil {
		testContext.Fatalf("expected error for invalid trusted proxy")
	}
}

func TestLogsEndpointHonorsLimit(testContext *testing.T) {
	stack := newTestStack(testContext, false)
	for counter := 1; counter <= 3; counter++ {
		minted := stack.mint(testContext, counter, "")
		stack.do(http.MethodGet, minted.URL, "", "")
	}

	var entries []logEntryPayload
	if err := json.Unmarshal(stack.do(http.MethodGet, "/verify/logs?limit=2", "", "").Body.Bytes(), &entries); err != nil {
		testContext.Fatalf("failed to decode logs: %v", err)
	}
	if len(entries) != 2 || entries[0].ID <= entries[1].ID {
		testContext.Fatalf("expected two newest entries, got %#v", entries)
	}

	if code := stack.do(http.MethodGet, "/verify/logs?limit=abc", "", "").Code; code != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for invalid limit, got %d", code)
	}
}

func TestSignEndpointRejectsUnknownTagAndBadInput(testContext *testing.T) {
	stack := newTestStack(testContext, false)

	unknown := stack.do(http.MethodPost, "/verify/sign", `{"uid":"04FFFFFFFFFFFF","counter":1}`, "")
	if unknown.Code != http.StatusNotFound || !strings.Contains(unknown.Body.String(), "tag_not_found") {
		testContext.Fatalf("expected tag_not_found, got %d %s", unknown.Code, unknown.Body.String())
	}

	for _, body := range []string{`{"uid":"` + testTagUID + `"}`, `{"uid":"nothex","counter":1}`, `{"uid":"` + testTagUID + `","counter":16777216}`, `not json`} {
		recorder := stack.do(http.MethodPost, "/verify/sign", body, "")
		if recorder.Code != http.StatusBadRequest {
			testContext.Fatalf("expected 400 for %s, got %d", body, recorder.Code)
		}
	}
}

func TestLoginAndRequireToken(testContext *testing.T) {
	stack := newTestStack(testContext, true)

	if code := stack.do(http.MethodGet, "/verify/stats", "", "").Code; code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without token, got %d", code)
	}
	if code := stack.do(http.MethodPost, "/verify/sign", `{"uid":"`+testTagUID+`","counter":1}`, "").Code; code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 for sign without token, got %d", code)
	}

	rejected := stack.do(http.MethodPost, "/auth/login", `{"email":"`+testAdminEmail+`","password":"wrong-password"}`, "")
	unknown := stack.do(http.MethodPost, "/auth/login", `{"email":"nobody@everseal.example","password":"wrong-password"}`, "")
	if rejected.Code != http.StatusUnauthorized || rejected.Body.String() != unknown.Body.String() {
		testContext.Fatalf("expected identical 401 responses, got %d %q and %q", rejected.Code, rejected.Body.String(), unknown.Body.String())
	}

	login := stack.do(http.MethodPost, "/auth/login", `{"email":"`+testAdminEmail+`","password":"`+testAdminPassword+`"}`, "")
	if login.Code != http.StatusOK {
		testContext.Fatalf("expected login success, got %d %s", login.Code, login.Body.String())
	}
	var token authResponsePayload
	if err := json.Unmarshal(login.Body.Bytes(), &token); err != nil {
		testContext.Fatalf("failed to decode login response: %v", err)
	}
	if token.AccessToken == "" || token.TokenType != "Bearer" || token.ExpiresIn != 60 {
		testContext.Fatalf("unexpected token response %#v", token)
	}

	if code := stack.do(http.MethodGet, "/verify/stats", "", token.AccessToken).Code; code != http.StatusOK {
		testContext.Fatalf("expected 200 with token, got %d", code)
	}
	minted := stack.mint(testContext, 5, token.AccessToken)
	if code := stack.do(http.MethodGet, minted.URL, "", "").Code; code != http.StatusOK {
		testContext.Fatalf("expected public verify to succeed without token, got %d", code)
	}
}

func TestHealthAndMetricsEndpoints(testContext *testing.T) {
	stack := newTestStack(testContext, true)

	health := stack.do(http.MethodGet, "/healthz", "", "")
	if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"ok"`) {
		testContext.Fatalf("unexpected health response %d %s", health.Code, health.Body.String())
	}

	rejected := stack.do(http.MethodGet, "/verify?uid=04FFFFFFFFFFFF&ctr=1&cmac=00000000000000000000000000000000", "", "")
	if rejected.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected invalid verification, got %d", rejected.Code)
	}
	metricsResponse := stack.do(http.MethodGet, "/metrics", "", "")
	if metricsResponse.Code != http.StatusOK {
		testContext.Fatalf("unexpected metrics status %d", metricsResponse.Code)
	}
	if !strings.Contains(metricsResponse.Body.String(), "everseal_verifications_total") {
		testContext.Fatalf("expected verification counter in metrics output")
	}
}

func TestEventStreamEmitsAttemptEvents(testContext *testing.T) {
	stack := newTestStack(testContext, true)
	server := httptest.NewServer(stack.handler)
	testContext.Cleanup(server.Close)

	token, err := stack.issuer.IssueAccessToken(context.Background(), "admin-1")
	if err != nil {
		testContext.Fatalf("failed to issue access token: %v", err)
	}

	streamRequest, err := http.NewRequest(http.MethodGet, server.URL+"/verify/events?access_token="+token.Value, http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		testContext.Fatalf("failed to open stream: %v", err)
	}
	testContext.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for stack.events.subscriberCount() == 0 {
		if time.Now().After(deadline) {
			testContext.Fatal("stream subscriber was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	minted := stack.mint(testContext, 9, token.Value)
	verifyResp, err := http.Get(server.URL + minted.URL)
	if err != nil {
		testContext.Fatalf("verify request failed: %v", err)
	}
	_ = verifyResp.Body.Close()
	if verifyResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected verify status: %d", verifyResp.StatusCode)
	}

	streamReader := bufio.NewReader(streamResp.Body)
	currentEventType := ""
	timeout := time.After(5 * time.Second)
	type readResult struct {
		line string
		err  error
	}
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-timeout:
			testContext.Fatal("timed out waiting for attempt event")
		case res := <-resultCh:
			if res.err != nil {
				testContext.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEventType != EventTypeAttempt {
				continue
			}
			var payload logEntryPayload
			if err := json.NewDecoder(bytes.NewBufferString(strings.TrimPrefix(line, "data:"))).Decode(&payload); err != nil {
				testContext.Fatalf("failed to decode event payload: %v", err)
			}
			if payload.TagUID != testTagUID || payload.Status != "VALID" || payload.ID == 0 {
				testContext.Fatalf("unexpected event payload %#v", payload)
			}
			return
		}
	}
}
