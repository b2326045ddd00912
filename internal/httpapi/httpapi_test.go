package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/airlock-sh/airlock/internal/audit"
	"github.com/airlock-sh/airlock/internal/auth"
	"github.com/airlock-sh/airlock/internal/credential"
	"github.com/airlock-sh/airlock/internal/db"
	"github.com/airlock-sh/airlock/internal/execution"
	"github.com/airlock-sh/airlock/internal/profile"
	"github.com/airlock-sh/airlock/internal/worker"
)

type stubWorker struct {
	result    *worker.Result
	available bool
}

func (w *stubWorker) Run(ctx context.Context, script string, settings map[string]string, timeoutSeconds int) (*worker.Result, error) {
	return w.result, nil
}

func (w *stubWorker) Available(ctx context.Context) bool { return w.available }

type testEnv struct {
	app        *fiber.App
	dispatcher *execution.Dispatcher
	profiles   *profile.Store
	worker     *stubWorker
	adminToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	al, err := audit.NewLogger(database)
	if err != nil {
		t.Fatalf("creating audit logger: %v", err)
	}

	creds := credential.NewStore(database, key, al)
	profiles := profile.NewStore(database, key, al)
	gateway := auth.NewGateway(database, profiles, al)
	execs := execution.NewStore(database)
	w := &stubWorker{available: true, result: &worker.Result{Status: worker.StatusCompleted}}
	dispatcher := execution.NewDispatcher(execs, creds, w, al, zerolog.Nop())

	app := New(Dependencies{
		Logger:      zerolog.Nop(),
		Gateway:     gateway,
		Credentials: creds,
		Profiles:    profiles,
		Executions:  execs,
		Dispatcher:  dispatcher,
		Worker:      w,
	})

	env := &testEnv{app: app, dispatcher: dispatcher, profiles: profiles, worker: w}

	token, err := gateway.Setup("admin password")
	if err != nil {
		t.Fatalf("admin setup: %v", err)
	}
	env.adminToken = token
	return env
}

func (e *testEnv) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	resp.Body.Close()

	var decoded map[string]any
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decoding response %q: %v", raw, err)
		}
	}
	return resp, decoded
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, "GET", "/health", "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestAdminAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	// Setup already done by the helper.
	resp, body := env.request(t, "GET", "/api/admin/status", "", nil)
	if resp.StatusCode != 200 || body["setup_required"] != false {
		t.Errorf("status response = %d %v", resp.StatusCode, body)
	}

	resp, body = env.request(t, "POST", "/api/admin/setup", "", fiber.Map{"password": "another password"})
	if resp.StatusCode != 409 {
		t.Errorf("second setup status = %d", resp.StatusCode)
	}
	if errCode(body) != "conflict" {
		t.Errorf("second setup code = %q", errCode(body))
	}

	resp, body = env.request(t, "POST", "/api/admin/login", "", fiber.Map{"password": "wrong"})
	if resp.StatusCode != 401 || errCode(body) != "unauthorized" {
		t.Errorf("bad login = %d %v", resp.StatusCode, body)
	}

	resp, body = env.request(t, "POST", "/api/admin/login", "", fiber.Map{"password": "admin password"})
	if resp.StatusCode != 200 {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	token, _ := body["token"].(string)
	if !strings.HasPrefix(token, "atk_") {
		t.Errorf("token = %q", token)
	}

	// Authenticated routes reject missing and stale tokens.
	resp, _ = env.request(t, "GET", "/api/admin/credentials", "", nil)
	if resp.StatusCode != 401 {
		t.Errorf("no token status = %d", resp.StatusCode)
	}
	resp, _ = env.request(t, "GET", "/api/admin/credentials", env.adminToken, nil)
	if resp.StatusCode != 401 {
		t.Errorf("stale token status = %d", resp.StatusCode)
	}
	resp, _ = env.request(t, "GET", "/api/admin/credentials", token, nil)
	if resp.StatusCode != 200 {
		t.Errorf("fresh token status = %d", resp.StatusCode)
	}
}

func TestSetupShortPasswordIsValidationError(t *testing.T) {
	// Fresh instance needed; build one without the helper's setup.
	database, _ := db.OpenMemory()
	t.Cleanup(func() { database.Close() })
	key := make([]byte, 32)
	rand.Read(key)
	al, _ := audit.NewLogger(database)
	profiles := profile.NewStore(database, key, al)
	gateway := auth.NewGateway(database, profiles, al)
	app := New(Dependencies{
		Logger:   zerolog.Nop(),
		Gateway:  gateway,
		Profiles: profiles,
		Worker:   worker.None{},
	})

	req := httptest.NewRequest("POST", "/api/admin/setup", strings.NewReader(`{"password": "short"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 422 {
		t.Errorf("short password status = %d, want 422", resp.StatusCode)
	}
}

func TestCredentialCRUD(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken

	resp, body := env.request(t, "POST", "/api/admin/credentials", tok,
		fiber.Map{"name": "API_KEY", "value": "hunter2", "description": "test"})
	if resp.StatusCode != 201 {
		t.Fatalf("create status = %d %v", resp.StatusCode, body)
	}
	if body["has_value"] != true {
		t.Errorf("has_value = %v", body["has_value"])
	}

	resp, body = env.request(t, "POST", "/api/admin/credentials", tok,
		fiber.Map{"name": "bad name!"})
	if resp.StatusCode != 422 {
		t.Errorf("invalid name status = %d", resp.StatusCode)
	}

	resp, body = env.request(t, "POST", "/api/admin/credentials", tok,
		fiber.Map{"name": "API_KEY"})
	if resp.StatusCode != 409 {
		t.Errorf("duplicate status = %d", resp.StatusCode)
	}

	// Explicit null clears the value; omitted value leaves it alone.
	resp, body = env.request(t, "PUT", "/api/admin/credentials/API_KEY", tok,
		map[string]any{"value": nil})
	if resp.StatusCode != 200 {
		t.Fatalf("clear status = %d %v", resp.StatusCode, body)
	}
	if body["has_value"] != false {
		t.Errorf("has_value after clear = %v", body["has_value"])
	}

	resp, body = env.request(t, "PUT", "/api/admin/credentials/API_KEY", tok,
		fiber.Map{"description": "updated"})
	if resp.StatusCode != 200 || body["description"] != "updated" {
		t.Errorf("description update = %d %v", resp.StatusCode, body)
	}
	if body["has_value"] != false {
		t.Errorf("omitted value changed has_value: %v", body["has_value"])
	}

	resp, _ = env.request(t, "DELETE", "/api/admin/credentials/API_KEY", tok, nil)
	if resp.StatusCode != 204 {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp, _ = env.request(t, "DELETE", "/api/admin/credentials/API_KEY", tok, nil)
	if resp.StatusCode != 404 {
		t.Errorf("delete missing status = %d", resp.StatusCode)
	}
}

func TestDeleteCredentialLockedConflict(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken

	env.request(t, "POST", "/api/admin/credentials", tok, fiber.Map{"name": "DB_URL", "value": "x"})
	_, prof := env.request(t, "POST", "/api/admin/profiles", tok, fiber.Map{"description": "p"})
	id := prof["id"].(string)
	env.request(t, "POST", "/api/admin/profiles/"+id+"/credentials", tok, fiber.Map{"credentials": []string{"DB_URL"}})
	env.request(t, "POST", "/api/admin/profiles/"+id+"/lock", tok, nil)

	resp, body := env.request(t, "DELETE", "/api/admin/credentials/DB_URL", tok, nil)
	if resp.StatusCode != 409 {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}
	e := body["error"].(map[string]any)
	ids, _ := e["profile_ids"].([]any)
	if len(ids) != 1 || ids[0] != id {
		t.Errorf("profile_ids = %v, want [%s]", ids, id)
	}
}

func TestProfileLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken

	env.request(t, "POST", "/api/admin/credentials", tok, fiber.Map{"name": "TOKEN", "value": "v"})

	resp, prof := env.request(t, "POST", "/api/admin/profiles", tok, fiber.Map{"description": "ci profile"})
	if resp.StatusCode != 201 {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := prof["id"].(string)
	if prof["locked"] != false || prof["key_id"] != nil {
		t.Errorf("fresh profile = %v", prof)
	}

	env.request(t, "POST", "/api/admin/profiles/"+id+"/credentials", tok, fiber.Map{"credentials": []string{"TOKEN"}})

	resp, locked := env.request(t, "POST", "/api/admin/profiles/"+id+"/lock", tok, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("lock status = %d %v", resp.StatusCode, locked)
	}
	key, _ := locked["key"].(string)
	if !strings.HasPrefix(key, "ark_") || !strings.Contains(key, ":") {
		t.Errorf("key = %q", key)
	}

	// Locked profiles reject binding changes and re-locking.
	resp, _ = env.request(t, "POST", "/api/admin/profiles/"+id+"/credentials", tok, fiber.Map{"credentials": []string{"TOKEN"}})
	if resp.StatusCode != 409 {
		t.Errorf("add to locked status = %d", resp.StatusCode)
	}
	resp, _ = env.request(t, "POST", "/api/admin/profiles/"+id+"/lock", tok, nil)
	if resp.StatusCode != 409 {
		t.Errorf("double lock status = %d", resp.StatusCode)
	}

	resp, rotated := env.request(t, "POST", "/api/admin/profiles/"+id+"/regenerate-key", tok, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("regenerate status = %d", resp.StatusCode)
	}
	if rotated["key"] == key {
		t.Error("regenerate returned the same key")
	}

	// Deleting a locked profile requires revocation first.
	resp, _ = env.request(t, "DELETE", "/api/admin/profiles/"+id, tok, nil)
	if resp.StatusCode != 409 {
		t.Errorf("delete locked status = %d", resp.StatusCode)
	}
	resp, revoked := env.request(t, "POST", "/api/admin/profiles/"+id+"/revoke", tok, nil)
	if resp.StatusCode != 200 || revoked["revoked"] != true {
		t.Errorf("revoke = %d %v", resp.StatusCode, revoked)
	}
	resp, _ = env.request(t, "DELETE", "/api/admin/profiles/"+id, tok, nil)
	if resp.StatusCode != 204 {
		t.Errorf("delete revoked status = %d", resp.StatusCode)
	}
}

// lockProfile provisions a locked profile and returns its id, key id, and
// secret.
func (e *testEnv) lockProfile(t *testing.T) (string, string, string) {
	t.Helper()
	info, err := e.profiles.Create("exec profile")
	if err != nil {
		t.Fatalf("creating profile: %v", err)
	}
	res, err := e.profiles.Lock(info.ID)
	if err != nil {
		t.Fatalf("locking profile: %v", err)
	}
	keyID, secret, _ := strings.Cut(res.Key, ":")
	return info.ID, keyID, secret
}

func TestExecuteFlow(t *testing.T) {
	env := newTestEnv(t)
	env.worker.result = &worker.Result{
		Status: worker.StatusCompleted,
		Result: json.RawMessage(`{"ok": true}`),
		Stdout: "fine\n",
	}
	_, keyID, secret := env.lockProfile(t)

	script := "print('hello')"
	resp, body := env.request(t, "POST", "/execute", keyID, fiber.Map{
		"script": script,
		"hash":   profile.SignScript(secret, script),
	})
	if resp.StatusCode != 202 {
		t.Fatalf("execute status = %d %v", resp.StatusCode, body)
	}
	execID, _ := body["execution_id"].(string)
	if !strings.HasPrefix(execID, "exec_") {
		t.Errorf("execution_id = %q", execID)
	}
	if body["poll_url"] != "/executions/"+execID {
		t.Errorf("poll_url = %v", body["poll_url"])
	}
	if body["status"] != "pending" {
		t.Errorf("status = %v", body["status"])
	}

	env.dispatcher.Wait()

	resp, body = env.request(t, "GET", "/executions/"+execID, "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	if body["status"] != "completed" || body["stdout"] != "fine\n" {
		t.Errorf("polled execution = %v", body)
	}

	// The authenticated profile sees its execution in the list.
	resp, body = env.request(t, "GET", "/executions", keyID, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	execs, _ := body["executions"].([]any)
	if len(execs) != 1 {
		t.Errorf("listed %d executions, want 1", len(execs))
	}
}

func TestExecuteRejections(t *testing.T) {
	env := newTestEnv(t)
	_, keyID, secret := env.lockProfile(t)
	script := "print('x')"

	// Wrong HMAC.
	resp, body := env.request(t, "POST", "/execute", keyID, fiber.Map{
		"script": script,
		"hash":   profile.SignScript(secret, "other script"),
	})
	if resp.StatusCode != 403 || errCode(body) != "integrity_failure" {
		t.Errorf("tampered script = %d %v", resp.StatusCode, body)
	}

	// Missing auth.
	resp, _ = env.request(t, "POST", "/execute", "", fiber.Map{
		"script": script,
		"hash":   profile.SignScript(secret, script),
	})
	if resp.StatusCode != 401 {
		t.Errorf("no auth status = %d", resp.StatusCode)
	}

	// Worker down.
	env.worker.available = false
	resp, _ = env.request(t, "POST", "/execute", keyID, fiber.Map{
		"script": script,
		"hash":   profile.SignScript(secret, script),
	})
	if resp.StatusCode != 503 {
		t.Errorf("worker down status = %d", resp.StatusCode)
	}
}

func TestRespondFlow(t *testing.T) {
	env := newTestEnv(t)
	env.worker.result = &worker.Result{
		Status:     worker.StatusAwaitingLLM,
		LLMRequest: json.RawMessage(`{"prompt": "hi"}`),
	}
	_, keyID, secret := env.lockProfile(t)

	script := "ask_llm('hi')"
	_, body := env.request(t, "POST", "/execute", keyID, fiber.Map{
		"script": script,
		"hash":   profile.SignScript(secret, script),
	})
	execID := body["execution_id"].(string)
	env.dispatcher.Wait()

	resp, body := env.request(t, "GET", "/executions/"+execID, "", nil)
	if body["status"] != "awaiting_llm" {
		t.Fatalf("status = %v", body["status"])
	}

	resp, body = env.request(t, "POST", "/executions/"+execID+"/respond", "",
		fiber.Map{"response": "an answer"})
	if resp.StatusCode != 200 || body["status"] != "completed" {
		t.Fatalf("respond = %d %v", resp.StatusCode, body)
	}

	resp, _ = env.request(t, "POST", "/executions/"+execID+"/respond", "",
		fiber.Map{"response": "again"})
	if resp.StatusCode != 409 {
		t.Errorf("double respond status = %d", resp.StatusCode)
	}

	resp, _ = env.request(t, "POST", "/executions/exec_missing/respond", "",
		fiber.Map{"response": "x"})
	if resp.StatusCode != 404 {
		t.Errorf("respond to missing status = %d", resp.StatusCode)
	}
}

func TestSkillDoc(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("GET", "/skill.md", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/markdown") {
		t.Errorf("content type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "No profiles configured yet") {
		t.Errorf("doc missing empty-state line: %s", raw)
	}

	env.lockProfile(t)
	req = httptest.NewRequest("GET", "/skill.md", nil)
	resp, _ = env.app.Test(req)
	defer resp.Body.Close()
	raw, _ = io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "exec profile") {
		t.Errorf("doc missing locked profile: %s", raw)
	}
}

func TestAgentBatchCredentials(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, "POST", "/credentials", "", fiber.Map{
		"credentials": []fiber.Map{
			{"name": "A", "description": "first"},
			{"name": "B"},
		},
	})
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d %v", resp.StatusCode, body)
	}
	created, _ := body["created"].([]any)
	if len(created) != 2 {
		t.Errorf("created = %v", created)
	}

	// Re-declaring is idempotent: existing names are skipped.
	resp, body = env.request(t, "POST", "/credentials", "", fiber.Map{
		"credentials": []fiber.Map{{"name": "A"}, {"name": "C"}},
	})
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created, _ = body["created"].([]any)
	skipped, _ := body["skipped"].([]any)
	if len(created) != 1 || len(skipped) != 1 {
		t.Errorf("created=%v skipped=%v", created, skipped)
	}

	// Invalid names fail the batch with a validation error.
	resp, _ = env.request(t, "POST", "/credentials", "", fiber.Map{
		"credentials": []fiber.Map{{"name": "not valid!"}},
	})
	if resp.StatusCode != 422 {
		t.Errorf("invalid name status = %d", resp.StatusCode)
	}
}

func TestAdminStats(t *testing.T) {
	env := newTestEnv(t)
	tok := env.adminToken

	env.request(t, "POST", "/api/admin/credentials", tok, fiber.Map{"name": "K", "value": "v"})
	env.lockProfile(t)

	resp, body := env.request(t, "GET", "/api/admin/stats", tok, nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["active_profiles"] != float64(1) || body["stored_credentials"] != float64(1) {
		t.Errorf("stats = %v", body)
	}
	if body["total_executions"] != float64(0) {
		t.Errorf("total_executions = %v", body["total_executions"])
	}
}
