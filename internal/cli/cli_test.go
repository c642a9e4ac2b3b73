package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/ppiankov/rmacd/internal/alert"
	"github.com/ppiankov/rmacd/internal/policy"
)

// testEnv points every persistent location at a temp dir.
type testEnv struct {
	dir  string
	base []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return &testEnv{
		dir: dir,
		base: []string{
			"--profile", "security-responder",
			"--db", filepath.Join(dir, "rmacd.db"),
			"--registry", "cli-test",
			"--approval-dir", filepath.Join(dir, "approvals"),
			"--emergency-dir", filepath.Join(dir, "emergencies"),
			"--log-level", "error",
		},
	}
}

// resetFlags clears command flags bound to package variables, which keep
// their values between executions in one process.
func resetFlags() {
	evalOp, evalClass, evalEnv, evalAgent, evalTool = "", "", "", "cli", ""
	evalResource, evalDestination, evalAt, evalFormat = "", "", "", "text"
	evalUsage = policy.Usage{}
	evalAttest = policy.Attestations{}

	toolDescription, toolLevel, toolData, toolHITL, toolSchema = "", "", "", "", ""
	toolVerbs, toolPerms = nil, nil
	toolReadOnly, toolDestructive, toolReplace = false, false, false
	listLevel, toolAgent, toolTier, toolFormat, toolOutput = "", "cli", "", "text", ""

	approveDuration, approveBy, denyBy = 0, "", ""
	pendingAll = false
	diffFormat = "text"
	auditSource, auditFormat, auditOutput, tailLines = "gate", "timeline", "", 10
	initOutput, initTwoD, initUpTo = "", false, "R"
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(append([]string{}, args...), e.base...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestEvaluateCommand(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, "evaluate", "--op", "R", "--class", "public", "--env", "production")
	if err != nil {
		t.Fatalf("expected allow, got %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, "ALLOWED") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = e.run(t, "evaluate", "--op", "delete", "--class", "internal", "--env", "production")
	if err == nil {
		t.Fatalf("expected block, got allow:\n%s", out)
	}
	if !strings.HasPrefix(out, "BLOCKED") || !strings.Contains(out, "reason:") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := e.run(t, "evaluate", "--class", "public"); err == nil {
		t.Error("expected error without --op or --tool")
	}
}

var approvalKeyRe = regexp.MustCompile(`approval key: (\S+)`)

func TestApprovalFlowCommands(t *testing.T) {
	e := newTestEnv(t)
	args := []string{"evaluate", "--op", "R", "--class", "restricted", "--env", "production", "--resource", "vault/incident-7"}

	out, err := e.run(t, args...)
	if err == nil {
		t.Fatalf("expected pending approval, got allow:\n%s", out)
	}
	m := approvalKeyRe.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no approval key in output:\n%s", out)
	}
	key := m[1]

	out, err = e.run(t, "pending")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, key) || !strings.Contains(out, "restricted/R") {
		t.Errorf("pending does not list %s:\n%s", key, out)
	}

	out, err = e.run(t, "approve", key, "--by", "soc-lead")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !strings.Contains(out, "one-time use") {
		t.Errorf("unexpected approve output: %s", out)
	}

	out, err = e.run(t, args...)
	if err != nil {
		t.Fatalf("expected allow after approval, got %v\n%s", err, out)
	}

	out, err = e.run(t, "pending")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No pending approvals.") {
		t.Errorf("approval still pending:\n%s", out)
	}
}

func TestDenyCommand(t *testing.T) {
	e := newTestEnv(t)
	args := []string{"evaluate", "--op", "R", "--class", "restricted", "--env", "production"}

	out, _ := e.run(t, args...)
	m := approvalKeyRe.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no approval key in output:\n%s", out)
	}
	if _, err := e.run(t, "deny", m[1], "--by", "soc-lead"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if _, err := e.run(t, args...); err == nil {
		t.Fatal("expected denied request to stay blocked")
	}
}

func TestToolsRegisterPersists(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, "tools", "register", "delete_bucket", "--description", "Delete a storage bucket", "--data", "internal")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out, "Registered delete_bucket: D on internal") {
		t.Errorf("unexpected register output: %s", out)
	}

	if _, err := e.run(t, "tools", "register", "delete_bucket", "--data", "internal"); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	out, err = e.run(t, "tools", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "delete_bucket") {
		t.Errorf("catalog was not reloaded:\n%s", out)
	}

	out, err = e.run(t, "evaluate", "--tool", "delete_bucket", "--env", "production")
	if err == nil {
		t.Fatalf("expected internal/D to be blocked:\n%s", out)
	}

	if _, err := e.run(t, "tools", "validate", "delete_bucket", "--tier", "internal"); err == nil {
		t.Error("expected validate to deny a delete tool on profile grants")
	}
	if _, err := e.run(t, "tools", "validate", "delete_bucket", "--tier", "internal", "--perms", "R,M,A,C,D"); err != nil {
		t.Errorf("expected explicit grants to allow: %v", err)
	}

	out, err = e.run(t, "audit", "verify", "--source", "registry")
	if err != nil {
		t.Fatalf("registry audit chain: %v\n%s", err, out)
	}
}

func TestAuditGateChain(t *testing.T) {
	e := newTestEnv(t)

	for i := 0; i < 3; i++ {
		if _, err := e.run(t, "evaluate", "--op", "R", "--class", "public", "--env", "production"); err != nil {
			t.Fatal(err)
		}
	}

	out, err := e.run(t, "audit", "verify")
	if err != nil {
		t.Fatalf("verify: %v\n%s", err, out)
	}
	if !strings.Contains(out, "OK: 3 entries verified") {
		t.Errorf("unexpected verify output: %s", out)
	}

	export := filepath.Join(e.dir, "gate.jsonl")
	if _, err := e.run(t, "audit", "export", "-o", export); err != nil {
		t.Fatal(err)
	}
	out, err = e.run(t, "audit", "verify", export)
	if err != nil || !strings.Contains(out, "OK: 3 entries verified") {
		t.Errorf("export does not verify: %v\n%s", err, out)
	}

	if _, err := e.run(t, "audit", "tail", "--source", "nowhere"); err == nil {
		t.Error("expected error for unknown audit source")
	}
}

func TestEmergencyCommands(t *testing.T) {
	e := newTestEnv(t)

	if _, err := e.run(t, "emergency", "declare", "--trigger", "bogus", "--reason", "x"); err == nil {
		t.Error("expected unknown trigger to be rejected")
	}

	out, err := e.run(t, "emergency", "declare", "--trigger", "soc_declared_incident", "--reason", "ransomware", "--by", "soc-lead")
	if err != nil {
		t.Fatalf("declare: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Emergency declared:") {
		t.Errorf("unexpected declare output: %s", out)
	}

	out, err = e.run(t, "emergency", "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "ACTIVE") {
		t.Errorf("expected active emergency:\n%s", out)
	}

	if _, err := e.run(t, "emergency", "declare", "--trigger", "soc_declared_incident", "--reason", "again"); err == nil {
		t.Error("expected second declaration to be rejected while one is active")
	}
}

func TestMatrixAndVersion(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, "matrix")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "confidential") {
		t.Errorf("matrix missing confidential row:\n%s", out)
	}

	out, err = e.run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"name": "rmacd"`) {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestUnknownProfileFails(t *testing.T) {
	e := newTestEnv(t)
	e.base[1] = "no-such-profile"
	if _, err := e.run(t, "evaluate", "--op", "R", "--class", "public"); err == nil {
		t.Fatal("expected unknown profile to fail")
	}
}

func TestEmergencyDeclareAlerts(t *testing.T) {
	e := newTestEnv(t)

	received := make(chan alert.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev alert.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		received <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	doc := fmt.Sprintf("alerts:\n  - url: %s\n    events: [emergency_declared]\n", srv.URL)
	if err := os.WriteFile(filepath.Join(e.dir, "rmacd.yaml"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := e.run(t, "emergency", "declare", "--trigger", "automated_threat_detection", "--reason", "beaconing", "--by", "soc-lead"); err != nil {
		t.Fatalf("declare: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Type != alert.EventEmergencyDeclared || ev.EmergencyID == "" {
			t.Errorf("unexpected alert %+v", ev)
		}
		if len(ev.Targets) != 2 || ev.Targets[0] != "soc-channel" {
			t.Errorf("expected profile notification targets, got %v", ev.Targets)
		}
	default:
		t.Fatal("no alert delivered before declare returned")
	}
}

func TestProfileDiffCommand(t *testing.T) {
	e := newTestEnv(t)

	out, err := e.run(t, "profile", "diff", "read-only-observer", "standard-agent")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.Contains(out, "Profile diff:") || !strings.Contains(out, "looser") {
		t.Errorf("unexpected diff output:\n%s", out)
	}

	if _, err := e.run(t, "profile", "diff", "standard-agent", "no-such-profile"); err == nil {
		t.Error("expected error for unknown profile")
	}
}
