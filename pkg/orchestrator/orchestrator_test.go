package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/groundcrew/groundcrew/pkg/policy"
	"github.com/groundcrew/groundcrew/pkg/runner"
	"github.com/groundcrew/groundcrew/pkg/session"
	"github.com/groundcrew/groundcrew/pkg/stores"
	"github.com/groundcrew/groundcrew/pkg/telemetry"
	"github.com/groundcrew/groundcrew/pkg/vault"
	"github.com/groundcrew/groundcrew/pkg/workspace"
)

// fakeStore keeps everything in maps keyed by tenant/id.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	capsules map[string]*vault.Capsule
	statuses map[string]vault.CapsuleStatus
	profiles map[string]*policy.Profile
	audits   []*stores.AuditEvent

	saveErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]*session.Session),
		capsules: make(map[string]*vault.Capsule),
		statuses: make(map[string]vault.CapsuleStatus),
		profiles: make(map[string]*policy.Profile),
	}
}

func (f *fakeStore) key(tenant, id string) string { return tenant + "/" + id }

func (f *fakeStore) SaveSession(_ context.Context, sess *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	cp := *sess
	f.sessions[f.key(sess.TenantID, sess.ID)] = &cp
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, tenant, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[f.key(tenant, id)]
	if !ok {
		return nil, session.NewNotFound(id)
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) ListExpiredSessions(_ context.Context, now time.Time) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*session.Session
	for _, sess := range f.sessions {
		if sess.IsExpired(now) && sess.State != session.StateApplying && !sess.State.IsTerminal() {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CountTenantInstances(_ context.Context, tenant string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, sess := range f.sessions {
		if sess.TenantID == tenant && sess.State == session.StateApplied {
			total += sess.RequestedInstances()
		}
	}
	return total, nil
}

func (f *fakeStore) SaveCapsule(_ context.Context, c *vault.Capsule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capsules[f.key(c.TenantID, c.SessionID)] = c
	f.statuses[f.key(c.TenantID, c.SessionID)] = vault.CapsuleActive
	return nil
}

func (f *fakeStore) GetCapsule(_ context.Context, tenant, sessionID string) (*vault.Capsule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.capsules[f.key(tenant, sessionID)]
	if !ok {
		return nil, session.NewNotFound(sessionID)
	}
	return c, nil
}

func (f *fakeStore) MarkCapsuleStatus(_ context.Context, tenant, sessionID string, status vault.CapsuleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.capsules[f.key(tenant, sessionID)]; !ok {
		return session.NewNotFound(sessionID)
	}
	f.statuses[f.key(tenant, sessionID)] = status
	return nil
}

func (f *fakeStore) EnsureProfile(_ context.Context, tenant string) (*policy.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.profiles[tenant]; ok {
		return p, nil
	}
	p := policy.DefaultProfile(tenant)
	f.profiles[tenant] = p
	return p, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, ev *stores.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, ev)
	return nil
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.audits))
	for i, ev := range f.audits {
		out[i] = ev.Action
	}
	return out
}

// fakeExecutor returns canned results and records requests.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []runner.Request
	result   *runner.Result
	err      error

	// progress, when set, is streamed through the callback before
	// returning.
	progress []session.Progress
}

func (f *fakeExecutor) Run(_ context.Context, req runner.Request, onProgress runner.ProgressFunc) (*runner.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, p := range f.progress {
		if onProgress != nil {
			onProgress(p)
		}
	}
	cp := *f.result
	return &cp, nil
}

func (f *fakeExecutor) lastRequest(t *testing.T) runner.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("executor was never invoked")
	}
	return f.requests[len(f.requests)-1]
}

// fakePolicy approves or rejects everything.
type fakePolicy struct {
	result *policy.Result
	err    error
	inputs []policy.CheckInput
}

func (f *fakePolicy) Check(_ context.Context, _ *policy.Profile, in policy.CheckInput) (*policy.Result, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func allowAll() *fakePolicy {
	return &fakePolicy{result: &policy.Result{Allowed: true}}
}

func denyAll(check, reason string) *fakePolicy {
	return &fakePolicy{result: &policy.Result{
		Allowed:    false,
		Violations: []policy.Violation{{Check: check, Reason: reason}},
	}}
}

type testHarness struct {
	orch  *Orchestrator
	store *fakeStore
	vault *vault.Vault
	exec  *fakeExecutor
	check *fakePolicy
}

func newHarness(t *testing.T, exec *fakeExecutor, check *fakePolicy) *testHarness {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	store := newFakeStore()
	v := vault.New(zerolog.Nop())
	orch, err := New(Deps{
		Store:      store,
		Vault:      v,
		Executor:   exec,
		Policy:     check,
		Workspaces: workspace.NewManager(t.TempDir()),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return &testHarness{orch: orch, store: store, vault: v, exec: exec, check: check}
}

func planSuccess() *runner.Result {
	return &runner.Result{
		Operation: runner.OperationPlan,
		Success:   true,
		Summary:   session.ChangeSummary{ToCreate: 3},
		Progress:  session.Progress{Total: 3},
		Duration:  2 * time.Second,
	}
}

func applySuccess() *runner.Result {
	return &runner.Result{
		Operation: runner.OperationApply,
		Success:   true,
		Progress:  session.Progress{Completed: 3, Total: 3},
		Duration:  5 * time.Second,
	}
}

func mustStart(t *testing.T, h *testHarness) session.Session {
	t.Helper()
	sess, err := h.orch.Start(context.Background(), StartRequest{
		Tenant:     "acme",
		User:       "alice",
		ProjectRef: "projects/prod-1234",
		Provider:   "gcp",
		TTL:        30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return sess
}

func advanceToPlanReady(t *testing.T, h *testHarness) session.Session {
	t.Helper()
	sess := mustStart(t, h)
	ctx := context.Background()
	if _, err := h.orch.AddResource(ctx, "acme", sess.ID, session.ResourceSpec{
		Type: "compute_instance", Name: "web", Count: 2, MonthlyCost: 40,
	}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}
	vr, err := h.orch.Validate(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !vr.Allowed {
		t.Fatalf("expected validation to pass, got violations %v", vr.Violations)
	}
	pr, err := h.orch.Plan(ctx, "acme", sess.ID, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return pr.Session
}

func TestStartCreatesDraftWithVaultedSecret(t *testing.T) {
	h := newHarness(t, &fakeExecutor{result: planSuccess()}, allowAll())
	sess := mustStart(t, h)

	if sess.State != session.StateDraft {
		t.Fatalf("expected draft, got %s", sess.State)
	}
	if sess.ProjectDigest == "" {
		t.Fatal("expected a project digest")
	}

	secret, err := h.vault.Get(sess.ID)
	if err != nil {
		t.Fatalf("vault entry missing: %v", err)
	}
	if string(secret) != "projects/prod-1234" {
		t.Fatalf("unexpected vaulted payload %q", secret)
	}

	if _, err := h.store.GetCapsule(context.Background(), "acme", sess.ID); err != nil {
		t.Fatalf("capsule not persisted: %v", err)
	}
	actions := h.store.auditActions()
	if len(actions) == 0 || actions[0] != stores.AuditSessionStarted {
		t.Fatalf("expected start audit event, got %v", actions)
	}
}

func TestStartRejectsMissingFields(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	_, err := h.orch.Start(context.Background(), StartRequest{Tenant: "acme"})
	if err == nil {
		t.Fatal("expected an error for incomplete request")
	}
}

func TestStartPurgesVaultWhenPersistFails(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	h.store.saveErr = errors.New("disk full")

	_, err := h.orch.Start(context.Background(), StartRequest{
		Tenant: "acme", User: "alice", ProjectRef: "projects/x", Provider: "gcp",
	})
	if err == nil {
		t.Fatal("expected persist failure to surface")
	}
	if h.vault.Len() != 0 {
		t.Fatalf("expected vault purged, %d entries remain", h.vault.Len())
	}
}

func TestValidatePassMovesToPlanning(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	sess := mustStart(t, h)
	ctx := context.Background()

	if _, err := h.orch.AddResource(ctx, "acme", sess.ID, session.ResourceSpec{
		Type: "compute_instance", Name: "web", Count: 1,
	}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}

	vr, err := h.orch.Validate(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !vr.Allowed || vr.Session.State != session.StatePlanning {
		t.Fatalf("expected allowed planning session, got allowed=%v state=%s", vr.Allowed, vr.Session.State)
	}
}

func TestValidateRejectionIsDataNotError(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, denyAll(policy.CheckBudget, "estimated cost 900.00 exceeds ceiling 100.00"))
	sess := mustStart(t, h)
	ctx := context.Background()

	if _, err := h.orch.AddResource(ctx, "acme", sess.ID, session.ResourceSpec{
		Type: "compute_instance", Name: "big", Count: 1, MonthlyCost: 900,
	}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}

	vr, err := h.orch.Validate(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("rejection must not be an error: %v", err)
	}
	if vr.Allowed {
		t.Fatal("expected rejection")
	}
	if len(vr.Violations) != 1 || vr.Violations[0].Check != policy.CheckBudget {
		t.Fatalf("unexpected violations %v", vr.Violations)
	}
	if vr.Session.State != session.StateFailed {
		t.Fatalf("expected failed state, got %s", vr.Session.State)
	}
	if vr.Session.LastError == "" {
		t.Fatal("expected rejection reasons on the session record")
	}
}

func TestValidateFeedsCurrentInstanceCount(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	ctx := context.Background()

	// A prior applied session for the same tenant contributes to the
	// running count.
	now := time.Now().UTC()
	applied := session.New("prior", "acme", "bob", "digest", "gcp", time.Hour, now)
	applied.State = session.StateApplied
	applied.Resources = []session.ResourceSpec{{Type: "compute_instance", Name: "old", Count: 7}}
	if err := h.store.SaveSession(ctx, &applied); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	sess := mustStart(t, h)
	if _, err := h.orch.AddResource(ctx, "acme", sess.ID, session.ResourceSpec{
		Type: "compute_instance", Name: "web", Count: 1,
	}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}
	if _, err := h.orch.Validate(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if len(h.check.inputs) != 1 {
		t.Fatalf("expected one policy check, got %d", len(h.check.inputs))
	}
	if got := h.check.inputs[0].CurrentInstances; got != 7 {
		t.Fatalf("expected current instance count 7, got %d", got)
	}
}

func TestPlanRecordsSummaryAndMovesToPlanReady(t *testing.T) {
	h := newHarness(t, &fakeExecutor{result: planSuccess()}, allowAll())
	sess := advanceToPlanReady(t, h)

	if sess.State != session.StatePlanReady {
		t.Fatalf("expected plan_ready, got %s", sess.State)
	}
	if sess.Summary == nil || sess.Summary.ToCreate != 3 {
		t.Fatalf("expected recorded summary, got %+v", sess.Summary)
	}

	req := h.exec.lastRequest(t)
	if req.Operation != runner.OperationPlan {
		t.Fatalf("expected plan request, got %s", req.Operation)
	}
	if req.Dir == "" {
		t.Fatal("expected a workspace dir on the request")
	}
}

func TestPlanRequiresPlanningState(t *testing.T) {
	h := newHarness(t, &fakeExecutor{result: planSuccess()}, allowAll())
	sess := mustStart(t, h)

	_, err := h.orch.Plan(context.Background(), "acme", sess.ID, nil)
	if !session.IsStateViolation(err) {
		t.Fatalf("expected state violation, got %v", err)
	}
}

func TestPlanFailureRecordsExcerpt(t *testing.T) {
	failed := &runner.Result{
		Operation: runner.OperationPlan,
		Success:   false,
		ExitCode:  1,
		Excerpt:   []string{"Error: resource already exists"},
	}
	h := newHarness(t, &fakeExecutor{result: failed}, allowAll())
	sess := mustStart(t, h)
	ctx := context.Background()

	if _, err := h.orch.AddResource(ctx, "acme", sess.ID, session.ResourceSpec{
		Type: "compute_instance", Name: "web", Count: 1,
	}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}
	if _, err := h.orch.Validate(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	pr, err := h.orch.Plan(ctx, "acme", sess.ID, nil)
	if !session.IsExecutionFailure(err) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if pr == nil || pr.Session.State != session.StateFailed {
		t.Fatalf("expected failed session, got %+v", pr)
	}
	if len(pr.Session.FailureExcerpt) != 1 {
		t.Fatalf("expected failure excerpt, got %v", pr.Session.FailureExcerpt)
	}
}

func TestPlanVaultMissLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, &fakeExecutor{result: planSuccess()}, allowAll())
	sess := mustStart(t, h)
	ctx := context.Background()

	if _, err := h.orch.AddResource(ctx, "acme", sess.ID, session.ResourceSpec{
		Type: "compute_instance", Name: "web", Count: 1,
	}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}
	if _, err := h.orch.Validate(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	h.vault.Purge(sess.ID)

	_, err := h.orch.Plan(ctx, "acme", sess.ID, nil)
	if !session.IsVaultExpired(err) {
		t.Fatalf("expected vault expired, got %v", err)
	}

	got, err := h.orch.Get(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != session.StatePlanning {
		t.Fatalf("vault miss must not change state; got %s", got.State)
	}
}

func TestApproveAndApplyHappyPath(t *testing.T) {
	h := newHarness(t, &fakeExecutor{result: planSuccess()}, allowAll())
	sess := advanceToPlanReady(t, h)
	h.exec.result = applySuccess()

	ar, err := h.orch.ApproveAndApply(context.Background(), "acme", sess.ID, "carol", nil)
	if err != nil {
		t.Fatalf("ApproveAndApply failed: %v", err)
	}
	if ar.Session.State != session.StateApplied {
		t.Fatalf("expected applied, got %s", ar.Session.State)
	}
	if ar.Session.Approver != "carol" {
		t.Fatalf("expected approver carol, got %q", ar.Session.Approver)
	}
	if ar.Session.AppliedAt == nil {
		t.Fatal("expected applied timestamp")
	}
	if h.vault.Len() != 0 {
		t.Fatal("secret must be purged after apply")
	}

	req := h.exec.lastRequest(t)
	if req.SeedTotal != 3 {
		t.Fatalf("expected apply seeded from plan summary, got %d", req.SeedTotal)
	}
}

func TestApproveAndApplyIsIdempotentOnApplied(t *testing.T) {
	h := newHarness(t, &fakeExecutor{result: planSuccess()}, allowAll())
	sess := advanceToPlanReady(t, h)
	h.exec.result = applySuccess()
	ctx := context.Background()

	if _, err := h.orch.ApproveAndApply(ctx, "acme", sess.ID, "carol", nil); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	before := len(h.exec.requests)

	ar, err := h.orch.ApproveAndApply(ctx, "acme", sess.ID, "carol", nil)
	if err != nil {
		t.Fatalf("repeat apply must not error: %v", err)
	}
	if !ar.AlreadyApplied {
		t.Fatal("expected AlreadyApplied flag")
	}
	if len(h.exec.requests) != before {
		t.Fatal("repeat apply must not invoke the engine")
	}
}

func TestApproveAndApplyRequiresApprover(t *testing.T) {
	h := newHarness(t, &fakeExecutor{result: planSuccess()}, allowAll())
	sess := advanceToPlanReady(t, h)

	profile := policy.DefaultProfile("acme")
	profile.ApprovalRequired = true
	h.store.profiles["acme"] = profile

	_, err := h.orch.ApproveAndApply(context.Background(), "acme", sess.ID, "", nil)
	if err == nil {
		t.Fatal("expected missing approver to fail")
	}
}

func TestApplyWithoutApproverByDefault(t *testing.T) {
	h := newHarness(t, &fakeExecutor{result: planSuccess()}, allowAll())
	sess := advanceToPlanReady(t, h)
	h.exec.result = applySuccess()

	// A tenant that never configured a profile is not gated on approval.
	ar, err := h.orch.ApproveAndApply(context.Background(), "acme", sess.ID, "", nil)
	if err != nil {
		t.Fatalf("default profile must not require an approver: %v", err)
	}
	if ar.Session.State != session.StateApplied {
		t.Fatalf("expected applied, got %s", ar.Session.State)
	}
}

func TestApplyFailureKeepsPartialProgress(t *testing.T) {
	h := newHarness(t, &fakeExecutor{result: planSuccess()}, allowAll())
	sess := advanceToPlanReady(t, h)
	h.exec.result = &runner.Result{
		Operation: runner.OperationApply,
		Success:   false,
		ExitCode:  1,
		Progress:  session.Progress{Completed: 1, Total: 3},
		Excerpt:   []string{"Error: quota exceeded"},
	}

	ar, err := h.orch.ApproveAndApply(context.Background(), "acme", sess.ID, "carol", nil)
	if !session.IsExecutionFailure(err) {
		t.Fatalf("expected execution failure, got %v", err)
	}
	if ar.Session.State != session.StateFailed {
		t.Fatalf("expected failed, got %s", ar.Session.State)
	}
	if ar.Session.Progress.Completed != 1 {
		t.Fatalf("expected partial progress retained, got %+v", ar.Session.Progress)
	}
}

func TestCancelPurgesSecretAndVoidsCapsule(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	sess := mustStart(t, h)
	ctx := context.Background()

	cancelled, err := h.orch.Cancel(ctx, "acme", sess.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.State != session.StateCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.State)
	}
	if h.vault.Len() != 0 {
		t.Fatal("expected vault purged")
	}
	if got := h.store.statuses["acme/"+sess.ID]; got != vault.CapsuleExpired {
		t.Fatalf("expected capsule voided, got %s", got)
	}
}

func TestCancelRejectsTerminalSession(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	sess := mustStart(t, h)
	ctx := context.Background()

	if _, err := h.orch.Cancel(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	_, err := h.orch.Cancel(ctx, "acme", sess.ID)
	if !session.IsStateViolation(err) {
		t.Fatalf("expected state violation, got %v", err)
	}
}

func TestGetOverlaysLiveProgress(t *testing.T) {
	// The executor streams progress, then blocks until told to finish,
	// so a concurrent Get observes the in-flight view.
	release := make(chan struct{})
	started := make(chan struct{})
	exec := &blockingExecutor{
		result:   applySuccess(),
		progress: session.Progress{Completed: 2, Total: 3, CurrentAction: "creating"},
		started:  started,
		release:  release,
	}
	h := newHarnessWithExecutor(t, exec, allowAll())
	sess := advanceToPlanReadyWith(t, h, planSuccess())

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ApproveAndApply(context.Background(), "acme", sess.ID, "carol", nil)
		done <- err
	}()

	<-started
	got, err := h.orch.Get(context.Background(), "acme", sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Progress.Completed != 2 || got.Progress.CurrentAction != "creating" {
		t.Fatalf("expected live progress overlay, got %+v", got.Progress)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// After completion the overlay is gone and the stored record wins.
	got, err = h.orch.Get(context.Background(), "acme", sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Progress.Completed != 3 {
		t.Fatalf("expected stored final progress, got %+v", got.Progress)
	}
}

func TestConcurrentOperationFailsFast(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec := &blockingExecutor{
		result:  applySuccess(),
		started: started,
		release: release,
	}
	h := newHarnessWithExecutor(t, exec, allowAll())
	sess := advanceToPlanReadyWith(t, h, planSuccess())

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ApproveAndApply(context.Background(), "acme", sess.ID, "carol", nil)
		done <- err
	}()
	<-started

	_, err := h.orch.Cancel(context.Background(), "acme", sess.ID)
	if !session.IsOperationInProgress(err) {
		t.Fatalf("expected fail-fast operation-in-progress, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestRecoverRestoresVaultEntry(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	sess := mustStart(t, h)
	ctx := context.Background()

	// Simulate the process losing its in-memory vault.
	h.vault.Purge(sess.ID)
	if _, err := h.vault.Get(sess.ID); !session.IsVaultExpired(err) {
		t.Fatalf("expected vault miss, got %v", err)
	}

	recovered, err := h.orch.Recover(ctx, "acme", sess.ID, "alice")
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if recovered.ID != sess.ID {
		t.Fatalf("unexpected session %s", recovered.ID)
	}

	secret, err := h.vault.Get(sess.ID)
	if err != nil {
		t.Fatalf("vault entry not restored: %v", err)
	}
	if string(secret) != "projects/prod-1234" {
		t.Fatalf("unexpected restored payload %q", secret)
	}
	if got := h.store.statuses["acme/"+sess.ID]; got != vault.CapsuleRedeemed {
		t.Fatalf("expected capsule marked redeemed, got %s", got)
	}
}

func TestRecoverWrongOwnerIsGenericFailure(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	sess := mustStart(t, h)

	_, err := h.orch.Recover(context.Background(), "acme", sess.ID, "mallory")
	if !session.IsRecoveryFailed(err) {
		t.Fatalf("expected generic recovery failure, got %v", err)
	}
	wrongOwner := err.Error()

	_, err = h.orch.Recover(context.Background(), "acme", "no-such-session", "alice")
	if !session.IsRecoveryFailed(err) {
		t.Fatalf("expected generic recovery failure, got %v", err)
	}
	if err.Error() != wrongOwner {
		t.Fatalf("failure modes must be indistinguishable: %q vs %q", wrongOwner, err.Error())
	}
}

func TestRecoverRedeemedCapsuleFails(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	sess := mustStart(t, h)
	ctx := context.Background()

	h.vault.Purge(sess.ID)
	if _, err := h.orch.Recover(ctx, "acme", sess.ID, "alice"); err != nil {
		t.Fatalf("first recovery failed: %v", err)
	}

	// The stored capsule is now marked redeemed; the fake store still
	// returns it, so redemption must fail on status.
	h.vault.Purge(sess.ID)
	c := h.store.capsules["acme/"+sess.ID]
	c.Status = vault.CapsuleRedeemed
	_, err := h.orch.Recover(ctx, "acme", sess.ID, "alice")
	if !session.IsRecoveryFailed(err) {
		t.Fatalf("expected single-use capsule, got %v", err)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	ctx := context.Background()
	now := time.Now().UTC()

	stale := session.New("stale", "acme", "alice", "digest", "gcp", time.Hour, now.Add(-2*time.Hour))
	fresh := session.New("fresh", "acme", "alice", "digest", "gcp", time.Hour, now)
	for _, s := range []*session.Session{&stale, &fresh} {
		if err := h.store.SaveSession(ctx, s); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	_ = h.vault.Put("stale", []byte("secret"), time.Hour)

	swept, err := h.orch.SweepExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}

	got, err := h.orch.Get(ctx, "acme", "stale")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != session.StateExpired {
		t.Fatalf("expected expired, got %s", got.State)
	}
	if h.vault.Len() != 0 {
		t.Fatal("expected stale secret purged")
	}

	got, err = h.orch.Get(ctx, "acme", "fresh")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != session.StateDraft {
		t.Fatalf("fresh session must survive the sweep, got %s", got.State)
	}
}

func TestSecretFileRemovedAfterRun(t *testing.T) {
	var seenPath string
	var existedDuringRun bool
	exec := &inspectExecutor{
		result: planSuccess(),
		inspect: func(req runner.Request) {
			seenPath = filepath.Join(req.Dir, secretFileName)
			_, err := os.Stat(seenPath)
			existedDuringRun = err == nil
		},
	}
	h := newHarnessWithExecutor(t, exec, allowAll())
	advanceToPlanReadyWith(t, h, planSuccess())

	if !existedDuringRun {
		t.Fatal("expected materialized secret file during the run")
	}
	if _, err := os.Stat(seenPath); !os.IsNotExist(err) {
		t.Fatalf("expected secret file removed after run, stat err %v", err)
	}
}

func TestGetIsTenantScoped(t *testing.T) {
	h := newHarness(t, &fakeExecutor{}, allowAll())
	sess := mustStart(t, h)

	_, err := h.orch.Get(context.Background(), "rival", sess.ID)
	if !session.IsNotFound(err) {
		t.Fatalf("cross-tenant read must be not-found, got %v", err)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	if err == nil {
		t.Fatal("expected missing deps to fail")
	}
}

// blockingExecutor streams one progress update then blocks until
// released. Used to observe in-flight state.
type blockingExecutor struct {
	mu       sync.Mutex
	requests []runner.Request
	result   *runner.Result
	progress session.Progress
	started  chan struct{}
	release  chan struct{}

	startOnce sync.Once
}

func (b *blockingExecutor) Run(_ context.Context, req runner.Request, onProgress runner.ProgressFunc) (*runner.Result, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	// Plan invocations pass straight through; only the apply blocks.
	if req.Operation == runner.OperationPlan {
		return planSuccess(), nil
	}
	if onProgress != nil && b.progress.Total > 0 {
		onProgress(b.progress)
	}
	b.startOnce.Do(func() { close(b.started) })
	<-b.release
	cp := *b.result
	return &cp, nil
}

// inspectExecutor calls a hook with each request before returning the
// canned result.
type inspectExecutor struct {
	result  *runner.Result
	inspect func(runner.Request)
}

func (i *inspectExecutor) Run(_ context.Context, req runner.Request, _ runner.ProgressFunc) (*runner.Result, error) {
	if i.inspect != nil {
		i.inspect(req)
	}
	cp := *i.result
	return &cp, nil
}

func newHarnessWithExecutor(t *testing.T, exec Executor, check *fakePolicy) *testHarness {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	store := newFakeStore()
	v := vault.New(zerolog.Nop())
	orch, err := New(Deps{
		Store:      store,
		Vault:      v,
		Executor:   exec,
		Policy:     check,
		Workspaces: workspace.NewManager(t.TempDir()),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return &testHarness{orch: orch, store: store, vault: v, check: check}
}

func advanceToPlanReadyWith(t *testing.T, h *testHarness, _ *runner.Result) session.Session {
	t.Helper()
	sess := mustStart(t, h)
	ctx := context.Background()
	if _, err := h.orch.AddResource(ctx, "acme", sess.ID, session.ResourceSpec{
		Type: "compute_instance", Name: "web", Count: 2, MonthlyCost: 40,
	}); err != nil {
		t.Fatalf("AddResource failed: %v", err)
	}
	if _, err := h.orch.Validate(ctx, "acme", sess.ID); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	pr, err := h.orch.Plan(ctx, "acme", sess.ID, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return pr.Session
}
