package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groundcrew/groundcrew/pkg/policy"
	"github.com/groundcrew/groundcrew/pkg/runner"
	"github.com/groundcrew/groundcrew/pkg/session"
	"github.com/groundcrew/groundcrew/pkg/stores"
	"github.com/groundcrew/groundcrew/pkg/telemetry"
	"github.com/groundcrew/groundcrew/pkg/vault"
	"github.com/groundcrew/groundcrew/pkg/workspace"
)

// secretFileName is the tfvars file the secret is materialized into for
// the duration of an engine run. Owner-only, removed on every exit path.
const secretFileName = "groundcrew.auto.tfvars"

// Deps are the orchestrator's collaborators. Store, Vault, Executor,
// Policy, Workspaces and Logger are required; the telemetry extras may
// be nil.
type Deps struct {
	Store      Store
	Vault      SecretVault
	Executor   Executor
	Policy     PolicyChecker
	Workspaces Workspaces

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Tracer  *telemetry.Tracer
}

// Orchestrator sequences deployment sessions: policy check, plan,
// review, apply.
type Orchestrator struct {
	store      Store
	vault      SecretVault
	exec       Executor
	policy     PolicyChecker
	workspaces Workspaces

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	tracer  *telemetry.Tracer

	locks *sessionLocks

	// liveMu guards live, the in-flight progress overlay keyed by
	// tenant/session.
	liveMu sync.RWMutex
	live   map[string]session.Progress
}

// New creates an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Vault == nil:
		return nil, fmt.Errorf("vault is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("executor is required")
	case deps.Policy == nil:
		return nil, fmt.Errorf("policy checker is required")
	case deps.Workspaces == nil:
		return nil, fmt.Errorf("workspace manager is required")
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	}

	return &Orchestrator{
		store:      deps.Store,
		vault:      deps.Vault,
		exec:       deps.Executor,
		policy:     deps.Policy,
		workspaces: deps.Workspaces,
		logger:     deps.Logger.NewComponentLogger("orchestrator"),
		metrics:    deps.Metrics,
		events:     deps.Events,
		tracer:     deps.Tracer,
		locks:      newSessionLocks(),
		live:       make(map[string]session.Progress),
	}, nil
}

// Start creates a new session in Draft, vaults the project reference and
// persists a recovery capsule bound to the requesting user.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (session.Session, error) {
	if req.Tenant == "" || req.User == "" || req.ProjectRef == "" || req.Provider == "" {
		return session.Session{}, fmt.Errorf("tenant, user, project reference and provider are required")
	}

	ctx, span := o.startSpan(ctx, "start", req.Tenant, "")
	defer span.end()

	id := uuid.New().String()
	now := time.Now().UTC()
	digest := workspace.ProjectDigest(req.Tenant, req.ProjectRef)
	sess := session.New(id, req.Tenant, req.User, digest, req.Provider, session.ClampTTL(req.TTL), now)

	if err := o.vault.PutUntil(id, []byte(req.ProjectRef), sess.ExpiresAt); err != nil {
		return session.Session{}, span.fail(fmt.Errorf("failed to vault project reference: %w", err))
	}

	capsule, err := o.vault.GenerateCapsule(id, req.User, req.Tenant)
	if err != nil {
		o.vault.Purge(id)
		return session.Session{}, span.fail(fmt.Errorf("failed to generate recovery capsule: %w", err))
	}

	if _, err := o.store.EnsureProfile(ctx, req.Tenant); err != nil {
		o.vault.Purge(id)
		return session.Session{}, span.fail(err)
	}
	if err := o.store.SaveCapsule(ctx, capsule); err != nil {
		o.vault.Purge(id)
		return session.Session{}, span.fail(fmt.Errorf("failed to persist capsule: %w", err))
	}
	if err := o.store.SaveSession(ctx, &sess); err != nil {
		o.vault.Purge(id)
		return session.Session{}, span.fail(fmt.Errorf("failed to persist session: %w", err))
	}

	o.audit(ctx, req.Tenant, id, req.User, stores.AuditSessionStarted,
		fmt.Sprintf("provider %s, expires %s", req.Provider, sess.ExpiresAt.Format(time.RFC3339)))
	if o.metrics != nil {
		o.metrics.RecordSessionStarted(req.Provider)
		o.metrics.SetVaultEntries(float64(o.vault.Len()))
	}
	if o.events != nil {
		_ = o.events.PublishSessionStarted(req.Tenant, id, req.User, req.Provider)
	}

	o.logger.WithTenant(req.Tenant).WithSessionID(id).Info("session started")
	return sess, nil
}

// AddResource appends a resource request to an editable session. In
// PlanReady this amends the session back to Planning and clears the
// stale plan summary.
func (o *Orchestrator) AddResource(ctx context.Context, tenant, id string, spec session.ResourceSpec) (session.Session, error) {
	release, ok := o.locks.tryAcquire(sessionKey(tenant, id))
	if !ok {
		return session.Session{}, session.NewOperationInProgress(id)
	}
	defer release()

	sess, err := o.store.GetSession(ctx, tenant, id)
	if err != nil {
		return session.Session{}, err
	}

	updated, err := sess.AppendResource(spec)
	if err != nil {
		return session.Session{}, err
	}
	if err := o.store.SaveSession(ctx, &updated); err != nil {
		return session.Session{}, err
	}

	o.audit(ctx, tenant, id, sess.User, stores.AuditResourceAdded,
		fmt.Sprintf("%s %s", spec.Type, spec.Name))
	if o.events != nil && updated.State != sess.State {
		_ = o.events.PublishStateChanged(tenant, id, string(sess.State), string(updated.State))
	}
	return updated, nil
}

// Validate runs the policy enforcer against the session's resource list.
// Violations are returned as data; the session moves to Planning on pass
// and Failed on rejection.
func (o *Orchestrator) Validate(ctx context.Context, tenant, id string) (*ValidationResult, error) {
	release, ok := o.locks.tryAcquire(sessionKey(tenant, id))
	if !ok {
		return nil, session.NewOperationInProgress(id)
	}
	defer release()

	ctx, span := o.startSpan(ctx, "validate", tenant, id)
	defer span.end()

	sess, err := o.store.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, span.fail(err)
	}

	validating, err := sess.Apply(session.EventSubmit)
	if err != nil {
		return nil, span.fail(err)
	}

	profile, err := o.store.EnsureProfile(ctx, tenant)
	if err != nil {
		return nil, span.fail(err)
	}
	current, err := o.store.CountTenantInstances(ctx, tenant)
	if err != nil {
		return nil, span.fail(err)
	}

	check, err := o.policy.Check(ctx, profile, policy.CheckInput{
		TenantID:         tenant,
		Resources:        validating.Resources,
		EstimatedCost:    validating.CostEstimate,
		CurrentInstances: current,
	})
	if err != nil {
		return nil, span.fail(err)
	}

	if o.metrics != nil {
		o.metrics.RecordPolicyCheck(check.Allowed)
	}

	if !check.Allowed {
		failed, err := validating.Apply(session.EventValidateFail)
		if err != nil {
			return nil, span.fail(err)
		}
		failed = failed.WithFailure(strings.Join(check.Reasons(), "; "), nil)
		if err := o.store.SaveSession(ctx, &failed); err != nil {
			return nil, span.fail(err)
		}

		for _, v := range check.Violations {
			if o.metrics != nil {
				o.metrics.RecordPolicyViolation(v.Check)
			}
			if o.events != nil {
				_ = o.events.PublishPolicyViolation(tenant, id, v.Check, v.Reason)
			}
		}
		o.audit(ctx, tenant, id, sess.User, stores.AuditSessionFailed,
			"policy rejection: "+strings.Join(check.Reasons(), "; "))
		o.finishSession(failed)

		o.logger.WithTenant(tenant).WithSessionID(id).
			Infof("validation rejected: %s", strings.Join(check.Reasons(), "; "))
		return &ValidationResult{Session: failed, Allowed: false, Violations: check.Violations}, nil
	}

	planning, err := validating.Apply(session.EventValidatePass)
	if err != nil {
		return nil, span.fail(err)
	}
	if err := o.store.SaveSession(ctx, &planning); err != nil {
		return nil, span.fail(err)
	}

	o.audit(ctx, tenant, id, sess.User, stores.AuditSessionValidated, "")
	if o.events != nil {
		_ = o.events.PublishStateChanged(tenant, id, string(sess.State), string(planning.State))
	}
	return &ValidationResult{Session: planning, Allowed: true}, nil
}

// Plan runs the engine dry run and records the change summary. The vault
// is consulted first: an expired entry fails without touching session
// state, so recovery remains possible.
func (o *Orchestrator) Plan(ctx context.Context, tenant, id string, onProgress runner.ProgressFunc) (*PlanResult, error) {
	release, ok := o.locks.tryAcquire(sessionKey(tenant, id))
	if !ok {
		return nil, session.NewOperationInProgress(id)
	}
	defer release()

	ctx, span := o.startSpan(ctx, "plan", tenant, id)
	defer span.end()

	sess, err := o.store.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, span.fail(err)
	}
	if sess.State != session.StatePlanning {
		return nil, span.fail(session.NewStateViolation(sess.State, session.EventPlanSucceed))
	}

	result, runErr := o.runEngine(ctx, sess, runner.OperationPlan, 0, onProgress)
	if runErr != nil && result == nil {
		// The engine never ran; session state is untouched.
		return nil, span.fail(runErr)
	}

	if runErr != nil {
		failed, err := sess.Apply(session.EventPlanFail)
		if err != nil {
			return nil, span.fail(err)
		}
		failed = failed.WithFailure(runErr.Error(), result.Excerpt).WithProgress(result.Progress)
		if err := o.store.SaveSession(ctx, &failed); err != nil {
			return nil, span.fail(err)
		}

		o.audit(ctx, tenant, id, sess.User, stores.AuditSessionFailed, "plan failed")
		if o.events != nil {
			_ = o.events.PublishSessionFailed(tenant, id, runErr.Error())
		}
		o.finishSession(failed)
		return &PlanResult{Session: failed}, span.fail(runErr)
	}

	ready, err := sess.Apply(session.EventPlanSucceed)
	if err != nil {
		return nil, span.fail(err)
	}
	ready = ready.WithSummary(result.Summary).WithProgress(result.Progress)
	if err := o.store.SaveSession(ctx, &ready); err != nil {
		return nil, span.fail(err)
	}

	o.audit(ctx, tenant, id, sess.User, stores.AuditSessionPlanned,
		fmt.Sprintf("create %d, update %d, delete %d", result.Summary.ToCreate, result.Summary.ToUpdate, result.Summary.ToDelete))
	if o.events != nil {
		_ = o.events.PublishStateChanged(tenant, id, string(sess.State), string(ready.State))
	}

	o.logger.WithTenant(tenant).WithSessionID(id).WithOperation("plan").
		Infof("plan ready: %d changes", result.Summary.Total())
	return &PlanResult{Session: ready, Summary: result.Summary, Duration: result.Duration}, nil
}

// ApproveAndApply approves a PlanReady session and runs the apply. An
// already-Applied session is an idempotent no-op. The secret is fetched
// before any transition, so a vault miss leaves the session in PlanReady.
func (o *Orchestrator) ApproveAndApply(ctx context.Context, tenant, id, approver string, onProgress runner.ProgressFunc) (*ApplyResult, error) {
	release, ok := o.locks.tryAcquire(sessionKey(tenant, id))
	if !ok {
		return nil, session.NewOperationInProgress(id)
	}
	defer release()

	ctx, span := o.startSpan(ctx, "approve_and_apply", tenant, id)
	defer span.end()

	sess, err := o.store.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, span.fail(err)
	}

	if sess.State == session.StateApplied {
		o.logger.WithTenant(tenant).WithSessionID(id).Warn("session already applied; ignoring")
		return &ApplyResult{Session: *sess, AlreadyApplied: true, Progress: sess.Progress}, nil
	}

	profile, err := o.store.EnsureProfile(ctx, tenant)
	if err != nil {
		return nil, span.fail(err)
	}
	if approver == "" && profile.ApprovalRequired {
		return nil, span.fail(fmt.Errorf("approver is required for tenant %s", tenant))
	}

	// Fetching the secret first keeps a VaultExpired failure from
	// moving the session out of PlanReady.
	if _, err := o.vault.Get(id); err != nil {
		return nil, span.fail(err)
	}

	approved, err := sess.Apply(session.EventApprove)
	if err != nil {
		return nil, span.fail(err)
	}
	approved = approved.WithApprover(approver)

	applying, err := approved.Apply(session.EventApplyStart)
	if err != nil {
		return nil, span.fail(err)
	}
	if err := o.store.SaveSession(ctx, &applying); err != nil {
		return nil, span.fail(err)
	}
	o.audit(ctx, tenant, id, approver, stores.AuditSessionApproved, "")
	if o.events != nil {
		_ = o.events.PublishStateChanged(tenant, id, string(sess.State), string(applying.State))
	}

	if o.metrics != nil {
		o.metrics.IncActiveApplies()
		defer o.metrics.DecActiveApplies()
	}

	seed := 0
	if applying.Summary != nil {
		seed = applying.Summary.Total()
	}

	result, runErr := o.runEngine(ctx, &applying, runner.OperationApply, seed, onProgress)
	if runErr != nil && result == nil {
		// Spawn failure: the engine never ran. Record it like an
		// execution failure so diagnostics survive.
		result = &runner.Result{Operation: runner.OperationApply}
	}

	if runErr != nil {
		failed, err := applying.Apply(session.EventApplyFail)
		if err != nil {
			return nil, span.fail(err)
		}
		failed = failed.WithFailure(runErr.Error(), result.Excerpt).WithProgress(result.Progress)
		if err := o.store.SaveSession(ctx, &failed); err != nil {
			return nil, span.fail(err)
		}

		o.audit(ctx, tenant, id, approver, stores.AuditSessionFailed, "apply failed")
		if o.events != nil {
			_ = o.events.PublishSessionFailed(tenant, id, runErr.Error())
		}
		o.finishSession(failed)
		return &ApplyResult{Session: failed, Progress: result.Progress, Duration: result.Duration}, span.fail(runErr)
	}

	applied, err := applying.Apply(session.EventApplySucceed)
	if err != nil {
		return nil, span.fail(err)
	}
	applied = applied.WithProgress(result.Progress)
	if err := o.store.SaveSession(ctx, &applied); err != nil {
		return nil, span.fail(err)
	}

	// The secret has no further use once infrastructure exists.
	o.vault.Purge(id)

	o.audit(ctx, tenant, id, approver, stores.AuditSessionApplied,
		fmt.Sprintf("%d resource operations in %s", result.Progress.Completed, result.Duration.Round(time.Second)))
	if o.events != nil {
		_ = o.events.PublishSessionApplied(tenant, id, result.Duration)
	}
	o.finishSession(applied)
	if o.metrics != nil {
		o.metrics.SetVaultEntries(float64(o.vault.Len()))
	}

	o.logger.WithTenant(tenant).WithSessionID(id).WithOperation("apply").
		Infof("session applied: %d/%d operations", result.Progress.Completed, result.Progress.Total)
	return &ApplyResult{Session: applied, Progress: result.Progress, Duration: result.Duration}, nil
}

// Cancel abandons a session. Provisioned infrastructure is not touched;
// the vault entry is purged and the recovery capsule voided.
func (o *Orchestrator) Cancel(ctx context.Context, tenant, id string) (session.Session, error) {
	release, ok := o.locks.tryAcquire(sessionKey(tenant, id))
	if !ok {
		return session.Session{}, session.NewOperationInProgress(id)
	}
	defer release()

	sess, err := o.store.GetSession(ctx, tenant, id)
	if err != nil {
		return session.Session{}, err
	}

	cancelled, err := sess.Apply(session.EventCancel)
	if err != nil {
		return session.Session{}, err
	}
	if err := o.store.SaveSession(ctx, &cancelled); err != nil {
		return session.Session{}, err
	}

	o.vault.Purge(id)
	if err := o.store.MarkCapsuleStatus(ctx, tenant, id, vault.CapsuleExpired); err != nil && !session.IsNotFound(err) {
		o.logger.WithTenant(tenant).WithSessionID(id).WithError(err).Warn("failed to void recovery capsule")
	}

	o.audit(ctx, tenant, id, sess.User, stores.AuditSessionCancelled, "")
	if o.events != nil {
		_ = o.events.PublishStateChanged(tenant, id, string(sess.State), string(cancelled.State))
	}
	o.finishSession(cancelled)
	if o.metrics != nil {
		o.metrics.SetVaultEntries(float64(o.vault.Len()))
	}

	o.logger.WithTenant(tenant).WithSessionID(id).Info("session cancelled")
	return cancelled, nil
}

// Get reads a session. While an apply is in flight the live progress
// view overlays the stored record.
func (o *Orchestrator) Get(ctx context.Context, tenant, id string) (session.Session, error) {
	sess, err := o.store.GetSession(ctx, tenant, id)
	if err != nil {
		return session.Session{}, err
	}

	o.liveMu.RLock()
	progress, ok := o.live[sessionKey(tenant, id)]
	o.liveMu.RUnlock()
	if ok {
		overlaid := sess.WithProgress(progress)
		return overlaid, nil
	}
	return *sess, nil
}

// Recover redeems the recovery capsule and re-opens the vault entry with
// the remaining TTL. Every failure mode reports the same generic
// RecoveryFailed; capsules are single use.
func (o *Orchestrator) Recover(ctx context.Context, tenant, id, claimedOwner string) (session.Session, error) {
	release, ok := o.locks.tryAcquire(sessionKey(tenant, id))
	if !ok {
		return session.Session{}, session.NewOperationInProgress(id)
	}
	defer release()

	fail := func() (session.Session, error) {
		if o.metrics != nil {
			o.metrics.RecordCapsuleRedemption(false)
		}
		o.logger.WithTenant(tenant).WithSessionID(id).Info("capsule redemption failed")
		return session.Session{}, session.NewRecoveryFailed()
	}

	sess, err := o.store.GetSession(ctx, tenant, id)
	if err != nil {
		return fail()
	}
	capsule, err := o.store.GetCapsule(ctx, tenant, id)
	if err != nil {
		return fail()
	}

	payload, expiresAt, err := vault.RedeemCapsule(capsule, id, claimedOwner, time.Now().UTC())
	if err != nil {
		return fail()
	}

	// Remaining TTL only: the capsule's expiry mirrors the original
	// vault entry's, never a fresh window.
	if err := o.vault.PutUntil(id, payload, expiresAt); err != nil {
		return fail()
	}
	if err := o.store.MarkCapsuleStatus(ctx, tenant, id, vault.CapsuleRedeemed); err != nil {
		o.vault.Purge(id)
		return fail()
	}

	o.audit(ctx, tenant, id, claimedOwner, stores.AuditSessionRecovered, "")
	if o.metrics != nil {
		o.metrics.RecordCapsuleRedemption(true)
		o.metrics.SetVaultEntries(float64(o.vault.Len()))
	}
	if o.events != nil {
		_ = o.events.PublishCapsuleRedeemed(tenant, id)
	}

	o.logger.WithTenant(tenant).WithSessionID(id).Info("session recovered from capsule")
	return *sess, nil
}

// SweepExpiredSessions moves every eligible session past its TTL to
// Expired and purges its secret. Applying sessions are never touched.
func (o *Orchestrator) SweepExpiredSessions(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := o.store.ListExpiredSessions(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, sess := range expired {
		release, ok := o.locks.tryAcquire(sessionKey(sess.TenantID, sess.ID))
		if !ok {
			// Busy session; the next sweep will catch it.
			continue
		}

		done, err := sess.Apply(session.EventExpire)
		if err != nil {
			release()
			continue
		}
		if err := o.store.SaveSession(ctx, &done); err != nil {
			release()
			o.logger.WithSessionID(sess.ID).WithError(err).Error("failed to persist expiry")
			continue
		}

		o.vault.Purge(sess.ID)
		if err := o.store.MarkCapsuleStatus(ctx, sess.TenantID, sess.ID, vault.CapsuleExpired); err != nil && !session.IsNotFound(err) {
			o.logger.WithSessionID(sess.ID).WithError(err).Warn("failed to expire capsule")
		}
		o.audit(ctx, sess.TenantID, sess.ID, "sweeper", stores.AuditSessionExpired, "")
		o.finishSession(done)
		if o.events != nil {
			_ = o.events.PublishStateChanged(sess.TenantID, sess.ID, string(sess.State), string(done.State))
		}
		release()
		swept++
	}

	if o.metrics != nil {
		o.metrics.SetVaultEntries(float64(o.vault.Len()))
	}
	return swept, nil
}

// runEngine lays out the workspace, materializes the secret and runs one
// engine operation. A (nil, err) return means the engine never started.
func (o *Orchestrator) runEngine(ctx context.Context, sess *session.Session, op runner.Operation, seedTotal int, onProgress runner.ProgressFunc) (*runner.Result, error) {
	secret, err := o.vault.Get(sess.ID)
	if err != nil {
		return nil, err
	}

	profile, err := o.store.EnsureProfile(ctx, sess.TenantID)
	if err != nil {
		return nil, err
	}

	layout := o.workspaces.Layout(sess.TenantID, string(secret))
	if err := o.workspaces.Ensure(layout); err != nil {
		return nil, err
	}

	secretPath := filepath.Join(layout.Dir, secretFileName)
	content := fmt.Sprintf("project_ref = %q\n", string(secret))
	if err := os.WriteFile(secretPath, []byte(content), 0o600); err != nil {
		return nil, fmt.Errorf("failed to materialize project reference: %w", err)
	}
	defer os.Remove(secretPath)

	key := sessionKey(sess.TenantID, sess.ID)
	progress := func(p session.Progress) {
		o.liveMu.Lock()
		o.live[key] = p
		o.liveMu.Unlock()

		if o.events != nil {
			_ = o.events.PublishProgress(sess.TenantID, sess.ID, p.Completed, p.Total, p.CurrentAction)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	defer func() {
		o.liveMu.Lock()
		delete(o.live, key)
		o.liveMu.Unlock()
	}()

	result, err := o.exec.Run(ctx, runner.Request{
		Operation: op,
		Dir:       layout.Dir,
		Binary:    profile.Engine.Binary(),
		SeedTotal: seedTotal,
	}, progress)

	if o.metrics != nil && result != nil {
		status := "success"
		if !result.Success {
			status = "failure"
		}
		o.metrics.RecordExecution(string(op), status, result.Duration)
	}

	if err != nil {
		return nil, err
	}
	return result, result.Err()
}

// finishSession records terminal-state metrics.
func (o *Orchestrator) finishSession(sess session.Session) {
	if o.metrics == nil {
		return
	}
	o.metrics.RecordSessionFinished(string(sess.State), time.Since(sess.CreatedAt))
}

// audit appends an audit event, logging rather than failing on error.
func (o *Orchestrator) audit(ctx context.Context, tenant, sessID, actor, action, details string) {
	ev := &stores.AuditEvent{
		TenantID:  tenant,
		SessionID: sessID,
		Actor:     actor,
		Action:    action,
		Details:   details,
	}
	if err := o.store.AppendAudit(ctx, ev); err != nil {
		o.logger.WithTenant(tenant).WithSessionID(sessID).WithError(err).Warn("failed to append audit event")
	}
}

func sessionKey(tenant, id string) string {
	return tenant + "/" + id
}
