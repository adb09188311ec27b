package deployment

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/flowgate/flowgate/internal/flowerr"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/wire"
)

// DefaultStageSize is used when a staged deployment is created without a
// positive StageSize. Staged targets are always split into consecutive
// equal-size waves in target order; StageTag does not affect the split.
const DefaultStageSize = 10

// Engine orchestrates deployments. Grounded on the teacher's pkg/queue
// worker-pool pattern generalized from "one queue, many workers" to "one
// coordinator per deployment, CAS-guarded per-agent status rows" (spec §5).
type Engine struct {
	agents           store.AgentStore
	deployments      store.DeploymentStore
	log              *slog.Logger
	now              func() time.Time
	defaultStageSize int
}

func New(agents store.AgentStore, deployments store.DeploymentStore, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{agents: agents, deployments: deployments, log: log, now: time.Now, defaultStageSize: DefaultStageSize}
}

// SetDefaultStageSize overrides the wave size staged deployments fall back
// to when a request doesn't name an explicit StageSize, letting the
// deployment's operator-configured default (flowconfig.Config.DeploymentStageSize)
// take effect instead of the package default.
func (e *Engine) SetDefaultStageSize(n int) {
	if n > 0 {
		e.defaultStageSize = n
	}
}

// CreateDeployment computes the target set, persists the deployment and its
// per-agent status rows, supersedes overlapping prior deployments, and
// offers the initial batch per rollout strategy (spec §4.5).
func (e *Engine) CreateDeployment(ctx context.Context, req CreateRequest) (string, error) {
	if req.Strategy == StrategyCanary && (req.CanaryPercent < 1 || req.CanaryPercent > 100) {
		return "", flowerr.NewDeploymentError("", "canary_percent must be 1..100 for canary strategy")
	}

	pred := req.Targeting
	pred.OrganizationID = req.OrganizationID
	pred.ExcludeInactive = true
	targets, err := e.agents.List(ctx, pred)
	if err != nil {
		return "", fmt.Errorf("deployment: listing targets: %w", err)
	}
	if len(targets) == 0 {
		return "", flowerr.NewDeploymentError("", "targeting predicate matched no active agents")
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].AgentID < targets[j].AgentID })

	deploymentID, err := newID("dep")
	if err != nil {
		return "", err
	}

	waves := assignWaves(targets, req.Strategy, req.StageSize, e.defaultStageSize)
	statuses := make([]store.AgentDeploymentStatusRecord, 0, len(targets))
	for i, a := range targets {
		statuses = append(statuses, store.AgentDeploymentStatusRecord{
			DeploymentID: deploymentID,
			AgentID:      a.AgentID,
			Phase:        string(PhaseQueued),
			UpdatedAt:    e.now(),
			Wave:         waves[i],
		})
	}

	dep := store.DeploymentRecord{
		DeploymentID:     deploymentID,
		OrganizationID:   req.OrganizationID,
		Name:             req.Name,
		DocumentRef:      req.DocumentRef,
		RolloutStrategy:  string(req.Strategy),
		CanaryPercent:    req.CanaryPercent,
		TolerateFailures: req.TolerateFailures,
		State:            string(StatePending),
		CreatedAt:        e.now(),
	}

	if err := e.supersedePriorDeployments(ctx, req.OrganizationID, deploymentID, targets); err != nil {
		return "", err
	}

	if err := e.deployments.CreateWithStatuses(ctx, dep, statuses); err != nil {
		return "", fmt.Errorf("deployment: persisting deployment: %w", err)
	}

	if err := e.offerInitialBatch(ctx, deploymentID, req.Strategy, req.CanaryPercent, statuses); err != nil {
		return "", err
	}

	started := e.now()
	if err := e.deployments.UpdateDeploymentState(ctx, req.OrganizationID, deploymentID, string(StateInProgress), &started, nil); err != nil {
		return "", fmt.Errorf("deployment: marking in_progress: %w", err)
	}

	return deploymentID, nil
}

// assignWaves partitions targets into waves for staged rollouts, in
// deterministic (already agent_id-sorted) order. Non-staged strategies get
// wave 0 for every target.
func assignWaves(targets []store.AgentRecord, strategy RolloutStrategy, stageSize, defaultStageSize int) []int {
	waves := make([]int, len(targets))
	if strategy != StrategyStaged {
		return waves
	}
	if stageSize <= 0 {
		stageSize = defaultStageSize
	}
	for i := range targets {
		waves[i] = i / stageSize
	}
	return waves
}

func (e *Engine) offerInitialBatch(ctx context.Context, deploymentID string, strategy RolloutStrategy, canaryPercent int, statuses []store.AgentDeploymentStatusRecord) error {
	switch strategy {
	case StrategyImmediate:
		return e.offerAgents(ctx, deploymentID, agentIDs(statuses))
	case StrategyCanary:
		n := canaryBatchSize(len(statuses), canaryPercent)
		return e.offerAgents(ctx, deploymentID, agentIDs(statuses[:n]))
	case StrategyStaged:
		var first []string
		for _, s := range statuses {
			if s.Wave == 0 {
				first = append(first, s.AgentID)
			}
		}
		return e.offerAgents(ctx, deploymentID, first)
	default:
		return flowerr.NewDeploymentError(deploymentID, fmt.Sprintf("unknown rollout strategy %q", strategy))
	}
}

// canaryBatchSize computes ceil(n*percent/100), per spec §4.5.
func canaryBatchSize(n, percent int) int {
	size := (n*percent + 99) / 100
	if size < 1 {
		size = 1
	}
	if size > n {
		size = n
	}
	return size
}

func agentIDs(statuses []store.AgentDeploymentStatusRecord) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = s.AgentID
	}
	return out
}

func (e *Engine) offerAgents(ctx context.Context, deploymentID string, agentIDs []string) error {
	for _, agentID := range agentIDs {
		rec, err := e.deployments.GetStatus(ctx, deploymentID, agentID)
		if err != nil {
			return fmt.Errorf("deployment: reading status for offer: %w", err)
		}
		if rec.Phase != string(PhaseQueued) {
			continue
		}
		rec.Phase = string(PhaseOffered)
		rec.UpdatedAt = e.now()
		if err := e.deployments.UpdateStatusCAS(ctx, rec, string(PhaseQueued)); err != nil {
			return fmt.Errorf("deployment: offering agent %s: %w", agentID, err)
		}
	}
	return nil
}

// supersedePriorDeployments marks prior non-terminal deployments' rows
// skipped for any target claimed by the new deployment (spec §4.5).
func (e *Engine) supersedePriorDeployments(ctx context.Context, organizationID, newDeploymentID string, targets []store.AgentRecord) error {
	seen := map[string]bool{}
	for _, a := range targets {
		prior, err := e.deployments.ListActiveForTarget(ctx, organizationID, a.AgentID)
		if err != nil {
			return fmt.Errorf("deployment: listing prior deployments for %s: %w", a.AgentID, err)
		}
		for _, dep := range prior {
			if dep.DeploymentID == newDeploymentID || seen[dep.DeploymentID+"/"+a.AgentID] {
				continue
			}
			seen[dep.DeploymentID+"/"+a.AgentID] = true
			rec, err := e.deployments.GetStatus(ctx, dep.DeploymentID, a.AgentID)
			if err != nil {
				continue
			}
			if Phase(rec.Phase).Terminal() {
				continue
			}
			prevPhase := rec.Phase
			rec.Phase = string(PhaseSkipped)
			rec.UpdatedAt = e.now()
			if err := e.deployments.UpdateStatusCAS(ctx, rec, prevPhase); err != nil {
				e.log.Warn("superseding prior deployment status failed, continuing", "deployment_id", dep.DeploymentID, "agent_id", a.AgentID, "error", err)
			}
		}
	}
	return nil
}

// PromoteCanary offers every still-queued target of a canary deployment.
func (e *Engine) PromoteCanary(ctx context.Context, organizationID, deploymentID string) error {
	dep, err := e.deployments.GetDeployment(ctx, organizationID, deploymentID)
	if err != nil {
		return err
	}
	if dep.RolloutStrategy != string(StrategyCanary) {
		return flowerr.NewDeploymentError(deploymentID, "promote_canary called on a non-canary deployment")
	}
	return e.offerPhase(ctx, deploymentID, string(PhaseQueued))
}

// AdvanceStage offers the next wave of a staged deployment.
func (e *Engine) AdvanceStage(ctx context.Context, organizationID, deploymentID string) error {
	dep, err := e.deployments.GetDeployment(ctx, organizationID, deploymentID)
	if err != nil {
		return err
	}
	if dep.RolloutStrategy != string(StrategyStaged) {
		return flowerr.NewDeploymentError(deploymentID, "advance_stage called on a non-staged deployment")
	}
	rows, err := e.deployments.ListStatuses(ctx, deploymentID)
	if err != nil {
		return err
	}
	currentMaxOffered := -1
	for _, r := range rows {
		if r.Phase != string(PhaseQueued) && r.Wave > currentMaxOffered {
			currentMaxOffered = r.Wave
		}
	}
	nextWave := currentMaxOffered + 1
	var toOffer []string
	for _, r := range rows {
		if r.Wave == nextWave && r.Phase == string(PhaseQueued) {
			toOffer = append(toOffer, r.AgentID)
		}
	}
	if len(toOffer) == 0 {
		return flowerr.NewDeploymentError(deploymentID, "no further stage to advance")
	}
	return e.offerAgents(ctx, deploymentID, toOffer)
}

func (e *Engine) offerPhase(ctx context.Context, deploymentID, fromPhase string) error {
	rows, err := e.deployments.ListStatuses(ctx, deploymentID)
	if err != nil {
		return err
	}
	var ids []string
	for _, r := range rows {
		if r.Phase == fromPhase {
			ids = append(ids, r.AgentID)
		}
	}
	return e.offerAgents(ctx, deploymentID, ids)
}

// AdvanceFromReport applies an agent's reported remote_config_status/
// effective_config_hash to its AgentDeploymentStatusRecord for the
// deployment currently targeting it, and re-evaluates completion (spec
// §4.5's event-driven advancement rules).
func (e *Engine) AdvanceFromReport(ctx context.Context, organizationID, agentID string, reportedStatus wire.RemoteConfigStatusEnum, reportedHash []byte, documentHash []byte) error {
	prior, err := e.deployments.ListActiveForTarget(ctx, organizationID, agentID)
	if err != nil || len(prior) == 0 {
		return nil
	}
	dep := prior[0]
	rec, err := e.deployments.GetStatus(ctx, dep.DeploymentID, agentID)
	if err != nil {
		return nil
	}
	if Phase(rec.Phase).Terminal() {
		return nil
	}

	prevPhase := rec.Phase
	switch reportedStatus {
	case wire.RemoteConfigStatusApplying:
		rec.Phase = string(PhaseApplying)
	case wire.RemoteConfigStatusApplied:
		if bytesEqual(reportedHash, documentHash) {
			rec.Phase = string(PhaseApplied)
		}
	case wire.RemoteConfigStatusFailed:
		rec.Phase = string(PhaseFailed)
		rec.Error = "agent reported FAILED"
	}
	rec.LastReportedHash = reportedHash
	rec.UpdatedAt = e.now()

	if rec.Phase == prevPhase {
		return nil
	}
	if err := e.deployments.UpdateStatusCAS(ctx, rec, prevPhase); err != nil {
		return fmt.Errorf("deployment: advancing status for agent %s: %w", agentID, err)
	}

	if rec.Phase == string(PhaseFailed) && !dep.TolerateFailures {
		failed := e.now()
		return e.deployments.UpdateDeploymentState(ctx, organizationID, dep.DeploymentID, string(StateFailed), nil, &failed)
	}

	return e.reevaluateCompletion(ctx, organizationID, dep.DeploymentID)
}

func (e *Engine) reevaluateCompletion(ctx context.Context, organizationID, deploymentID string) error {
	rows, err := e.deployments.ListStatuses(ctx, deploymentID)
	if err != nil {
		return err
	}
	anyApplied := false
	allTerminal := true
	for _, r := range rows {
		if r.Phase == string(PhaseApplied) {
			anyApplied = true
		}
		if !Phase(r.Phase).Terminal() {
			allTerminal = false
		}
	}
	if allTerminal && anyApplied {
		completed := e.now()
		return e.deployments.UpdateDeploymentState(ctx, organizationID, deploymentID, string(StateCompleted), nil, &completed)
	}
	return nil
}

// ExpireTimedOut marks every non-terminal status row of deploymentID whose
// agent has been inactive beyond the deployment-scoped timeout as skipped,
// per spec §4.5.
func (e *Engine) ExpireTimedOut(ctx context.Context, organizationID, deploymentID string, isInactive func(agentID string) bool) error {
	rows, err := e.deployments.ListStatuses(ctx, deploymentID)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if Phase(r.Phase).Terminal() || !isInactive(r.AgentID) {
			continue
		}
		prevPhase := r.Phase
		r.Phase = string(PhaseSkipped)
		r.UpdatedAt = e.now()
		if err := e.deployments.UpdateStatusCAS(ctx, r, prevPhase); err != nil {
			e.log.Warn("expiring timed-out status failed", "deployment_id", deploymentID, "agent_id", r.AgentID, "error", err)
		}
	}
	return e.reevaluateCompletion(ctx, organizationID, deploymentID)
}

// Rollback creates a new deployment targeting the same agents, each pinned
// to its own last-applied document (spec §4.5).
func (e *Engine) Rollback(ctx context.Context, organizationID, deploymentID string) (string, error) {
	dep, err := e.deployments.GetDeployment(ctx, organizationID, deploymentID)
	if err != nil {
		return "", err
	}
	rows, err := e.deployments.ListStatuses(ctx, deploymentID)
	if err != nil {
		return "", err
	}

	byDoc := map[string][]string{}
	for _, r := range rows {
		docRef, err := e.deployments.LastAppliedDocument(ctx, organizationID, r.AgentID, deploymentID)
		if err != nil {
			continue
		}
		byDoc[docRef] = append(byDoc[docRef], r.AgentID)
	}
	if len(byDoc) == 0 {
		return "", flowerr.NewDeploymentError(deploymentID, "no agent has a prior applied document to roll back to")
	}

	// One new deployment per distinct previous document, sharing a common
	// supersedes pointer; the first one's ID is returned as the rollback's
	// handle, matching the single new_deployment_id the spec describes.
	var firstID string
	for docRef, agentIDsForDoc := range byDoc {
		newID, err := e.createForAgentSet(ctx, organizationID, dep, docRef, agentIDsForDoc)
		if err != nil {
			return "", err
		}
		if firstID == "" {
			firstID = newID
		}
	}
	return firstID, nil
}

func (e *Engine) createForAgentSet(ctx context.Context, organizationID string, original store.DeploymentRecord, docRef string, agentIDs []string) (string, error) {
	newDeploymentID, err := newID("dep")
	if err != nil {
		return "", err
	}
	statuses := make([]store.AgentDeploymentStatusRecord, 0, len(agentIDs))
	sort.Strings(agentIDs)
	for _, a := range agentIDs {
		statuses = append(statuses, store.AgentDeploymentStatusRecord{
			DeploymentID: newDeploymentID,
			AgentID:      a,
			Phase:        string(PhaseQueued),
			UpdatedAt:    e.now(),
		})
	}
	dep := store.DeploymentRecord{
		DeploymentID:     newDeploymentID,
		OrganizationID:   organizationID,
		Name:             original.Name + "-rollback",
		DocumentRef:      docRef,
		RolloutStrategy:  string(StrategyImmediate),
		TolerateFailures: original.TolerateFailures,
		State:            string(StatePending),
		CreatedAt:        e.now(),
		Supersedes:       original.DeploymentID,
	}
	if err := e.deployments.CreateWithStatuses(ctx, dep, statuses); err != nil {
		return "", err
	}
	if err := e.offerAgents(ctx, newDeploymentID, agentIDs); err != nil {
		return "", err
	}
	started := e.now()
	if err := e.deployments.UpdateDeploymentState(ctx, organizationID, newDeploymentID, string(StateInProgress), &started, nil); err != nil {
		return "", err
	}
	return newDeploymentID, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
