// Package deployment implements the Deployment Engine (spec §4.5):
// desired-state orchestration over a (configuration document, targeting
// predicate, rollout strategy) triple, with per-agent status tracking,
// canary/staged batching, and rollback.
package deployment

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/flowgate/flowgate/internal/store"
)

// RolloutStrategy mirrors Deployment.rollout_strategy.
type RolloutStrategy string

const (
	StrategyImmediate RolloutStrategy = "immediate"
	StrategyCanary     RolloutStrategy = "canary"
	StrategyStaged     RolloutStrategy = "staged"
)

// Phase mirrors AgentDeploymentStatus.phase.
type Phase string

const (
	PhaseQueued   Phase = "queued"
	PhaseOffered  Phase = "offered"
	PhaseApplying Phase = "applying"
	PhaseApplied  Phase = "applied"
	PhaseFailed   Phase = "failed"
	PhaseSkipped  Phase = "skipped"
)

func (p Phase) Terminal() bool {
	return p == PhaseApplied || p == PhaseFailed || p == PhaseSkipped
}

// State mirrors Deployment.state.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
)

// CreateRequest is the input to CreateDeployment.
type CreateRequest struct {
	OrganizationID   string
	Name             string
	DocumentRef      string
	Strategy         RolloutStrategy
	CanaryPercent    int // required iff Strategy == canary, 1..100
	StageTag         string // stored only; wave assignment does not read it
	StageSize        int    // wave size for staged rollouts; <= 0 uses the engine default
	Targeting        store.AgentPredicate
	TolerateFailures bool
}

func newID(prefix string) (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func ptrTime(t time.Time) *time.Time { return &t }
