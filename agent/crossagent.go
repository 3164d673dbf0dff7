package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/resilience"
)

const crossAgentCacheSize = 256

// CrossAgentConfig wires a cross-agent resolver.
type CrossAgentConfig struct {
	Locator   core.StepLocator
	LocalHost string
	Client    *http.Client
	AuthToken string
	Logger    core.Logger
}

// CrossAgentResolver resolves steps owned by other agents: registry lookup,
// same-host live reference fast path, then an authenticated remote read.
// Reads are strictly read-only; completed steps are cached in an LRU.
type CrossAgentResolver struct {
	cfg   CrossAgentConfig
	cache *lru.Cache[string, *Step]

	mu       sync.Mutex
	local    map[string]*Agent
	breakers map[string]*resilience.CircuitBreaker
}

// NewCrossAgentResolver creates a resolver; a nil locator disables it.
func NewCrossAgentResolver(cfg CrossAgentConfig) *CrossAgentResolver {
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	cache, _ := lru.New[string, *Step](crossAgentCacheSize)
	return &CrossAgentResolver{
		cfg:      cfg,
		cache:    cache,
		local:    make(map[string]*Agent),
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// AttachLocalAgent registers a same-process agent for the live fast path.
func (r *CrossAgentResolver) AttachLocalAgent(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local[a.ID] = a
}

// ResolveStep returns a read-only view of a step owned by another agent.
func (r *CrossAgentResolver) ResolveStep(ctx context.Context, stepID string) (*Step, error) {
	if r.cfg.Locator == nil {
		return nil, fmt.Errorf("step %s: %w", stepID, core.ErrLocationNotFound)
	}
	if cached, ok := r.cache.Get(stepID); ok {
		return cached, nil
	}

	loc, err := r.cfg.Locator.Lookup(ctx, stepID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	owner, haveLocal := r.local[loc.OwnerAgentID]
	r.mu.Unlock()
	if haveLocal {
		step, err := owner.StepView(stepID)
		if err != nil {
			return nil, err
		}
		r.cacheCompleted(step)
		return step, nil
	}

	if loc.AgentHost == "" || loc.AgentHost == r.cfg.LocalHost {
		return nil, fmt.Errorf("step %s owner %s is not reachable: %w", stepID, loc.OwnerAgentID, core.ErrLocationNotFound)
	}

	step, err := r.fetchRemote(ctx, loc, stepID)
	if err != nil {
		return nil, err
	}
	r.cacheCompleted(step)
	return step, nil
}

func (r *CrossAgentResolver) cacheCompleted(step *Step) {
	// Only settled results are safe to cache; anything else may still move.
	if step.Status == StepCompleted {
		r.cache.Add(step.ID, step)
	}
}

func (r *CrossAgentResolver) breakerFor(host string) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[host]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(host))
		r.breakers[host] = cb
	}
	return cb
}

// fetchRemote reads /agent/step/{id} from the owning host, protected by a
// per-host circuit breaker so a dead peer cannot stall every resolution.
func (r *CrossAgentResolver) fetchRemote(ctx context.Context, loc *core.StepLocation, stepID string) (*Step, error) {
	var step *Step
	err := r.breakerFor(loc.AgentHost).Execute(func() error {
		url := fmt.Sprintf("%s/agent/step/%s", loc.AgentHost, stepID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building request for %s: %w", url, err)
		}
		if r.cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+r.cfg.AuthToken)
		}

		resp, err := r.cfg.Client.Do(req)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", url, core.ErrConnectionFailed)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return fmt.Errorf("step %s on %s: %w", stepID, loc.AgentHost, core.ErrStepNotFound)
		default:
			return fmt.Errorf("step read from %s returned %d: %w", loc.AgentHost, resp.StatusCode, core.ErrRequestFailed)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("reading step body: %w", core.ErrConnectionFailed)
		}
		var fetched Step
		if err := json.Unmarshal(body, &fetched); err != nil {
			return fmt.Errorf("unmarshaling remote step %s: %w", stepID, err)
		}
		step = &fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}
