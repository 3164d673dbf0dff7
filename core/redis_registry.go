package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultNamespace = "agentmesh"

// RedisRegistry implements both Directory and StepLocator on Redis.
//
// Key layout (namespace "agentmesh"):
//
//	agentmesh:agents:{agentID}                  JSON AgentInfo, TTL-refreshed
//	agentmesh:missions:{missionID}:roles:{role} set of agent IDs
//	agentmesh:steps:{stepID}                    JSON StepLocation, no TTL
//
// Agent records expire so crashed agents disappear from role lookups; step
// locations are durable because step ownership outlives agent restarts.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	agentTTL  time.Duration
	logger    Logger
}

// NewRedisRegistry creates a registry client on an established connection.
func NewRedisRegistry(client *redis.Client, logger Logger) *RedisRegistry {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisRegistry{
		client:    client,
		namespace: defaultNamespace,
		agentTTL:  30 * time.Second,
		logger:    logger,
	}
}

func (r *RedisRegistry) agentKey(id string) string {
	return fmt.Sprintf("%s:agents:%s", r.namespace, id)
}

func (r *RedisRegistry) roleKey(missionID, role string) string {
	return fmt.Sprintf("%s:missions:%s:roles:%s", r.namespace, missionID, role)
}

func (r *RedisRegistry) stepKey(stepID string) string {
	return fmt.Sprintf("%s:steps:%s", r.namespace, stepID)
}

// RegisterAgent registers an agent and indexes it by role, atomically.
func (r *RedisRegistry) RegisterAgent(ctx context.Context, info *AgentInfo) error {
	info.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling agent info for %s: %w", info.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.agentKey(info.ID), data, r.agentTTL)
	pipe.SAdd(ctx, r.roleKey(info.MissionID, info.Role), info.ID)
	pipe.Expire(ctx, r.roleKey(info.MissionID, info.Role), r.agentTTL*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registering agent %s: %w", info.ID, ErrRegistryUnavailable)
	}

	r.logger.Debug("Registered agent", map[string]interface{}{
		"agent_id":   info.ID,
		"mission_id": info.MissionID,
		"role":       info.Role,
		"state":      string(info.State),
	})
	return nil
}

// UpdateAgentState rewrites the agent record with a new lifecycle state and
// refreshes its TTL. Doubles as the heartbeat.
func (r *RedisRegistry) UpdateAgentState(ctx context.Context, agentID string, state AgentState) error {
	info, err := r.FindAgent(ctx, agentID)
	if err != nil {
		return err
	}
	info.State = state
	return r.RegisterAgent(ctx, info)
}

// UnregisterAgent removes the agent record and its role index entry.
func (r *RedisRegistry) UnregisterAgent(ctx context.Context, agentID string) error {
	info, err := r.FindAgent(ctx, agentID)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.agentKey(agentID))
	pipe.SRem(ctx, r.roleKey(info.MissionID, info.Role), agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregistering agent %s: %w", agentID, ErrRegistryUnavailable)
	}
	return nil
}

// FindAgent returns the directory record for one agent.
func (r *RedisRegistry) FindAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	data, err := r.client.Get(ctx, r.agentKey(agentID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
		}
		return nil, fmt.Errorf("looking up agent %s: %w", agentID, ErrRegistryUnavailable)
	}
	var info AgentInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("unmarshaling agent %s: %w", agentID, err)
	}
	return &info, nil
}

// FindByRole returns all live agents with the given role in a mission.
// Stale index entries (expired agent records) are skipped.
func (r *RedisRegistry) FindByRole(ctx context.Context, missionID, role string) ([]*AgentInfo, error) {
	ids, err := r.client.SMembers(ctx, r.roleKey(missionID, role)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing role %s: %w", role, ErrRegistryUnavailable)
	}

	agents := make([]*AgentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := r.FindAgent(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				// Expired record; clean the index entry best-effort.
				r.client.SRem(ctx, r.roleKey(missionID, role), id)
				continue
			}
			return nil, err
		}
		agents = append(agents, info)
	}
	return agents, nil
}

// SetLocation records the owner of a step. Called by the owning agent on
// creation and by the delegator on ownership transfer.
func (r *RedisRegistry) SetLocation(ctx context.Context, loc *StepLocation) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshaling step location %s: %w", loc.StepID, err)
	}
	if err := r.client.Set(ctx, r.stepKey(loc.StepID), data, 0).Err(); err != nil {
		return fmt.Errorf("saving step location %s: %w", loc.StepID, ErrRegistryUnavailable)
	}
	return nil
}

// Lookup returns the current owner of a step.
func (r *RedisRegistry) Lookup(ctx context.Context, stepID string) (*StepLocation, error) {
	data, err := r.client.Get(ctx, r.stepKey(stepID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("step %s: %w", stepID, ErrLocationNotFound)
		}
		return nil, fmt.Errorf("looking up step %s: %w", stepID, ErrRegistryUnavailable)
	}
	var loc StepLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, fmt.Errorf("unmarshaling step location %s: %w", stepID, err)
	}
	return &loc, nil
}

// RemoveLocation deletes a step's location record.
func (r *RedisRegistry) RemoveLocation(ctx context.Context, stepID string) error {
	if err := r.client.Del(ctx, r.stepKey(stepID)).Err(); err != nil {
		return fmt.Errorf("removing step location %s: %w", stepID, ErrRegistryUnavailable)
	}
	return nil
}
