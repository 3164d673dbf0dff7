package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/agentmesh/core"
)

const storeNamespace = "agentmesh"

// RedisStore implements Store on Redis. Key layout:
//
//	agentmesh:snapshots:{agentID}        JSON Snapshot
//	agentmesh:events:{missionID}         list of JSON StepEvent, append-only
//	agentmesh:steprecords:{stepID}       JSON Step
//	agentmesh:workproducts:{stepID}      JSON WorkProduct
//	agentmesh:deliverables:{agentID}     set of step IDs with deliverables
//	agentmesh:files:{fileID}             raw bytes
//	agentmesh:filemeta:{fileID}          JSON FileAttachment
type RedisStore struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisStore creates a store on an established connection.
func NewRedisStore(client *redis.Client, logger core.Logger) *RedisStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStore{client: client, logger: logger}
}

func storeKey(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", storeNamespace, kind, id)
}

func (r *RedisStore) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, core.ErrConnectionFailed)
	}
	return nil
}

func (r *RedisStore) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return core.ErrStepNotFound
		}
		return fmt.Errorf("reading %s: %w", key, core.ErrConnectionFailed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	return r.setJSON(ctx, storeKey("snapshots", snap.AgentID), snap)
}

func (r *RedisStore) LoadSnapshot(ctx context.Context, agentID string) (*Snapshot, error) {
	var snap Snapshot
	if err := r.getJSON(ctx, storeKey("snapshots", agentID), &snap); err != nil {
		if err == core.ErrStepNotFound {
			return nil, fmt.Errorf("snapshot for %s: %w", agentID, core.ErrAgentNotFound)
		}
		return nil, err
	}
	return &snap, nil
}

func (r *RedisStore) SaveStepEvent(ctx context.Context, event *StepEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", event.StepID, err)
	}
	key := storeKey("events", event.MissionID)
	if err := r.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("appending event: %w", core.ErrConnectionFailed)
	}
	return nil
}

func (r *RedisStore) SaveStep(ctx context.Context, step *Step) error {
	return r.setJSON(ctx, storeKey("steprecords", step.ID), step)
}

func (r *RedisStore) LoadStep(ctx context.Context, stepID string) (*Step, error) {
	var step Step
	if err := r.getJSON(ctx, storeKey("steprecords", stepID), &step); err != nil {
		if err == core.ErrStepNotFound {
			return nil, fmt.Errorf("step %s: %w", stepID, core.ErrStepNotFound)
		}
		return nil, err
	}
	return &step, nil
}

func (r *RedisStore) SaveWorkProduct(ctx context.Context, wp *WorkProduct) error {
	if err := r.setJSON(ctx, storeKey("workproducts", wp.StepID), wp); err != nil {
		return err
	}
	deliverable := false
	for _, record := range wp.Outputs {
		if record.IsDeliverable {
			deliverable = true
			break
		}
	}
	if !deliverable {
		return nil
	}
	key := storeKey("deliverables", wp.AgentID)
	if err := r.client.SAdd(ctx, key, wp.StepID).Err(); err != nil {
		return fmt.Errorf("indexing deliverable %s: %w", wp.StepID, core.ErrConnectionFailed)
	}
	return nil
}

func (r *RedisStore) LoadWorkProduct(ctx context.Context, stepID string) (*WorkProduct, error) {
	var wp WorkProduct
	if err := r.getJSON(ctx, storeKey("workproducts", stepID), &wp); err != nil {
		if err == core.ErrStepNotFound {
			return nil, fmt.Errorf("work product for %s: %w", stepID, core.ErrStepNotFound)
		}
		return nil, err
	}
	return &wp, nil
}

func (r *RedisStore) LoadDeliverables(ctx context.Context, agentID string) ([]*WorkProduct, error) {
	stepIDs, err := r.client.SMembers(ctx, storeKey("deliverables", agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing deliverables for %s: %w", agentID, core.ErrConnectionFailed)
	}
	out := make([]*WorkProduct, 0, len(stepIDs))
	for _, stepID := range stepIDs {
		wp, err := r.LoadWorkProduct(ctx, stepID)
		if err != nil {
			r.logger.Warn("Indexed deliverable missing", map[string]interface{}{
				"agent_id": agentID,
				"step_id":  stepID,
			})
			continue
		}
		out = append(out, wp)
	}
	return out, nil
}

func (r *RedisStore) SaveFile(ctx context.Context, att *FileAttachment, data []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, storeKey("files", att.ID), data, 0)
	meta, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("marshaling file metadata %s: %w", att.ID, err)
	}
	pipe.Set(ctx, storeKey("filemeta", att.ID), meta, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing file %s: %w", att.ID, core.ErrConnectionFailed)
	}
	return nil
}
