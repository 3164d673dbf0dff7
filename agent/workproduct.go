package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// saveWorkProduct persists a completed step's outputs. Deliverable records
// additionally upload their payload to the file store and attach file
// metadata to the work-product update.
func (a *Agent) saveWorkProduct(ctx context.Context, step *Step) error {
	wp := &WorkProduct{
		MissionID: a.MissionID,
		AgentID:   a.ID,
		StepID:    step.ID,
		Verb:      step.Verb,
		Outputs:   step.Result,
		SavedAt:   time.Now().UTC(),
	}

	if a.deps.Store != nil {
		for _, record := range step.Result {
			if !record.IsDeliverable || record.Value == nil {
				continue
			}
			att, err := a.uploadDeliverable(ctx, step, record)
			if err != nil {
				a.logger().Warn("Deliverable upload failed", map[string]interface{}{
					"step_id": step.ID,
					"output":  record.Name,
					"error":   err.Error(),
				})
				continue
			}
			wp.Attachments = append(wp.Attachments, *att)
		}
	}

	return a.publisher.PublishWorkProduct(ctx, wp)
}

func (a *Agent) uploadDeliverable(ctx context.Context, step *Step, record OutputRecord) (*FileAttachment, error) {
	data := []byte(stableText(record.Value))
	mime := record.MimeType
	if mime == "" {
		mime = "text/plain"
	}

	att := &FileAttachment{
		ID:            uuid.New().String(),
		OriginalName:  fmt.Sprintf("%s-%s", step.Verb, record.Name),
		MimeType:      mime,
		Size:          int64(len(data)),
		UploadedBy:    a.ID,
		UploadedAt:    time.Now().UTC(),
		StepID:        step.ID,
		IsDeliverable: true,
	}
	att.StoragePath = fmt.Sprintf("missions/%s/steps/%s/%s", a.MissionID, step.ID, att.ID)

	if err := a.deps.Store.SaveFile(ctx, att, data); err != nil {
		return nil, fmt.Errorf("uploading deliverable %s: %w", record.Name, err)
	}
	return att, nil
}
