package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/mealsync/internal/errs"
	"github.com/and161185/mealsync/internal/model"
)

// timestamps without a zone are sent by the backend in UTC
const naiveLayout = "2006-01-02T15:04:05.999999999"

type envelope struct {
	EventType *string         `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type wireMessage struct {
	ID        *int64  `json:"id"`
	GroupID   *int64  `json:"group_id"`
	GroupName string  `json:"group_name"`
	Title     *string `json:"title"`
	Content   string  `json:"content"`
	CreatedAt *string `json:"created_at"`
}

// DecodeMessage validates one inbound frame. The frame is either a bare
// notification or an {event_type, data} envelope around one.
func DecodeMessage(raw []byte) (model.NotificationMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.NotificationMessage{}, invalid("not a JSON object: %v", err)
	}
	body := raw
	if env.EventType != nil && len(env.Data) > 0 {
		body = env.Data
	}

	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return model.NotificationMessage{}, invalid("bad payload: %v", err)
	}
	switch {
	case w.ID == nil || *w.ID <= 0:
		return model.NotificationMessage{}, invalid("missing or non-positive id")
	case w.GroupID == nil || *w.GroupID <= 0:
		return model.NotificationMessage{}, invalid("missing or non-positive group_id")
	case w.Title == nil || *w.Title == "":
		return model.NotificationMessage{}, invalid("missing title")
	case w.CreatedAt == nil:
		return model.NotificationMessage{}, invalid("missing created_at")
	}
	created, err := parseTime(*w.CreatedAt)
	if err != nil {
		return model.NotificationMessage{}, invalid("bad created_at: %v", err)
	}
	return model.NotificationMessage{
		ID:        *w.ID,
		GroupID:   *w.GroupID,
		GroupName: w.GroupName,
		Title:     *w.Title,
		Content:   w.Content,
		CreatedAt: created,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.New("unrecognised timestamp")
	}
	return t, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errs.ErrInvalidResponse}, args...)...)
}
