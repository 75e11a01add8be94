package contracts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lokutor-ai/callengine/pkg/logging"
	"github.com/lokutor-ai/callengine/pkg/store"
)

// AudioMark is the persisted form of one audio boundary mark, appended to
// the per-call list at audio:marks:{linkedId}.
type AudioMark struct {
	LinkedID string         `json:"linked_id"`
	Type     string         `json:"type"`
	Reason   string         `json:"reason,omitempty"`
	OffsetMs int64          `json:"offset_ms"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"ts"`
}

// markListTTL bounds how long a call's mark trail outlives the call.
const markListTTL = 3600 * time.Second

func marksKey(linkedID string) string { return "audio:marks:" + linkedID }

// MarkLog appends and reads a call's audio-mark trail in the shared store,
// so the Recording Segmenter can resolve segments after the call's own
// in-memory session is gone.
type MarkLog struct {
	store  store.Store
	logger logging.Logger
}

// NewMarkLog constructs a MarkLog over the given Store.
func NewMarkLog(s store.Store, logger logging.Logger) *MarkLog {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &MarkLog{store: s, logger: logger}
}

// Append pushes one mark onto the call's list and refreshes the list TTL.
func (l *MarkLog) Append(ctx context.Context, m AudioMark) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("contracts: encode mark for %s: %w", m.LinkedID, err)
	}
	key := marksKey(m.LinkedID)
	if err := l.store.RPush(ctx, key, string(data)); err != nil {
		return err
	}
	return l.store.Expire(ctx, key, markListTTL)
}

// List reads the full mark trail for a call, in append order. Entries that
// no longer decode are skipped with a warning rather than failing the read.
func (l *MarkLog) List(ctx context.Context, linkedID string) ([]AudioMark, error) {
	raw, err := l.store.LRange(ctx, marksKey(linkedID), 0, -1)
	if err != nil {
		return nil, err
	}
	marks := make([]AudioMark, 0, len(raw))
	for _, entry := range raw {
		var m AudioMark
		if err := json.Unmarshal([]byte(entry), &m); err != nil {
			l.logger.Warn("skipping undecodable audio mark", "linkedId", linkedID, "error", err)
			continue
		}
		marks = append(marks, m)
	}
	return marks, nil
}
