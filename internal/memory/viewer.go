package memory

import (
	"context"
	"time"

	"fractalmem/internal/types"
)

// TierItem is the viewer-facing projection of one memory node.
type TierItem struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Content     string    `json:"content"`
	Level       int       `json:"level"`
	Importance  float64   `json:"importance"`
	CreatedAt   time.Time `json:"created_at"`
	Connections []string  `json:"connections"`
}

// labelLength truncates content into a short node label.
const labelLength = 48

// TierItems lists the contents of one tier for the memory viewer.
// Connections are MENTIONS edges on the graph tiers; the volatile tiers
// have none.
func (m *Memory) TierItems(ctx context.Context, level, limit int) ([]TierItem, error) {
	if limit <= 0 {
		limit = 100
	}

	switch level {
	case types.LevelL0:
		eps, err := m.store.L0Read(ctx, m.opts.UserID, limit)
		if err != nil {
			return nil, err
		}
		items := make([]TierItem, 0, len(eps))
		for _, ep := range eps {
			items = append(items, TierItem{
				ID:          ep.ID,
				Label:       truncateLabel(ep.Content),
				Content:     ep.Content,
				Level:       types.LevelL0,
				Importance:  ep.Importance,
				CreatedAt:   ep.CreatedAt,
				Connections: []string{},
			})
		}
		return items, nil

	case types.LevelL1:
		records, err := m.store.L1List(ctx, m.opts.UserID, limit)
		if err != nil {
			return nil, err
		}
		items := make([]TierItem, 0, len(records))
		for _, rec := range records {
			items = append(items, TierItem{
				ID:          rec.SessionID,
				Label:       truncateLabel(rec.Summary),
				Content:     rec.Summary,
				Level:       types.LevelL1,
				Importance:  rec.Importance,
				CreatedAt:   rec.CreatedAt,
				Connections: []string{},
			})
		}
		return items, nil

	case types.LevelL2, types.LevelL3:
		eps, err := m.graph.EpisodesByLevel(ctx, m.opts.UserID, level, limit)
		if err != nil {
			return nil, err
		}
		items := make([]TierItem, 0, len(eps))
		for _, ep := range eps {
			connections, err := m.graph.MentionsOf(ctx, ep.ID)
			if err != nil {
				connections = nil
			}
			if connections == nil {
				connections = []string{}
			}
			items = append(items, TierItem{
				ID:          ep.ID,
				Label:       truncateLabel(ep.Content),
				Content:     ep.Content,
				Level:       level,
				Importance:  ep.Importance,
				CreatedAt:   ep.CreatedAt,
				Connections: connections,
			})
		}
		return items, nil
	}
	return nil, nil
}

// AllTierItems unions every tier's viewer items.
func (m *Memory) AllTierItems(ctx context.Context, limit int) ([]TierItem, error) {
	var all []TierItem
	for _, level := range []int{types.LevelL0, types.LevelL1, types.LevelL2, types.LevelL3} {
		items, err := m.TierItems(ctx, level, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
	}
	return all, nil
}

func truncateLabel(content string) string {
	if len(content) <= labelLength {
		return content
	}
	return content[:labelLength] + "…"
}
