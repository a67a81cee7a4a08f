package notify

import (
	"slices"

	"coursechat/pkg/types"
)

// Merge projects both sources to FeedItems and orders them newest first.
// Items with equal timestamps keep their input order, system before chat.
func Merge(system []*types.Notification, chat []*types.ChatNotification) []types.FeedItem {
	items := make([]types.FeedItem, 0, len(system)+len(chat))
	for _, n := range system {
		items = append(items, n.FeedItem())
	}
	for _, c := range chat {
		items = append(items, c.FeedItem())
	}
	slices.SortStableFunc(items, func(a, b types.FeedItem) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return items
}

func unreadIDs(items []types.FeedItem) (system, chat []int64) {
	for _, it := range items {
		if it.IsRead {
			continue
		}
		if it.Kind == types.KindChat {
			chat = append(chat, it.ID)
		} else {
			system = append(system, it.ID)
		}
	}
	return system, chat
}
