package realtime

import (
	"fmt"
	"sort"
	"time"

	"sync_core/internal/domain"
)

// notificationFeed merges notifications from the live channel with ones
// derived from polled domain data into a single deduplicated, priority
// ordered feed. The id is the dedup key: both sources compute the same id
// for the same underlying fact, so arrival order can never duplicate an
// entry.
type notificationFeed struct {
	items []domain.Notification
	seen  map[string]bool
}

func newNotificationFeed() *notificationFeed {
	return &notificationFeed{seen: make(map[string]bool)}
}

// OnPush inserts by id, ignoring duplicates. A pushed duplicate is not an
// update: the existing entry wins.
func (f *notificationFeed) OnPush(n domain.Notification) bool {
	if f.seen[n.ID] {
		return false
	}
	f.seen[n.ID] = true
	f.items = append(f.items, n)
	f.resort()
	return true
}

// resort orders by priority rank, then recency. Stable, so entries that
// compare equal keep their prior relative order and the feed never
// reshuffles on a re-render.
func (f *notificationFeed) resort() {
	sort.SliceStable(f.items, func(i, j int) bool {
		ri, rj := f.items[i].Priority.Rank(), f.items[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return f.items[i].CreatedAt.After(f.items[j].CreatedAt)
	})
}

// OnPollResult derives notifications from one polled snapshot and feeds
// them through OnPush. A malformed snapshot aborts the whole cycle before
// anything is applied; the feed is never half-updated.
func (f *notificationFeed) OnPollResult(snap *DomainSnapshot, now time.Time) (int, error) {
	derived, err := deriveNotifications(snap, now)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, n := range derived {
		if f.OnPush(n) {
			added++
		}
	}
	return added, nil
}

func (f *notificationFeed) MarkRead(id string) bool {
	for i := range f.items {
		if f.items[i].ID == id && !f.items[i].Read {
			f.items[i].Read = true
			return true
		}
	}
	return false
}

// ClearAll empties the feed. Poll-derived entries represent current truth,
// not a log: the same fact will be re-derived on the next poll cycle.
func (f *notificationFeed) ClearAll() bool {
	if len(f.items) == 0 {
		return false
	}
	f.items = nil
	f.seen = make(map[string]bool)
	return true
}

func (f *notificationFeed) Feed() []domain.Notification {
	out := make([]domain.Notification, len(f.items))
	copy(out, f.items)
	return out
}

func (f *notificationFeed) Len() int {
	return len(f.items)
}

// DomainSnapshot is one poll cycle's worth of domain data.
type DomainSnapshot struct {
	Tasks     []domain.Task
	Projects  []domain.Project
	FetchedAt time.Time
}

// deriveNotifications is the pure derivation over a snapshot. Ids are a
// deterministic function of kind and source entity, which is what lets a
// poll-derived entry collapse with the pushed one for the same fact.
func deriveNotifications(snap *DomainSnapshot, now time.Time) ([]domain.Notification, error) {
	if snap == nil {
		return nil, &MalformedSnapshotError{Reason: "nil snapshot"}
	}
	var out []domain.Notification
	for _, t := range snap.Tasks {
		if t.ID == "" {
			return nil, &MalformedSnapshotError{Reason: "task without id"}
		}
		if t.DueDate.IsZero() || t.Status == domain.StatusCompleted {
			continue
		}
		if t.DueDate.Before(now) {
			out = append(out, domain.Notification{
				ID:             "overdue:" + t.ID,
				Kind:           "task_overdue",
				Title:          "Task overdue",
				Message:        fmt.Sprintf("%q is past its due date", t.Title),
				CreatedAt:      now,
				Priority:       domain.PriorityUrgent,
				SourceEntityID: t.ID,
				ActionRef:      "/tasks/" + t.ID,
			})
		}
	}
	for _, p := range snap.Projects {
		if p.ID == "" {
			return nil, &MalformedSnapshotError{Reason: "project without id"}
		}
		if p.Deadline.IsZero() || p.Status == domain.StatusCompleted {
			continue
		}
		if p.Deadline.Before(now) {
			out = append(out, domain.Notification{
				ID:             "deadline:" + p.ID,
				Kind:           "project_deadline",
				Title:          "Project deadline passed",
				Message:        fmt.Sprintf("%q missed its deadline", p.Name),
				CreatedAt:      now,
				Priority:       domain.PriorityHigh,
				SourceEntityID: p.ID,
				ActionRef:      "/projects/" + p.ID,
			})
		}
	}
	return out, nil
}
