package engine

import "slices"

// NotificationTable is the directed multigraph of notification edges keyed by
// source identity. Edges keep registration order and duplicates are retained;
// each occurrence fires once.
type NotificationTable struct {
	bySource map[ResourceID][]Notification
	count    int
}

// NewNotificationTable creates an empty table.
func NewNotificationTable() *NotificationTable {
	return &NotificationTable{bySource: make(map[ResourceID][]Notification)}
}

// Add appends an edge.
func (t *NotificationTable) Add(n Notification) {
	t.bySource[n.Source] = append(t.bySource[n.Source], n)
	t.count++
}

// From returns the edges whose source is id, in registration order.
func (t *NotificationTable) From(id ResourceID) []Notification {
	return slices.Clone(t.bySource[id])
}

// Immediate returns the immediate edges from id.
func (t *NotificationTable) Immediate(id ResourceID) []Notification {
	return t.filter(id, TimingImmediate)
}

// Delayed returns the delayed edges from id.
func (t *NotificationTable) Delayed(id ResourceID) []Notification {
	return t.filter(id, TimingDelayed)
}

// Len returns the number of edges.
func (t *NotificationTable) Len() int {
	return t.count
}

func (t *NotificationTable) filter(id ResourceID, timing Timing) []Notification {
	var out []Notification
	for _, n := range t.bySource[id] {
		if n.Timing == timing {
			out = append(out, n)
		}
	}
	return out
}
