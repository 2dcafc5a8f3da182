package heartbeat

import (
	"sort"
	"sync"
	"time"

	"github.com/septivank/telemetry-health-worker/internal/db"
)

// DefaultOfflineThreshold is the silence after which a device counts as offline
const DefaultOfflineThreshold = 5 * time.Minute

// Transition is a status change detected for a device
type Transition struct {
	DeviceID string
	From     db.DeviceStatus
	To       db.DeviceStatus
	LastSeen time.Time
	At       time.Time
}

type device struct {
	lastSeen    time.Time
	seen        bool
	status      db.DeviceStatus
	lastChecked time.Time
}

// Tracker holds last-seen time and status per device
type Tracker struct {
	threshold time.Duration

	mu      sync.Mutex
	devices map[string]*device
}

// NewTracker creates a tracker with the given offline threshold
func NewTracker(threshold time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	return &Tracker{
		threshold: threshold,
		devices:   make(map[string]*device),
	}
}

// Threshold returns the offline threshold
func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// Register adds a device in no_data state if it is not tracked yet
func (t *Tracker) Register(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.devices[deviceID]; !ok {
		t.devices[deviceID] = &device{status: db.StatusNoData}
	}
}

// Touch records a reading arrival. The device becomes online and last_seen
// only moves forward. The status before the touch is returned.
func (t *Tracker) Touch(deviceID string, at time.Time) db.DeviceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[deviceID]
	if !ok {
		d = &device{status: db.StatusNoData}
		t.devices[deviceID] = d
	}

	prev := d.status
	if !d.seen || at.After(d.lastSeen) {
		d.lastSeen = at
	}
	d.seen = true
	d.status = db.StatusOnline
	d.lastChecked = at
	return prev
}

// Status derives the status of a device at now
func (t *Tracker) Status(deviceID string, now time.Time) db.DeviceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[deviceID]
	if !ok {
		return db.StatusNoData
	}
	return t.derive(d, now)
}

func (t *Tracker) derive(d *device, now time.Time) db.DeviceStatus {
	if !d.seen {
		return db.StatusNoData
	}
	if now.Sub(d.lastSeen) >= t.threshold {
		return db.StatusOffline
	}
	return db.StatusOnline
}

// Merge folds persisted device states into the tracker. A newer last_seen
// wins; the stored status is only taken for devices not tracked yet.
func (t *Tracker) Merge(states []db.DeviceState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range states {
		d, ok := t.devices[s.DeviceID]
		if !ok {
			d = &device{status: s.Status, lastChecked: s.LastChecked}
			if d.status == "" {
				d.status = db.StatusNoData
			}
			t.devices[s.DeviceID] = d
		}
		if s.LastSeen != nil && (!d.seen || s.LastSeen.After(d.lastSeen)) {
			d.lastSeen = *s.LastSeen
			d.seen = true
		}
	}
}

// Sweep recomputes the status of every tracked device and returns the
// transitions. no_data is never re-entered once a device has been seen.
func (t *Tracker) Sweep(now time.Time) []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	var transitions []Transition
	for id, d := range t.devices {
		next := t.derive(d, now)
		d.lastChecked = now
		if next == d.status {
			continue
		}
		prev := d.status
		d.status = next

		// a device first seen through Merge goes quietly from no_data
		if prev == db.StatusNoData {
			continue
		}
		transitions = append(transitions, Transition{
			DeviceID: id,
			From:     prev,
			To:       next,
			LastSeen: d.lastSeen,
			At:       now,
		})
	}

	sort.Slice(transitions, func(i, j int) bool { return transitions[i].DeviceID < transitions[j].DeviceID })
	return transitions
}

// Snapshot returns the current state of every tracked device ordered by id
func (t *Tracker) Snapshot() []db.DeviceState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]db.DeviceState, 0, len(t.devices))
	for id, d := range t.devices {
		state := db.DeviceState{
			DeviceID:    id,
			Status:      d.status,
			LastChecked: d.lastChecked,
		}
		if d.seen {
			seen := d.lastSeen
			state.LastSeen = &seen
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
