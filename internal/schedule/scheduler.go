// Package schedule decides when a store may next receive a publication.
package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"
)

const (
	DefaultActiveHoursStart = 8
	DefaultActiveHoursEnd   = 20
	DefaultCooldown         = 300 * time.Second
	DefaultMaxPerHour       = 10

	historyLimit = 100
	// Upper bound on constraint passes; each pass moves the slot forward
	// so a handful always suffices.
	maxPasses = 16
)

type Config struct {
	ActiveHoursStart int
	ActiveHoursEnd   int
	Cooldown         time.Duration
	MaxPerHour       int
	StoreMaxPerHour  map[string]int
	TypeMaxPerHour   map[domain.StoreType]int
	Location         *time.Location
}

func DefaultConfig() Config {
	return Config{
		ActiveHoursStart: DefaultActiveHoursStart,
		ActiveHoursEnd:   DefaultActiveHoursEnd,
		Cooldown:         DefaultCooldown,
		MaxPerHour:       DefaultMaxPerHour,
	}
}

// StoreState is the scheduling view of one store.
type StoreState struct {
	StoreID           string           `json:"store_id"`
	StoreType         domain.StoreType `json:"store_type,omitempty"`
	MaxPerHour        int              `json:"max_per_hour"`
	PublishedLastHour int              `json:"published_last_hour"`
	LastPublication   *time.Time       `json:"last_publication,omitempty"`
	NextSlot          time.Time        `json:"next_slot"`
	CanPublishNow     bool             `json:"can_publish_now"`
	Reason            string           `json:"reason,omitempty"`
}

type cachedSlot struct {
	from time.Time
	slot time.Time
}

type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	types   map[string]domain.StoreType
	history map[string][]time.Time
	cache   map[string]cachedSlot
}

var _ ports.Scheduler = (*Scheduler)(nil)

func New(cfg Config) *Scheduler {
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.MaxPerHour <= 0 {
		cfg.MaxPerHour = DefaultMaxPerHour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Scheduler{
		cfg:     cfg,
		types:   make(map[string]domain.StoreType),
		history: make(map[string][]time.Time),
		cache:   make(map[string]cachedSlot),
	}
}

// RegisterStore lets per-type rate overrides apply to storeID.
func (s *Scheduler) RegisterStore(storeID string, t domain.StoreType) {
	s.mu.Lock()
	s.types[storeID] = t
	delete(s.cache, storeID)
	s.mu.Unlock()
}

// MaxPerHour resolves the store override, then the type override, then
// the global default.
func (s *Scheduler) MaxPerHour(storeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPerHourLocked(storeID)
}

func (s *Scheduler) maxPerHourLocked(storeID string) int {
	if n, ok := s.cfg.StoreMaxPerHour[storeID]; ok && n > 0 {
		return n
	}
	if t, ok := s.types[storeID]; ok {
		if n, ok := s.cfg.TypeMaxPerHour[t]; ok && n > 0 {
			return n
		}
	}
	return s.cfg.MaxPerHour
}

// InActiveHours reports whether at falls inside the publishing window.
// Both ends are inclusive hours; a start after the end wraps midnight.
func (s *Scheduler) InActiveHours(at time.Time) bool {
	h := at.In(s.cfg.Location).Hour()
	start, end := s.cfg.ActiveHoursStart, s.cfg.ActiveHoursEnd
	if start <= end {
		return h >= start && h <= end
	}
	return h >= start || h <= end
}

// nextWindowStart is the first instant at or after at inside the window.
func (s *Scheduler) nextWindowStart(at time.Time) time.Time {
	if s.InActiveHours(at) {
		return at
	}
	local := at.In(s.cfg.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(), s.cfg.ActiveHoursStart, 0, 0, 0, s.cfg.Location)
	if !start.After(local) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}

// RecordPublication appends at to the store's bounded history.
func (s *Scheduler) RecordPublication(storeID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[storeID], at)
	if n := len(h); n > 1 && h[n-1].Before(h[n-2]) {
		sort.Slice(h, func(i, j int) bool { return h[i].Before(h[j]) })
	}
	if len(h) > historyLimit {
		h = append([]time.Time(nil), h[len(h)-historyLimit:]...)
	}
	s.history[storeID] = h
	delete(s.cache, storeID)
}

// NextAvailableSlot applies cooldown, active hours and the hourly rate
// limit repeatedly until none of them moves the slot.
func (s *Scheduler) NextAvailableSlot(storeID string, at time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSlotLocked(storeID, at)
}

func (s *Scheduler) nextSlotLocked(storeID string, at time.Time) time.Time {
	if c, ok := s.cache[storeID]; ok && !at.Before(c.from) && !at.After(c.slot) {
		return c.slot
	}

	hist := s.history[storeID]
	limit := s.maxPerHourLocked(storeID)
	slot := at

	for pass := 0; pass < maxPasses; pass++ {
		moved := false

		if n := len(hist); n > 0 && s.cfg.Cooldown > 0 {
			if ready := hist[n-1].Add(s.cfg.Cooldown); slot.Before(ready) {
				slot = ready
				moved = true
			}
		}

		if w := s.nextWindowStart(slot); !w.Equal(slot) {
			slot = w
			moved = true
		}

		if inWindow := publishedWithin(hist, slot); len(inWindow) >= limit {
			// Wait until enough of the window has rolled off.
			oldest := inWindow[len(inWindow)-limit]
			if ready := oldest.Add(time.Hour + time.Second); slot.Before(ready) {
				slot = ready
				moved = true
			}
		}

		if !moved {
			break
		}
	}

	s.cache[storeID] = cachedSlot{from: at, slot: slot}
	return slot
}

// publishedWithin returns the timestamps in (at-1h, at], oldest first.
func publishedWithin(hist []time.Time, at time.Time) []time.Time {
	from := at.Add(-time.Hour)
	i := sort.Search(len(hist), func(i int) bool { return hist[i].After(from) })
	j := sort.Search(len(hist), func(j int) bool { return hist[j].After(at) })
	return hist[i:j]
}

// CanPublishNow returns false with a human readable reason when the store
// must wait.
func (s *Scheduler) CanPublishNow(storeID string, at time.Time) (bool, string) {
	slot := s.NextAvailableSlot(storeID, at)
	if !slot.After(at) {
		return true, ""
	}
	return false, DeferredReason(slot.In(s.cfg.Location))
}

// DeferredReason is the operator-facing message for a postponed task.
func DeferredReason(slot time.Time) string {
	return fmt.Sprintf("Cooldown/fenêtre horaire - reporté à %s", slot.Format("15:04:05"))
}

func (s *Scheduler) State(storeID string, at time.Time) StoreState {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.history[storeID]
	st := StoreState{
		StoreID:           storeID,
		StoreType:         s.types[storeID],
		MaxPerHour:        s.maxPerHourLocked(storeID),
		PublishedLastHour: len(publishedWithin(hist, at)),
		NextSlot:          s.nextSlotLocked(storeID, at),
	}
	if n := len(hist); n > 0 {
		last := hist[n-1]
		st.LastPublication = &last
	}
	st.CanPublishNow = !st.NextSlot.After(at)
	if !st.CanPublishNow {
		st.Reason = DeferredReason(st.NextSlot.In(s.cfg.Location))
	}
	return st
}

// Stores lists every store the scheduler knows about.
func (s *Scheduler) Stores() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(s.types)+len(s.history))
	for id := range s.types {
		seen[id] = struct{}{}
	}
	for id := range s.history {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
