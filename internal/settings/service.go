package settings

import (
	"encoding/json"
	"math"
	"sort"
)

const (
	keyButtonOrder  = "buttonOrder"
	keyTopBarHidden = "topBarHidden"
)

// Backend is the subset of Store the Service needs.
type Backend interface {
	Ensure(key string, defaults map[string]any) map[string]any
	Update(key string, fn func(obj map[string]any))
	Get(key string) (map[string]any, bool)
	Persist()
}

// Defaults is the record missing keys are backfilled from.
func Defaults() map[string]any {
	return map[string]any{
		keyButtonOrder:  map[string]any{},
		keyTopBarHidden: false,
	}
}

// Service is the control bar's view of its settings object: the ButtonOrder
// map and the ephemeral top bar flag. Callers hold a reference to it.
type Service struct {
	backend     Backend
	key         string
	defaultRank int
}

// NewService binds the service to one extension key of backend.
func NewService(backend Backend, key string, defaultRank int) *Service {
	return &Service{backend: backend, key: key, defaultRank: defaultRank}
}

// Load merges defaults into the stored object and clears topBarHidden.
// The top bar flag never survives a reload.
func (s *Service) Load() {
	s.backend.Ensure(s.key, Defaults())
	s.backend.Update(s.key, func(obj map[string]any) {
		obj[keyTopBarHidden] = false
	})
}

// DefaultRank is the rank given to identifiers seen for the first time.
func (s *Service) DefaultRank() int {
	return s.defaultRank
}

// Rank returns the stored rank for id.
func (s *Service) Rank(id string) (int, bool) {
	obj, ok := s.backend.Get(s.key)
	if !ok {
		return 0, false
	}
	order, ok := obj[keyButtonOrder].(map[string]any)
	if !ok {
		return 0, false
	}
	return toInt(order[id])
}

// RankOrDefault returns the stored rank for id or the default rank.
func (s *Service) RankOrDefault(id string) int {
	if rank, ok := s.Rank(id); ok {
		return rank
	}
	return s.defaultRank
}

// EnsureRank returns the rank for id, recording the default rank in memory
// when id has not been seen. It does not persist.
func (s *Service) EnsureRank(id string) (rank int, created bool) {
	s.backend.Update(s.key, func(obj map[string]any) {
		order := orderMap(obj)
		if r, ok := toInt(order[id]); ok {
			rank = r
			return
		}
		order[id] = s.defaultRank
		rank, created = s.defaultRank, true
	})
	return rank, created
}

// SetRank records rank for id in memory.
func (s *Service) SetRank(id string, rank int) {
	s.backend.Update(s.key, func(obj map[string]any) {
		orderMap(obj)[id] = rank
	})
}

// ButtonOrder returns a copy of all known ranks. Malformed entries are skipped.
func (s *Service) ButtonOrder() map[string]int {
	out := make(map[string]int)
	obj, ok := s.backend.Get(s.key)
	if !ok {
		return out
	}
	order, _ := obj[keyButtonOrder].(map[string]any)
	for id, v := range order {
		if rank, ok := toInt(v); ok {
			out[id] = rank
		}
	}
	return out
}

// SortedIDs returns ButtonOrder identifiers by rank, then identifier.
func (s *Service) SortedIDs() []string {
	order := s.ButtonOrder()
	ids := make([]string, 0, len(order))
	for id := range order {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if order[ids[i]] != order[ids[j]] {
			return order[ids[i]] < order[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Persist asks the backend for a debounced write.
func (s *Service) Persist() {
	s.backend.Persist()
}

func (s *Service) TopBarHidden() bool {
	obj, ok := s.backend.Get(s.key)
	if !ok {
		return false
	}
	hidden, _ := obj[keyTopBarHidden].(bool)
	return hidden
}

func (s *Service) SetTopBarHidden(hidden bool) {
	s.backend.Update(s.key, func(obj map[string]any) {
		obj[keyTopBarHidden] = hidden
	})
}

// orderMap returns the buttonOrder map of obj, replacing a malformed value.
func orderMap(obj map[string]any) map[string]any {
	order, ok := obj[keyButtonOrder].(map[string]any)
	if !ok {
		order = make(map[string]any)
		obj[keyButtonOrder] = order
	}
	return order
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
