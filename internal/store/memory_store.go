package store

import (
	"errors"
	"sync"
	"time"

	"loraframe/studio/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
)

const (
	DefaultLogCapacity = 20
	readyMessage       = "System Ready..."
)

// MemoryStore holds the studio session state: the timeline, the bounded log
// ring, the cast cache with its selection, memory health and history.
type MemoryStore struct {
	mu sync.RWMutex

	timeline []model.Scene

	logs        []model.LogEntry
	logCapacity int

	characters []model.Character
	selectedID string
	memory     map[string]model.MemoryStatus
	history    map[string][]model.EpisodicState

	now func() time.Time
}

func NewMemoryStore(logCapacity int) *MemoryStore {
	if logCapacity < 1 {
		logCapacity = DefaultLogCapacity
	}
	s := &MemoryStore{
		logCapacity: logCapacity,
		memory:      map[string]model.MemoryStatus{},
		history:     map[string][]model.EpisodicState{},
		now:         time.Now,
	}
	s.logs = []model.LogEntry{{TS: s.now(), Message: readyMessage}}
	return s
}

// PrependScene puts scene at the head of the timeline and returns the new
// timeline length.
func (s *MemoryStore) PrependScene(scene model.Scene) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline = append([]model.Scene{scene}, s.timeline...)
	return len(s.timeline)
}

// RemoveScene drops every scene whose id or job id equals id.
func (s *MemoryStore) RemoveScene(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.timeline[:0:0]
	removed := 0
	for _, sc := range s.timeline {
		if sc.ID == id || (sc.JobID != "" && sc.JobID == id) {
			removed++
			continue
		}
		kept = append(kept, sc)
	}
	s.timeline = kept
	return removed
}

func (s *MemoryStore) Scenes() []model.Scene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Scene{}, s.timeline...)
}

func (s *MemoryStore) SceneCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timeline)
}

func (s *MemoryStore) SceneByID(id string) (model.Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.timeline {
		if sc.ID == id || (sc.JobID != "" && sc.JobID == id) {
			return sc, nil
		}
	}
	return model.Scene{}, ErrNotFound
}

// AppendLog records msg as the newest log line, evicting the oldest once
// the ring is full.
func (s *MemoryStore) AppendLog(msg string) model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := model.LogEntry{TS: s.now(), Message: msg}
	s.logs = append([]model.LogEntry{entry}, s.logs...)
	if len(s.logs) > s.logCapacity {
		s.logs = s.logs[:s.logCapacity]
	}
	return entry
}

// Logs returns the ring newest first.
func (s *MemoryStore) Logs() []model.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.LogEntry{}, s.logs...)
}

func (s *MemoryStore) ReplaceCharacters(chars []model.Character) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.characters = append([]model.Character{}, chars...)
	if s.selectedID != "" && s.indexOf(s.selectedID) < 0 {
		s.selectedID = ""
	}
}

func (s *MemoryStore) Characters() []model.Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Character{}, s.characters...)
}

func (s *MemoryStore) Character(id string) (model.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.characters[i], nil
	}
	return model.Character{}, ErrNotFound
}

func (s *MemoryStore) UpsertCharacter(ch model.Character) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(ch.ID); i >= 0 {
		s.characters[i] = ch
		return
	}
	s.characters = append(s.characters, ch)
}

// RemoveCharacter drops the character and everything cached for it. The
// selection is cleared when it pointed at the removed character.
func (s *MemoryStore) RemoveCharacter(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		s.characters = append(s.characters[:i], s.characters[i+1:]...)
	}
	if s.selectedID == id {
		s.selectedID = ""
	}
	delete(s.memory, id)
	delete(s.history, id)
}

func (s *MemoryStore) Select(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(id) < 0 {
		return ErrNotFound
	}
	s.selectedID = id
	return nil
}

// Selected returns the selected character, if any.
func (s *MemoryStore) Selected() (model.Character, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selectedID == "" {
		return model.Character{}, false
	}
	if i := s.indexOf(s.selectedID); i >= 0 {
		return s.characters[i], true
	}
	return model.Character{}, false
}

func (s *MemoryStore) SetMemoryStatus(characterID string, st model.MemoryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[characterID] = st
}

func (s *MemoryStore) MemoryStatus(characterID string) (model.MemoryStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.memory[characterID]
	return st, ok
}

func (s *MemoryStore) SetHistory(characterID string, items []model.EpisodicState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[characterID] = append([]model.EpisodicState{}, items...)
}

func (s *MemoryStore) History(characterID string) []model.EpisodicState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.EpisodicState{}, s.history[characterID]...)
}

// RemoveHistoryItem removes the item from the cached history of its
// character and returns a func that puts it back in its old position.
func (s *MemoryStore) RemoveHistoryItem(characterID, itemID string) (restore func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.history[characterID]
	for i, it := range items {
		if it.ID != itemID {
			continue
		}
		removed := it
		next := append(append([]model.EpisodicState{}, items[:i]...), items[i+1:]...)
		s.history[characterID] = next
		pos := i
		return func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			cur := s.history[characterID]
			if pos > len(cur) {
				pos = len(cur)
			}
			restored := make([]model.EpisodicState, 0, len(cur)+1)
			restored = append(restored, cur[:pos]...)
			restored = append(restored, removed)
			restored = append(restored, cur[pos:]...)
			s.history[characterID] = restored
		}, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) indexOf(id string) int {
	for i := range s.characters {
		if s.characters[i].ID == id {
			return i
		}
	}
	return -1
}
