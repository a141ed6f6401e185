// Package cast manages the character roster and each character's episodic
// memory on the remote API, mirroring it into the studio store.
package cast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"loraframe/studio/internal/events"
	"loraframe/studio/internal/model"
	"loraframe/studio/internal/provider"
	"loraframe/studio/internal/store"
	"loraframe/studio/internal/telemetry"
)

var ErrMissingName = errors.New("character name is required")

const (
	opMemoryStatus  = "memory_status"
	healthCheckPool = 4
)

type Backend interface {
	ListCharacters(ctx context.Context) ([]model.Character, error)
	CreateCharacter(ctx context.Context, in provider.CreateCharacterInput) (model.Character, error)
	UpdateCharacter(ctx context.Context, id string, in provider.UpdateCharacterInput) error
	DeleteCharacter(ctx context.Context, id string) error
	ReextractIdentity(ctx context.Context, characterID string) error
	MemoryStatus(ctx context.Context, characterID string) (model.MemoryStatus, error)
	History(ctx context.Context, characterID string) ([]model.EpisodicState, error)
	UpdateEpisodicState(ctx context.Context, id string, in provider.UpdateEpisodicStateInput) error
	DeleteEpisodicState(ctx context.Context, id string) error
}

type Service struct {
	backend  Backend
	store    *store.MemoryStore
	hub      *events.Hub
	journal  *events.Journal
	breakers *provider.Breakers
	metrics  *telemetry.Metrics
	log      *zap.Logger
}

func NewService(backend Backend, st *store.MemoryStore, hub *events.Hub, breakers *provider.Breakers, metrics *telemetry.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		backend:  backend,
		store:    st,
		hub:      hub,
		journal:  events.NewJournal(st, hub),
		breakers: breakers,
		metrics:  metrics,
		log:      logger.Named("cast"),
	}
}

// Refresh reloads the roster from the server into the cache.
func (s *Service) Refresh(ctx context.Context) ([]model.Character, error) {
	chars, err := s.backend.ListCharacters(ctx)
	if err != nil {
		s.log.Warn("list characters failed", zap.Error(err))
		return nil, fmt.Errorf("could not load cast: %w", err)
	}
	s.store.ReplaceCharacters(chars)
	s.announce("refreshed", "")
	return s.store.Characters(), nil
}

func (s *Service) Create(ctx context.Context, in provider.CreateCharacterInput) (model.Character, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return model.Character{}, ErrMissingName
	}
	ch, err := s.backend.CreateCharacter(ctx, in)
	if err != nil {
		return model.Character{}, fmt.Errorf("create character %q: %w", in.Name, err)
	}
	s.store.UpsertCharacter(ch)
	s.journal.Log(fmt.Sprintf("Character %q added.", ch.Name))
	if _, err := s.Refresh(ctx); err != nil {
		s.log.Warn("refresh after create failed", zap.String("character_id", ch.ID), zap.Error(err))
		s.announce("created", ch.ID)
	}
	return ch, nil
}

func (s *Service) Update(ctx context.Context, id, name, description string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrMissingName
	}
	if err := s.backend.UpdateCharacter(ctx, id, provider.UpdateCharacterInput{Name: name, Description: description}); err != nil {
		return fmt.Errorf("update character %s: %w", id, err)
	}
	if _, err := s.Refresh(ctx); err != nil {
		s.log.Warn("refresh after update failed", zap.String("character_id", id), zap.Error(err))
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.backend.DeleteCharacter(ctx, id); err != nil {
		return fmt.Errorf("delete character %s: %w", id, err)
	}
	s.store.RemoveCharacter(id)
	s.journal.Log("Character deleted")
	s.announce("deleted", id)
	return nil
}

func (s *Service) Select(id string) (model.Character, error) {
	if err := s.store.Select(id); err != nil {
		return model.Character{}, fmt.Errorf("select character %s: %w", id, err)
	}
	ch, _ := s.store.Selected()
	s.announce("selected", id)
	return ch, nil
}

// CheckHealth returns the memory health of a character. Cached values are
// used unless force is set. Failures are logged and reported as ok=false.
func (s *Service) CheckHealth(ctx context.Context, id string, force bool) (model.MemoryStatus, bool) {
	if !force {
		if st, ok := s.store.MemoryStatus(id); ok {
			return st, true
		}
	}
	var st model.MemoryStatus
	call := func() error {
		var err error
		st, err = s.backend.MemoryStatus(ctx, id)
		return err
	}
	var err error
	if s.breakers != nil {
		err = s.breakers.Execute(provider.CircuitName(opMemoryStatus, id), call)
	} else {
		err = call()
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.BestEffortFailures.WithLabelValues(opMemoryStatus).Inc()
		}
		s.log.Debug("memory status unavailable", zap.String("character_id", id), zap.Error(err))
		return model.MemoryStatus{}, false
	}
	s.store.SetMemoryStatus(id, st)
	return st, true
}

// HealthAll refreshes memory health of every cached character, a few at a
// time. Characters whose check failed are absent from the result.
func (s *Service) HealthAll(ctx context.Context) map[string]model.MemoryStatus {
	chars := s.store.Characters()
	out := make(map[string]model.MemoryStatus, len(chars))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckPool)
	for _, ch := range chars {
		g.Go(func() error {
			st, ok := s.CheckHealth(gctx, ch.ID, true)
			if ok {
				mu.Lock()
				out[ch.ID] = st
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Repair re-extracts the character's identity and reloads its memory health.
func (s *Service) Repair(ctx context.Context, id string) (model.MemoryStatus, error) {
	s.journal.Log("Recalibrating Neural Identity...")
	if err := s.backend.ReextractIdentity(ctx, id); err != nil {
		s.journal.Log("Failed to repair memory")
		return model.MemoryStatus{}, fmt.Errorf("repair memory of %s: %w", id, err)
	}
	st, err := s.backend.MemoryStatus(ctx, id)
	if err != nil {
		s.journal.Log("Failed to repair memory")
		return model.MemoryStatus{}, fmt.Errorf("reload memory status of %s: %w", id, err)
	}
	s.store.SetMemoryStatus(id, st)
	s.journal.Log("Identity Recalibrated")
	s.announce("repaired", id)
	return st, nil
}

// History loads the character's episodic memory. A failed load is logged and
// yields an empty list.
func (s *Service) History(ctx context.Context, characterID string) []model.EpisodicState {
	items, err := s.backend.History(ctx, characterID)
	if err != nil {
		s.log.Warn("history load failed", zap.String("character_id", characterID), zap.Error(err))
		s.journal.Log("Could not load history")
		return []model.EpisodicState{}
	}
	s.store.SetHistory(characterID, items)
	return s.store.History(characterID)
}

// EditMemory updates notes and tags of one memory and returns the reloaded
// history.
func (s *Service) EditMemory(ctx context.Context, characterID, itemID, notes string, tags model.Tags) ([]model.EpisodicState, error) {
	if tags == nil {
		tags = model.Tags{}
	}
	err := s.backend.UpdateEpisodicState(ctx, itemID, provider.UpdateEpisodicStateInput{Notes: notes, Tags: []string(tags)})
	if err != nil {
		return nil, fmt.Errorf("update memory %s: %w", itemID, err)
	}
	s.journal.Log("Memory updated")
	return s.History(ctx, characterID), nil
}

// DeleteMemory drops the memory from the cache first and puts it back if the
// server refuses the delete.
func (s *Service) DeleteMemory(ctx context.Context, characterID, itemID string) error {
	restore, cacheErr := s.store.RemoveHistoryItem(characterID, itemID)
	if err := s.backend.DeleteEpisodicState(ctx, itemID); err != nil {
		if cacheErr == nil {
			restore()
		}
		return fmt.Errorf("delete memory %s: %w", itemID, err)
	}
	s.journal.Log("Memory deleted")
	return nil
}

func (s *Service) announce(action, characterID string) {
	payload := map[string]any{"action": action}
	if characterID != "" {
		payload["character_id"] = characterID
	}
	if sel, ok := s.store.Selected(); ok {
		payload["selected_id"] = sel.ID
	}
	s.hub.Publish(model.EventCastUpdated, payload)
}
