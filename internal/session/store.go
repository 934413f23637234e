// Package session keeps each user's short-lived conversation state: the
// recent chat history and the last location they shared. The two expire
// independently.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
)

// MaxTurns is how many of the most recent turns are kept.
const MaxTurns = 20

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one chat message.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Location is the last coordinate pair a user shared.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SavedAt   time.Time `json:"saved_at"`
}

// Store reads and writes session state through a KV backend.
type Store struct {
	kv          KV
	historyTTL  time.Duration
	locationTTL time.Duration
	logger      *slog.Logger
}

// NewStore creates a session store. A zero locationTTL reuses historyTTL.
func NewStore(kv KV, historyTTL, locationTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if historyTTL <= 0 {
		historyTTL = 24 * time.Hour
	}
	if locationTTL <= 0 {
		locationTTL = historyTTL
	}
	return &Store{
		kv:          kv,
		historyTTL:  historyTTL,
		locationTTL: locationTTL,
		logger:      logger,
	}
}

func historyKey(userID string) string  { return "session:" + userID }
func locationKey(userID string) string { return "location:" + userID }

// History returns the user's stored turns, oldest first. A missing or
// expired session yields an empty slice.
func (s *Store) History(ctx context.Context, userID string) ([]Turn, error) {
	raw, ok, err := s.kv.Get(ctx, historyKey(userID))
	if err != nil {
		return []Turn{}, fmt.Errorf("read history: %w", err)
	}
	if !ok {
		return []Turn{}, nil
	}

	var turns []Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		// A corrupt entry is dropped rather than failing every turn.
		s.logger.Warn("discarding unreadable history", "user_id", userID, "error", err)
		return []Turn{}, nil
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// Append adds turns to the user's history, keeps the newest MaxTurns and
// refreshes the expiry. Turns without a timestamp get the current time.
func (s *Store) Append(ctx context.Context, userID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	history, err := s.History(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		history = append(history, t)
	}
	if len(history) > MaxTurns {
		history = history[len(history)-MaxTurns:]
	}

	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := s.kv.Set(ctx, historyKey(userID), raw, s.historyTTL); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// Clear removes the user's history.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if err := s.kv.Delete(ctx, historyKey(userID)); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	s.logger.Info("session cleared", "user_id", userID)
	return nil
}

// SaveLocation overwrites the user's last known location.
func (s *Store) SaveLocation(ctx context.Context, userID string, lat, lon float64) error {
	raw, err := json.Marshal(Location{Latitude: lat, Longitude: lon, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}
	if err := s.kv.Set(ctx, locationKey(userID), raw, s.locationTTL); err != nil {
		return fmt.Errorf("write location: %w", err)
	}
	s.logger.Debug("location saved", "user_id", userID, "lat", lat, "lon", lon)
	return nil
}

// Location returns the user's last known location, or nil if none is
// stored or it has expired.
func (s *Store) Location(ctx context.Context, userID string) (*Location, error) {
	raw, ok, err := s.kv.Get(ctx, locationKey(userID))
	if err != nil {
		return nil, fmt.Errorf("read location: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		s.logger.Warn("discarding unreadable location", "user_id", userID, "error", err)
		return nil, nil
	}
	return &loc, nil
}

// ClearLocation removes the user's saved location.
func (s *Store) ClearLocation(ctx context.Context, userID string) error {
	if err := s.kv.Delete(ctx, locationKey(userID)); err != nil {
		return fmt.Errorf("clear location: %w", err)
	}
	return nil
}
