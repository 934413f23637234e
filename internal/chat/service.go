// Package chat runs conversational turns: it serializes turns per user,
// loads and saves session state around the reasoning loop, and records
// place feedback.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/placefinder/internal/agent"
	"github.com/nugget/placefinder/internal/places"
	"github.com/nugget/placefinder/internal/session"
	"github.com/nugget/placefinder/internal/validation"
)

// ErrTurnInProgress is returned when a user sends a message while their
// previous one is still being processed.
var ErrTurnInProgress = errors.New("a turn for this user is already in progress")

// Processor runs one turn. agent.Loop satisfies it.
type Processor interface {
	Process(ctx context.Context, req agent.Request) agent.Response
}

// Sessions is the per-user conversation state. session.Store satisfies it.
type Sessions interface {
	History(ctx context.Context, userID string) ([]session.Turn, error)
	Append(ctx context.Context, userID string, turns ...session.Turn) error
	Clear(ctx context.Context, userID string) error
	SaveLocation(ctx context.Context, userID string, lat, lon float64) error
	Location(ctx context.Context, userID string) (*session.Location, error)
	ClearLocation(ctx context.Context, userID string) error
}

// InteractionStore records likes and dislikes. places.Store satisfies it.
type InteractionStore interface {
	RecordInteraction(ctx context.Context, userID string, placeID int64, kind places.InteractionKind) (*places.Profile, error)
}

// ProfileCache drops a cached profile. retrieval.Service satisfies it.
type ProfileCache interface {
	InvalidateProfile(userID string)
}

// Message is an inbound chat message.
type Message struct {
	UserID    string   `json:"user_id" validate:"required,max=128"`
	Text      string   `json:"message" validate:"required,max=4000"`
	Latitude  *float64 `json:"latitude" validate:"required_with=Longitude,omitempty,latitude"`
	Longitude *float64 `json:"longitude" validate:"required_with=Latitude,omitempty,longitude"`
}

// Interaction is feedback on a recommended place.
type Interaction struct {
	UserID  string `json:"user_id" validate:"required,max=128"`
	PlaceID int64  `json:"place_id" validate:"required,gt=0"`
	Kind    string `json:"interaction_type" validate:"required,oneof=liked disliked"`
}

// Config wires a Service.
type Config struct {
	Processor    Processor
	Sessions     Sessions
	Interactions InteractionStore
	Profiles     ProfileCache
	Logger       *slog.Logger
}

// Service handles chat turns for many users concurrently, one turn per
// user at a time.
type Service struct {
	processor    Processor
	sessions     Sessions
	interactions InteractionStore
	profiles     ProfileCache
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates a chat service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		processor:    cfg.Processor,
		sessions:     cfg.Sessions,
		interactions: cfg.Interactions,
		profiles:     cfg.Profiles,
		logger:       logger.With("component", "chat"),
		active:       make(map[string]struct{}),
	}
}

// SendMessage processes one message. Coordinates in the message are
// saved; without them the last saved location is used. The turn is
// appended to the history only after processing finishes.
func (s *Service) SendMessage(ctx context.Context, msg Message) (agent.Response, error) {
	if err := validation.Struct(&msg); err != nil {
		return agent.Response{}, err
	}

	release, ok := s.acquire(msg.UserID)
	if !ok {
		return agent.Response{}, ErrTurnInProgress
	}
	defer release()

	requestID := newRequestID()
	log := s.logger.With("request_id", requestID, "user_id", msg.UserID)

	lat, lon := msg.Latitude, msg.Longitude
	if lat != nil && lon != nil {
		if err := s.sessions.SaveLocation(ctx, msg.UserID, *lat, *lon); err != nil {
			log.Warn("failed to save location", "error", err)
		}
	} else {
		loc, err := s.sessions.Location(ctx, msg.UserID)
		switch {
		case err != nil:
			log.Warn("failed to load saved location", "error", err)
		case loc != nil:
			lat, lon = &loc.Latitude, &loc.Longitude
			log.Debug("using saved location", "saved_at", loc.SavedAt)
		}
	}

	turns, err := s.sessions.History(ctx, msg.UserID)
	if err != nil {
		log.Warn("failed to load history", "error", err)
		turns = nil
	}
	history := make([]agent.Message, len(turns))
	for i, t := range turns {
		history[i] = agent.Message{Role: string(t.Role), Content: t.Content}
	}

	resp := s.processor.Process(ctx, agent.Request{
		Message:   msg.Text,
		UserID:    msg.UserID,
		History:   history,
		Latitude:  lat,
		Longitude: lon,
		RequestID: requestID,
	})

	// A finished turn is kept even if the caller has gone away.
	now := time.Now().UTC()
	if err := s.sessions.Append(context.WithoutCancel(ctx), msg.UserID,
		session.Turn{Role: session.RoleUser, Content: msg.Text, Timestamp: now},
		session.Turn{Role: session.RoleAssistant, Content: resp.Text, Timestamp: now},
	); err != nil {
		log.Warn("failed to save history", "error", err)
	}

	return resp, nil
}

// ResetSession forgets the user's history and saved location.
func (s *Service) ResetSession(ctx context.Context, userID string) error {
	if userID == "" {
		return &validation.Error{Fields: []validation.FieldError{{
			Field: "user_id", Tag: "required", Message: "user_id is required",
		}}}
	}
	if err := s.sessions.Clear(ctx, userID); err != nil {
		return err
	}
	return s.sessions.ClearLocation(ctx, userID)
}

// RecordInteraction stores feedback and drops the cached profile so the
// next ranking sees it.
func (s *Service) RecordInteraction(ctx context.Context, in Interaction) (*places.Profile, error) {
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	if s.interactions == nil {
		return nil, fmt.Errorf("interaction recording is not configured")
	}

	profile, err := s.interactions.RecordInteraction(ctx, in.UserID, in.PlaceID, places.InteractionKind(in.Kind))
	if err != nil {
		return nil, err
	}
	if s.profiles != nil {
		s.profiles.InvalidateProfile(in.UserID)
	}
	s.logger.Info("interaction recorded", "user_id", in.UserID, "place_id", in.PlaceID, "kind", in.Kind)
	return profile, nil
}

// acquire marks a turn for userID as running. The returned func ends it.
func (s *Service) acquire(userID string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[userID]; busy {
		return nil, false
	}
	s.active[userID] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.active, userID)
		s.mu.Unlock()
	}, true
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
