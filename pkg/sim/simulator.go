// Package sim generates synthetic chat traffic through the moderation
// pipeline. A simulation is started per session from the WebSocket control
// verbs and runs until Stop or StopAll ends it; closing the session that
// started it does not stop it.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/streamguard/moderator/pkg/models"
	"github.com/streamguard/moderator/pkg/orchestrator"
)

// corpus mixes clean chatter with lines the filter and the oracle should
// catch, so a simulation exercises every pipeline path.
var corpus = []string{
	"Hello everyone, how are you?",
	"gg that was a great round",
	"anyone up for ranked later tonight?",
	"lol did you see that play",
	"this stream is so laggy today",
	"you are all absolute garbage players",
	"shut up you worthless idiot",
	"free skins at winfreeskins dot example, click now!!!",
	"BUY CHEAP FOLLOWERS NOW limited offer",
	"my email is sim-user@example.com if anyone wants to reach me",
	"call me at +1 555 867 5309",
	"brb grabbing a coffee",
	"what rank is everyone here?",
}

// Config tunes a simulation.
type Config struct {
	MessagesPerSecond float64
	Users             int
}

func (c Config) withDefaults() Config {
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 2
	}
	if c.Users <= 0 {
		c.Users = 5
	}
	return c
}

// Simulator runs at most one simulation per channel.
type Simulator struct {
	cfg    Config
	orch   *orchestrator.Orchestrator
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a simulator feeding the given orchestrator.
func New(cfg Config, orch *orchestrator.Orchestrator) *Simulator {
	return &Simulator{
		cfg:     cfg.withDefaults(),
		orch:    orch,
		logger:  slog.Default().With("component", "simulator"),
		running: make(map[string]context.CancelFunc),
	}
}

// Start begins emitting synthetic messages on the channel. Returns false if
// a simulation is already running there.
func (s *Simulator) Start(ctx context.Context, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[channelID]; ok {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running[channelID] = cancel
	go s.run(runCtx, channelID)
	s.logger.Info("Simulation started", "channel_id", channelID)
	return true
}

// Stop ends the channel's simulation. Returns false if none was running.
func (s *Simulator) Stop(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[channelID]
	if !ok {
		return false
	}
	cancel()
	delete(s.running, channelID)
	s.logger.Info("Simulation stopped", "channel_id", channelID)
	return true
}

// StopAll ends every running simulation.
func (s *Simulator) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channelID, cancel := range s.running {
		cancel()
		delete(s.running, channelID)
	}
}

// run is the per-channel emit loop.
func (s *Simulator) run(ctx context.Context, channelID string) {
	interval := time.Duration(float64(time.Second) / s.cfg.MessagesPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			user := rand.IntN(s.cfg.Users)
			msg := &models.IncomingMessage{
				MessageID: models.NewMessageID(),
				UserID:    fmt.Sprintf("sim-user-%d", user),
				Username:  fmt.Sprintf("SimUser%d", user),
				ChannelID: channelID,
				Body:      corpus[rand.IntN(len(corpus))],
				Timestamp: time.Now(),
				Metadata:  map[string]string{"source": "simulator"},
			}
			// Results reach subscribers through the hub; errors here are
			// template/validation bugs worth logging, nothing more.
			if _, err := s.orch.Moderate(ctx, msg, orchestrator.Options{}); err != nil {
				s.logger.Warn("Simulated message rejected", "error", err)
			}
		}
	}
}
