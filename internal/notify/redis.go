// Package notify publishes run events to a Redis channel so other processes
// can follow runs live.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/internal/core"
	"github.com/3cpo-dev/autostudy/pkg/api"
)

var (
	ErrConnection = errors.New("redis: connection failed")
	ErrNoChannel  = errors.New("redis: channel cannot be empty")
)

// Config holds Redis connection settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Channel      string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromCore converts the redis section of the application config.
func FromCore(c core.RedisConfig) Config {
	return Config{Addr: c.Addr, Password: c.Password, DB: c.DB, Channel: c.Channel}
}

// Publisher is the part of *redis.Client the sink uses.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Connect opens a client and checks it answers.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return client, nil
}

// RedisSink publishes every event of one run as a JSON api.Event. Publish
// failures are logged and counted; they never reach the engine.
type RedisSink struct {
	pub     Publisher
	channel string
	runID   string
	timeout time.Duration

	mu       sync.Mutex
	failures int
}

var _ core.CallbackSink = (*RedisSink)(nil)

func NewRedisSink(pub Publisher, channel, runID string) (*RedisSink, error) {
	if channel == "" {
		return nil, ErrNoChannel
	}
	return &RedisSink{pub: pub, channel: channel, runID: runID, timeout: 3 * time.Second}, nil
}

// Failures returns how many events could not be published.
func (s *RedisSink) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *RedisSink) publish(ev api.Event) {
	ev.RunID = s.runID
	ev.Time = time.Now()
	data, err := json.Marshal(ev)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err = s.pub.Publish(ctx, s.channel, data).Err()
		cancel()
	}
	if err != nil {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		log.Warn().Err(err).Str("run", s.runID).Str("channel", s.channel).Msg("publish event")
	}
}

func (s *RedisSink) OnLog(message string, severity api.Severity) {
	s.publish(api.Event{Kind: api.EventLog, Message: message, Severity: severity})
}

func (s *RedisSink) OnProgress(percent float64) {
	s.publish(api.Event{Kind: api.EventProgress, Percent: percent})
}

func (s *RedisSink) OnUserInfo(text string) {
	s.publish(api.Event{Kind: api.EventUserInfo, UserInfo: text})
}

func (s *RedisSink) OnFinished(ok bool, total, succeeded int) {
	s.publish(api.Event{Kind: api.EventFinished, Success: ok, Total: total, Succeeded: succeeded})
}
