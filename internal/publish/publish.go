// Package publish forwards capture results to Redis for downstream
// consumers: a pub/sub feed for live subscribers plus a bounded backup list.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/scopedash/scopedash/internal/monitor"
	"github.com/scopedash/scopedash/internal/scope"
)

const (
	backupKey  = "scopedash:captures"
	backupKeep = 999
)

// Options configure the Redis connection and target channel.
type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Message is the JSON envelope sent to subscribers and stored in the backup
// list.
type Message struct {
	Stamp       int64               `json:"stamp"`
	Command     scope.Command       `json:"command"`
	Success     bool                `json:"success"`
	Channel     scope.Channel       `json:"channel"`
	Conditions  string              `json:"conditions,omitempty"`
	TimePerDiv  scope.ValueUnitPair `json:"time_per_div"`
	VoltsPerDiv scope.ValueUnitPair `json:"volts_per_div"`
	Samples     []float64           `json:"samples,omitempty"`
}

// Publisher pushes capture results to Redis.
type Publisher struct {
	client  *redis.Client
	channel string
}

// New connects to Redis and verifies the link with a ping.
func New(ctx context.Context, opts Options) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("publish: connect %s: %w", opts.Addr, err)
	}
	log.Info().Str("addr", opts.Addr).Str("channel", opts.Channel).Msg("publish: redis connected")
	return &Publisher{client: client, channel: opts.Channel}, nil
}

// Publish fans one capture result out to the pub/sub channel and appends it
// to the backup list, trimming the list to its retention bound.
func (p *Publisher) Publish(ctx context.Context, ch scope.Channel, result *scope.CaptureResult) error {
	msg := Message{
		Stamp:       time.Now().UnixMilli(),
		Command:     result.Command,
		Success:     result.Success,
		Channel:     ch,
		Conditions:  result.Conditions,
		TimePerDiv:  result.TimePerDiv,
		VoltsPerDiv: result.VoltsPerDiv,
		Samples:     result.Samples,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("publish: encode: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: publish: %w", err)
	}
	if err := p.client.LPush(ctx, backupKey, payload).Err(); err != nil {
		return fmt.Errorf("publish: backup: %w", err)
	}
	if err := p.client.LTrim(ctx, backupKey, 0, backupKeep).Err(); err != nil {
		return fmt.Errorf("publish: trim backup: %w", err)
	}
	monitor.PublishedCaptures.Inc()
	return nil
}

// Close releases the Redis connection.
func (p *Publisher) Close() error { return p.client.Close() }
