// Package valkey keeps a latest-value cache of module variables in a
// Valkey/Redis server and announces updates on a pub/sub channel.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"plclink/catalog"
	"plclink/codec"
	"plclink/config"
	"plclink/logging"
)

// VariableMessage is the cached value document stored per variable.
type VariableMessage struct {
	Module    string      `json:"module"`
	Code      string      `json:"code"`
	Value     interface{} `json:"value"`
	DataType  string      `json:"dataType"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher mirrors module change lists into Valkey.
type Publisher struct {
	cfg config.ValkeyConfig

	mu      sync.RWMutex
	client  *redis.Client
	running bool
}

// NewPublisher creates an unconnected publisher.
func NewPublisher(cfg config.ValkeyConfig) *Publisher {
	return &Publisher{cfg: cfg}
}

// Start connects and pings the server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	client := redis.NewClient(&redis.Options{
		Addr:         p.cfg.Address,
		Password:     p.cfg.Password,
		DB:           p.cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("valkey connect to %s: %w", p.cfg.Address, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true

	logging.Info("valkey connected to %s", p.cfg.Address)
	return nil
}

// Stop disconnects. Idempotent.
func (p *Publisher) Stop() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.running = false
	p.mu.Unlock()

	if client != nil {
		client.Close()
	}
}

// IsRunning reports whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// key builds "prefix:module:code".
func (p *Publisher) key(m catalog.ModuleKey, code string) string {
	return fmt.Sprintf("%s:%s:%s", p.cfg.KeyPrefix, m.String(), code)
}

// PublishChanges caches one module's change list and announces each
// update on the configured channel.
func (p *Publisher) PublishChanges(ctx context.Context, m catalog.ModuleKey, entries []codec.Entry) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil || len(entries) == 0 {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var firstErr error
	for _, e := range entries {
		data, err := json.Marshal(VariableMessage{
			Module: m.String(), Code: e.Code, Value: e.Value,
			DataType: e.DataType, Timestamp: time.UnixMilli(e.Time).UTC(),
		})
		if err != nil {
			continue
		}

		if err := client.Set(opCtx, p.key(m, e.Code), data, p.cfg.TTL).Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if p.cfg.Channel != "" {
			client.Publish(opCtx, p.cfg.Channel, data)
		}
	}

	if firstErr != nil {
		logging.DebugLog("valkey", "cache update failed: %v", firstErr)
		return fmt.Errorf("valkey set: %w", firstErr)
	}
	return nil
}
