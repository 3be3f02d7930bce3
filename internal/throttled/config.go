// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package throttled

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.gearno.de/throttle/ratelimit"
)

type (
	Config struct {
		Addr     string         `json:"addr"`
		Store    StoreConfig    `json:"store"`
		Policies []PolicyConfig `json:"policies"`

		// TrustUserHeader keys per-account call sites by X-User-ID.
		// Only set it behind a proxy which authenticates callers and
		// overwrites the header.
		TrustUserHeader bool `json:"trust-user-header"`
	}

	// StoreConfig selects the window store. An empty URL disables
	// rate limiting.
	StoreConfig struct {
		URL             string   `json:"url"`
		Timeout         Duration `json:"timeout"`
		CountRejected   bool     `json:"count-rejected"`
		CleanupInterval Duration `json:"cleanup-interval"`
		PoolSize        int      `json:"pool-size"`
	}

	// PolicyConfig overrides the built-in policy of the same name or
	// declares a new one. Zero fields keep the built-in values.
	PolicyConfig struct {
		Name        string   `json:"name"`
		Window      Duration `json:"window"`
		MaxRequests int      `json:"max-requests"`
		KeyPrefix   string   `json:"key-prefix"`
	}

	// Duration is a time.Duration written as a Go duration string
	// ("1s", "15m") in configuration files.
	Duration time.Duration
)

// ErrInvalidConfig is returned by Validate for configurations the
// service refuses to start with.
var ErrInvalidConfig = errors.New("invalid configuration")

func DefaultConfig() Config {
	return Config{
		Addr: ":8080",
		Store: StoreConfig{
			Timeout:         Duration(time.Second),
			CleanupInterval: Duration(5 * time.Minute),
		},
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("cannot parse duration: %w", err)
	}

	*d = Duration(v)

	return nil
}

// Validate rejects store settings which would silently disable rate
// limiting. A zero store timeout expires every check before it
// reaches the store, so every request would fail open.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is required", ErrInvalidConfig)
	}

	if c.Store.URL != "" && c.Store.Timeout <= 0 {
		return fmt.Errorf(
			"%w: store timeout must be positive, got %s",
			ErrInvalidConfig,
			time.Duration(c.Store.Timeout),
		)
	}

	if c.Store.PoolSize < 0 {
		return fmt.Errorf(
			"%w: store pool size cannot be negative, got %d",
			ErrInvalidConfig,
			c.Store.PoolSize,
		)
	}

	if c.Store.CleanupInterval < 0 {
		return fmt.Errorf(
			"%w: store cleanup interval cannot be negative, got %s",
			ErrInvalidConfig,
			time.Duration(c.Store.CleanupInterval),
		)
	}

	return nil
}

// Registry builds the policy registry from the built-in policies
// and the configured overrides.
func (c Config) Registry() (*ratelimit.Registry, error) {
	var (
		policies = ratelimit.DefaultPolicies()
		index    = make(map[string]int, len(policies))
	)

	for i, p := range policies {
		index[p.Name] = i
	}

	for _, pc := range c.Policies {
		i, ok := index[pc.Name]
		if !ok {
			policies = append(policies, ratelimit.NewPolicy(pc.Name, 0, 0))
			i = len(policies) - 1
			index[pc.Name] = i
		}

		p := &policies[i]
		if pc.Window != 0 {
			p.Window = time.Duration(pc.Window)
		}
		if pc.MaxRequests != 0 {
			p.MaxRequests = pc.MaxRequests
		}
		if pc.KeyPrefix != "" {
			p.KeyPrefix = pc.KeyPrefix
		}
	}

	registry, err := ratelimit.NewRegistry(policies...)
	if err != nil {
		return nil, fmt.Errorf("cannot build policy registry: %w", err)
	}

	return registry, nil
}
