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

package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type (
	// Policy is a named, immutable rate limit configuration: at most
	// MaxRequests operations per identifier inside any trailing
	// Window. KeyPrefix namespaces the store keys of the policy so
	// that two policies never share a window for the same
	// identifier.
	Policy struct {
		Name        string
		Window      time.Duration
		MaxRequests int
		KeyPrefix   string
	}

	// Registry is the read-only table of named policies of a
	// process. It is built once at startup.
	Registry struct {
		policies map[string]Policy
	}
)

const (
	PolicyAuth              = "auth"
	PolicyAPI               = "api"
	PolicyAI                = "ai"
	PolicyContentSubmission = "content-submission"
	PolicyContactForm       = "contact-form"

	defaultKeyPrefix = "ratelimit"
)

var (
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
	ErrUnknownPolicy = errors.New("unknown rate limit policy")
)

// NewPolicy returns a policy whose key prefix is derived from its
// name.
func NewPolicy(name string, window time.Duration, maxRequests int) Policy {
	return Policy{
		Name:        name,
		Window:      window,
		MaxRequests: maxRequests,
		KeyPrefix:   defaultKeyPrefix + ":" + name,
	}
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() []Policy {
	return []Policy{
		NewPolicy(PolicyAuth, 15*time.Minute, 10),
		NewPolicy(PolicyAPI, time.Minute, 100),
		NewPolicy(PolicyAI, time.Minute, 20),
		NewPolicy(PolicyContentSubmission, 24*time.Hour, 100),
		NewPolicy(PolicyContactForm, 15*time.Minute, 5),
	}
}

func (p Policy) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	case p.Window <= 0:
		return fmt.Errorf("%w: %q window must be positive, got %s", ErrInvalidPolicy, p.Name, p.Window)
	case p.MaxRequests < 1:
		return fmt.Errorf("%w: %q max requests must be at least 1, got %d", ErrInvalidPolicy, p.Name, p.MaxRequests)
	case p.KeyPrefix == "":
		return fmt.Errorf("%w: %q key prefix is required", ErrInvalidPolicy, p.Name)
	}

	return nil
}

// Key returns the store key holding the window of identifier under p.
func (p Policy) Key(identifier string) string {
	return p.KeyPrefix + ":" + identifier
}

// NewRegistry validates policies and indexes them by name. Duplicate
// names and overlapping key prefixes are rejected: a prefix equal to
// another one, or nested under it, would let two policies read each
// other's windows.
func NewRegistry(policies ...Policy) (*Registry, error) {
	r := &Registry{
		policies: make(map[string]Policy, len(policies)),
	}

	prefixes := make(map[string]string, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}

		if _, ok := r.policies[p.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate policy name %q", ErrInvalidPolicy, p.Name)
		}

		for prefix, owner := range prefixes {
			if prefix == p.KeyPrefix ||
				strings.HasPrefix(p.KeyPrefix, prefix+":") ||
				strings.HasPrefix(prefix, p.KeyPrefix+":") {
				return nil, fmt.Errorf(
					"%w: key prefix %q of %q overlaps %q of %q",
					ErrInvalidPolicy,
					p.KeyPrefix,
					p.Name,
					prefix,
					owner,
				)
			}
		}

		prefixes[p.KeyPrefix] = p.Name
		r.policies[p.Name] = p
	}

	return r, nil
}

// Get returns the policy registered under name.
func (r *Registry) Get(name string) (Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// Lookup is Get returning ErrUnknownPolicy for a missing name.
func (r *Registry) Lookup(name string) (Policy, error) {
	p, ok := r.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}

	return p, nil
}

// MustGet is Get panicking on a missing name. It is meant for route
// wiring at startup.
func (r *Registry) MustGet(name string) Policy {
	p, err := r.Lookup(name)
	if err != nil {
		panic(err)
	}

	return p
}

// Names returns the registered policy names in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
