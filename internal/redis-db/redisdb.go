/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wiimdy/openfunderse-sub000/config"
)

const pingTimeout = 500 * time.Millisecond

// Redis wraps the universal client shared by the event fan-out, the fund
// cache, the scheduler locks and the asynq queue.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// ParseAddress accepts either a bare host:port or a redis:// URL. A password
// given as redis://secret@host is treated as the password, not the user.
func ParseAddress(raw string, skipTLSVerify bool) (*redis.Options, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("redis address is empty")
	}
	if !strings.Contains(raw, "://") {
		return &redis.Options{Addr: raw}, nil
	}

	if strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://") {
		scheme, rest, _ := strings.Cut(raw, "://")
		if auth, host, ok := strings.Cut(rest, "@"); ok && !strings.Contains(auth, ":") {
			raw = scheme + "://:" + auth + "@" + host
		}
	}

	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig.InsecureSkipVerify = true
	}
	return opts, nil
}

// Options builds universal options from a comma separated address list. More
// than one address selects a cluster client.
func Options(dns string, skipTLSVerify bool) (*redis.UniversalOptions, error) {
	var addresses []string
	for _, a := range strings.Split(dns, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addresses = append(addresses, a)
		}
	}
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	universal := &redis.UniversalOptions{}
	for _, a := range addresses {
		opts, err := ParseAddress(a, skipTLSVerify)
		if err != nil {
			return nil, err
		}
		universal.Addrs = append(universal.Addrs, opts.Addr)
		if universal.Password == "" {
			universal.Password = opts.Password
		}
		if universal.Username == "" {
			universal.Username = opts.Username
		}
		if len(addresses) == 1 {
			universal.DB = opts.DB
		}
		if opts.TLSConfig != nil && universal.TLSConfig == nil {
			universal.TLSConfig = &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: skipTLSVerify,
			}
		}
	}
	return universal, nil
}

// Connect dials Redis and pings it once.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	opts, err := Options(cfg.Dns, cfg.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{addresses: opts.Addrs, client: client}, nil
}

func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func (r *Redis) Addresses() []string {
	return append([]string{}, r.addresses...)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
