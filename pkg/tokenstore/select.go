package tokenstore

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tendant/simple-idm-session/pkg/domain"
)

// Platform selects the refresh token backend.
type Platform string

const (
	// PlatformDevice stores the token in a user-only file.
	PlatformDevice Platform = "device"
	// PlatformWeb relies on the server's HttpOnly refresh cookie.
	PlatformWeb Platform = "web"
	// PlatformRedis stores the token in Redis.
	PlatformRedis Platform = "redis"
	// PlatformMemory keeps the token for the life of the process.
	PlatformMemory Platform = "memory"
)

// UnmarshalText implements encoding.TextUnmarshaler for Platform.
func (p *Platform) UnmarshalText(text []byte) error {
	v := Platform(strings.ToLower(string(text)))
	switch v {
	case PlatformDevice, PlatformWeb, PlatformRedis, PlatformMemory:
		*p = v
		return nil
	default:
		return fmt.Errorf("%w: %q (valid options: device, web, redis, memory)", domain.ErrInvalidPlatform, string(text))
	}
}

// SendsTokenInBody reports whether the refresh token is carried in request
// bodies rather than a cookie.
func (p Platform) SendsTokenInBody() bool {
	return p != PlatformWeb
}

// Options configures backend selection.
type Options struct {
	Platform Platform
	Key      string

	// Device
	FilePath string

	// Web
	Jar     http.CookieJar
	BaseURL *url.URL

	// Redis
	Redis       redis.UniversalClient
	RedisPrefix string
	RedisTTL    time.Duration
}

// New returns the backend for opts.Platform.
func New(opts Options) (Store, error) {
	switch opts.Platform {
	case PlatformDevice, "":
		path := opts.FilePath
		if path == "" {
			var err error
			path, err = DefaultFilePath()
			if err != nil {
				return nil, err
			}
		}
		return NewFileStore(path, opts.Key), nil
	case PlatformWeb:
		return NewCookieStore(opts.Jar, opts.BaseURL), nil
	case PlatformRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis platform requires a redis client")
		}
		return NewRedisStore(opts.Redis, opts.RedisPrefix, opts.Key, opts.RedisTTL), nil
	case PlatformMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidPlatform, string(opts.Platform))
	}
}

// DefaultFilePath returns the per-user token file location.
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "simple-idm", "tokens.json"), nil
}
