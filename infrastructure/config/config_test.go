package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEnv(t *testing.T, env map[string]string) {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr error
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "memory store with defaults",
			env:  map[string]string{"STORE_DRIVER": "memory", "JWT_SECRET": "s3cret"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "8080", cfg.ServerPort)
				assert.Equal(t, EventBusLocal, cfg.EventBus)
				assert.Equal(t, AuthzModeClaims, cfg.AuthzMode)
				assert.Equal(t, 5*time.Second, cfg.ToggleTimeout)
				assert.Equal(t, 64, cfg.SubscriberBufferSize)
				assert.Equal(t, time.Minute, cfg.RateLimitToggleWindow)
				assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
			},
		},
		{
			name:    "postgres store needs a database url",
			env:     map[string]string{"STORE_DRIVER": "postgres", "JWT_SECRET": "s3cret"},
			wantErr: ErrMissingDatabaseURL,
		},
		{
			name:    "postgres authorizer needs a database url",
			env:     map[string]string{"STORE_DRIVER": "memory", "AUTHZ_MODE": "postgres", "JWT_SECRET": "s3cret"},
			wantErr: ErrMissingDatabaseURL,
		},
		{
			name:    "missing jwt secret",
			env:     map[string]string{"STORE_DRIVER": "memory"},
			wantErr: ErrMissingJWTSecret,
		},
		{
			name:    "unknown store driver",
			env:     map[string]string{"STORE_DRIVER": "sqlite", "JWT_SECRET": "s3cret"},
			wantErr: ErrInvalidStoreDriver,
		},
		{
			name:    "amqp bus without url",
			env:     map[string]string{"STORE_DRIVER": "memory", "JWT_SECRET": "s3cret", "EVENT_BUS": "amqp"},
			wantErr: ErrMissingAMQPURL,
		},
		{
			name:    "unknown bus",
			env:     map[string]string{"STORE_DRIVER": "memory", "JWT_SECRET": "s3cret", "EVENT_BUS": "kafka"},
			wantErr: ErrInvalidEventBus,
		},
		{
			name: "durations accept seconds or go syntax",
			env: map[string]string{
				"STORE_DRIVER":           "memory",
				"JWT_SECRET":             "s3cret",
				"TOGGLE_TIMEOUT":         "2",
				"SSE_HEARTBEAT_INTERVAL": "500ms",
				"CORS_ALLOWED_ORIGINS":   "http://a.test, http://b.test,",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2*time.Second, cfg.ToggleTimeout)
				assert.Equal(t, 500*time.Millisecond, cfg.SSEHeartbeatInterval)
				assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSAllowedOrigins)
			},
		},
		{
			name:    "bad ttl",
			env:     map[string]string{"STORE_DRIVER": "memory", "JWT_SECRET": "s3cret", "JWT_ACCESS_TOKEN_TTL": "soon"},
			wantErr: ErrInvalidTokenTTL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"STORE_DRIVER", "DATABASE_URL", "AUTHZ_MODE", "JWT_SECRET", "EVENT_BUS", "AMQP_URL"} {
				t.Setenv(k, "")
			}
			setEnv(t, tt.env)

			cfg, err := Load()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}
