package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func lookup(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	c := FromEnv(lookup(nil))

	assert.Equal(t, 5*time.Minute, c.Matching.MatchTimeout)
	assert.Equal(t, time.Hour, c.Matching.SessionTTL)
	assert.Equal(t, 30*time.Second, c.Collab.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, c.Collab.ReapInterval)
	assert.Equal(t, 120*time.Second, c.Collab.ReapCooldown)
	assert.Equal(t, 3*time.Second, c.Redis.MaxBackoff)
	assert.Equal(t, []string{"*"}, c.CORSOrigins)
	assert.False(t, c.Collab.VerifySessions)
}

func TestFromEnv_Overrides(t *testing.T) {
	c := FromEnv(lookup(map[string]string{
		"MATCH_TIMEOUT":        "90s",
		"REAP_COOLDOWN":        "10s",
		"REDIS_ADDR":           "redis:6379",
		"REDIS_DB":             "3",
		"SEND_BUFFER":          "16",
		"VERIFY_SESSIONS":      "true",
		"CORS_ALLOWED_ORIGINS": "http://a.test, http://b.test",
	}))

	assert.Equal(t, 90*time.Second, c.Matching.MatchTimeout)
	assert.Equal(t, 10*time.Second, c.Collab.ReapCooldown)
	assert.Equal(t, "redis:6379", c.Redis.Addr)
	assert.Equal(t, 3, c.Redis.DB)
	assert.Equal(t, 16, c.Collab.SendBuffer)
	assert.True(t, c.Collab.VerifySessions)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, c.CORSOrigins)
}

func TestFromEnv_InvalidValuesKeepDefaults(t *testing.T) {
	c := FromEnv(lookup(map[string]string{
		"MATCH_TIMEOUT":      "soon",
		"HEARTBEAT_INTERVAL": "-5s",
		"SEND_BUFFER":        "0",
		"REDIS_DB":           "x",
		"VERIFY_SESSIONS":    "maybe",
	}))

	assert.Equal(t, 5*time.Minute, c.Matching.MatchTimeout)
	assert.Equal(t, 30*time.Second, c.Collab.HeartbeatInterval)
	assert.Equal(t, 256, c.Collab.SendBuffer)
	assert.Equal(t, 0, c.Redis.DB)
	assert.False(t, c.Collab.VerifySessions)
}
