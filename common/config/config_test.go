package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedisConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("HR_REDIS_ADDR", "redis:6380")
	t.Setenv("HR_REDIS_DB", "3")

	cfg := RedisConfig{Addr: "localhost:6379"}
	cfg.LoadFromEnv("HR_REDIS")

	assert.Equal(t, "redis:6380", cfg.Addr)
	assert.Equal(t, 3, cfg.DB)
}

func TestMQTTConfig_LoadFromEnv_RejectsBadQoS(t *testing.T) {
	t.Setenv("HR_MQTT_QOS", "7")
	t.Setenv("HR_MQTT_BROKER", "tcp://broker:1883")

	cfg := MQTTConfig{QoS: 1}
	cfg.LoadFromEnv("HR_MQTT")

	assert.Equal(t, "tcp://broker:1883", cfg.Broker)
	assert.Equal(t, byte(1), cfg.QoS)
}

func TestDatabaseConfig_GetDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "hr", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=hr sslmode=disable", cfg.GetDSN())
}

func TestDatabaseConfig_LoadFromEnv_IgnoresBadPort(t *testing.T) {
	t.Setenv("HR_DB_PORT", "not-a-port")
	cfg := DatabaseConfig{Port: 5432}
	cfg.LoadFromEnv("HR_DB")
	assert.Equal(t, 5432, cfg.Port)
}
