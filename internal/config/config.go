package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"owl-heartrate/common/config"

	"gopkg.in/yaml.v3"
)

// 数据源名称
const (
	SourceBLE       = "ble"
	SourceWebSocket = "websocket"
	SourceDummy     = "dummy"
)

// Config 心率服务配置
type Config struct {
	// Source 当前启用的数据源：ble | websocket | dummy
	Source string `yaml:"source"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Bus struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"bus"`

	// JoinTimeout 停止时等待每个 actor 退出的最长时间
	JoinTimeout time.Duration `yaml:"join_timeout"`

	// InitialActivity 启动时的活动编号
	InitialActivity uint8 `yaml:"initial_activity"`

	Twitch struct {
		Threshold time.Duration `yaml:"threshold"`
	} `yaml:"twitch"`

	OSC       OSCConfig       `yaml:"osc"`
	BLE       BLEConfig       `yaml:"ble"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Dummy     DummyConfig     `yaml:"dummy"`

	Sinks struct {
		Redis    RedisSinkConfig    `yaml:"redis"`
		MQTT     MQTTSinkConfig     `yaml:"mqtt"`
		Recorder RecorderSinkConfig `yaml:"recorder"`
		Metrics  MetricsSinkConfig  `yaml:"metrics"`
	} `yaml:"sinks"`
}

// OSCParams 各参数的地址后缀
type OSCParams struct {
	Connected        string `yaml:"connected"`
	HidingDisconnect string `yaml:"hiding_disconnect"`
	BatteryInt       string `yaml:"battery_int"`
	BatteryFloat     string `yaml:"battery_float"`
	BeatToggle       string `yaml:"beat_toggle"`
	BeatPulse        string `yaml:"beat_pulse"`
	BPMInt           string `yaml:"bpm_int"`
	BPMFloat         string `yaml:"bpm_float"`
	LatestRR         string `yaml:"latest_rr"`
	TwitchUp         string `yaml:"twitch_up"`
	TwitchDown       string `yaml:"twitch_down"`
}

// OSCConfig OSC 发送配置
type OSCConfig struct {
	HostIP               string        `yaml:"host_ip"`
	TargetIP             string        `yaml:"target_ip"`
	Port                 int           `yaml:"port"`
	AddressPrefix        string        `yaml:"address_prefix"`
	PulseLength          time.Duration `yaml:"pulse_length"`
	OnlyPositiveFloatBPM bool          `yaml:"only_positive_float_bpm"`
	HideDisconnections   bool          `yaml:"hide_disconnections"`
	MaxHideDisconnection time.Duration `yaml:"max_hide_disconnection"`
	MimicInterval        time.Duration `yaml:"mimic_interval"`
	Params               OSCParams     `yaml:"params"`
}

// BLEConfig 蓝牙心率带配置
type BLEConfig struct {
	DeviceAddress        string        `yaml:"device_address"`
	DeviceName           string        `yaml:"device_name"`
	RRIgnoreAfterEmpty   int           `yaml:"rr_ignore_after_empty"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	NoDataTimeout        time.Duration `yaml:"no_data_timeout"`
	BatteryPoll          time.Duration `yaml:"battery_poll"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	UnreachableBackoff   time.Duration `yaml:"unreachable_backoff"`
	MaxDiscoveryFailures int           `yaml:"max_discovery_failures"`
}

// WebSocketConfig WebSocket 接入配置
type WebSocketConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	NoDataTimeout time.Duration `yaml:"no_data_timeout"`
}

// DummyConfig 模拟数据源配置
type DummyConfig struct {
	LowBPM        uint16  `yaml:"low_bpm"`
	HighBPM       uint16  `yaml:"high_bpm"`
	BPMSpeed      float64 `yaml:"bpm_speed"`
	LoopsBeforeDC uint16  `yaml:"loops_before_dc"`
}

// RedisSinkConfig Redis Streams 输出
type RedisSinkConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Stream    string             `yaml:"stream"`
	MaxLen    int64              `yaml:"max_len"`
	LatestKey string             `yaml:"latest_key"`
	LatestTTL time.Duration      `yaml:"latest_ttl"`
	Conn      config.RedisConfig `yaml:"conn"`
}

// MQTTSinkConfig MQTT 转发
type MQTTSinkConfig struct {
	Enabled     bool              `yaml:"enabled"`
	TopicPrefix string            `yaml:"topic_prefix"`
	Conn        config.MQTTConfig `yaml:"conn"`
}

// RecorderSinkConfig PostgreSQL 会话记录
type RecorderSinkConfig struct {
	Enabled  bool                  `yaml:"enabled"`
	Database config.DatabaseConfig `yaml:"database"`
}

// MetricsSinkConfig Prometheus 指标
type MetricsSinkConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default 返回带默认值的配置
func Default() *Config {
	cfg := &Config{}

	cfg.Source = SourceBLE
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	cfg.Bus.Capacity = 50
	cfg.JoinTimeout = 3 * time.Second
	cfg.Twitch.Threshold = 50 * time.Millisecond

	cfg.OSC = OSCConfig{
		HostIP:               "0.0.0.0",
		TargetIP:             "127.0.0.1",
		Port:                 9000,
		AddressPrefix:        "/avatar/parameters/",
		PulseLength:          100 * time.Millisecond,
		MaxHideDisconnection: 60 * time.Second,
		MimicInterval:        6 * time.Second,
		Params: OSCParams{
			Connected:        "isHRConnected",
			HidingDisconnect: "isHRReconnecting",
			BatteryInt:       "HRBattery",
			BatteryFloat:     "HRBatteryFloat",
			BeatToggle:       "HeartBeatToggle",
			BeatPulse:        "isHRBeat",
			BPMInt:           "HR",
			BPMFloat:         "floatHR",
			LatestRR:         "RRInterval",
			TwitchUp:         "HRTwitchUp",
			TwitchDown:       "HRTwitchDown",
		},
	}

	cfg.BLE = BLEConfig{
		ConnectTimeout:       30 * time.Second,
		NoDataTimeout:        30 * time.Second,
		BatteryPoll:          5 * time.Minute,
		ReconnectBackoff:     time.Second,
		UnreachableBackoff:   3 * time.Second,
		MaxDiscoveryFailures: 3,
	}

	cfg.WebSocket = WebSocketConfig{
		Host:          "0.0.0.0",
		Port:          5566,
		NoDataTimeout: 30 * time.Second,
	}

	cfg.Dummy = DummyConfig{
		LowBPM:        50,
		HighBPM:       120,
		BPMSpeed:      1.5,
		LoopsBeforeDC: 2,
	}

	cfg.Sinks.Redis.Stream = "heartrate:stream"
	cfg.Sinks.Redis.MaxLen = 10000
	cfg.Sinks.Redis.LatestKey = "heartrate:latest"
	cfg.Sinks.Redis.LatestTTL = 60 * time.Second
	cfg.Sinks.Redis.Conn = config.RedisConfig{Addr: "localhost:6379"}

	cfg.Sinks.MQTT.TopicPrefix = "owl/heartrate"
	cfg.Sinks.MQTT.Conn = config.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "owl-heartrate",
		QoS:      0,
	}

	cfg.Sinks.Recorder.Database = config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "owlrd",
		SSLMode:  "disable",
	}

	cfg.Sinks.Metrics.ListenAddr = ":9184"

	return cfg
}

// Load 加载配置
// 顺序：默认值 -> HR_CONFIG_FILE 指定的 YAML 文件 -> 环境变量
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("HR_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.Source = strings.ToLower(getEnv("HR_SOURCE", c.Source))
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	c.Bus.Capacity = getEnvInt("HR_BUS_CAPACITY", c.Bus.Capacity)
	c.JoinTimeout = getEnvDuration("HR_JOIN_TIMEOUT", c.JoinTimeout)
	c.InitialActivity = uint8(getEnvInt("HR_INITIAL_ACTIVITY", int(c.InitialActivity)))
	c.Twitch.Threshold = getEnvDuration("HR_TWITCH_THRESHOLD", c.Twitch.Threshold)

	// OSC
	c.OSC.HostIP = getEnv("OSC_HOST_IP", c.OSC.HostIP)
	c.OSC.TargetIP = getEnv("OSC_TARGET_IP", c.OSC.TargetIP)
	c.OSC.Port = getEnvInt("OSC_PORT", c.OSC.Port)
	c.OSC.AddressPrefix = getEnv("OSC_ADDRESS_PREFIX", c.OSC.AddressPrefix)
	c.OSC.PulseLength = getEnvDuration("OSC_PULSE_LENGTH", c.OSC.PulseLength)
	c.OSC.OnlyPositiveFloatBPM = getEnvBool("OSC_ONLY_POSITIVE_FLOAT_BPM", c.OSC.OnlyPositiveFloatBPM)
	c.OSC.HideDisconnections = getEnvBool("OSC_HIDE_DISCONNECTIONS", c.OSC.HideDisconnections)
	c.OSC.MaxHideDisconnection = getEnvDuration("OSC_MAX_HIDE_DISCONNECTION", c.OSC.MaxHideDisconnection)
	c.OSC.MimicInterval = getEnvDuration("OSC_MIMIC_INTERVAL", c.OSC.MimicInterval)

	// BLE
	c.BLE.DeviceAddress = getEnv("BLE_DEVICE_ADDRESS", c.BLE.DeviceAddress)
	c.BLE.DeviceName = getEnv("BLE_DEVICE_NAME", c.BLE.DeviceName)
	c.BLE.RRIgnoreAfterEmpty = getEnvInt("BLE_RR_IGNORE_AFTER_EMPTY", c.BLE.RRIgnoreAfterEmpty)
	c.BLE.NoDataTimeout = getEnvDuration("BLE_NO_DATA_TIMEOUT", c.BLE.NoDataTimeout)
	c.BLE.MaxDiscoveryFailures = getEnvInt("BLE_MAX_DISCOVERY_FAILURES", c.BLE.MaxDiscoveryFailures)

	// WebSocket
	c.WebSocket.Host = getEnv("WEBSOCKET_HOST", c.WebSocket.Host)
	c.WebSocket.Port = getEnvInt("WEBSOCKET_PORT", c.WebSocket.Port)
	c.WebSocket.NoDataTimeout = getEnvDuration("WEBSOCKET_NO_DATA_TIMEOUT", c.WebSocket.NoDataTimeout)

	// Dummy
	c.Dummy.LowBPM = uint16(getEnvInt("DUMMY_LOW_BPM", int(c.Dummy.LowBPM)))
	c.Dummy.HighBPM = uint16(getEnvInt("DUMMY_HIGH_BPM", int(c.Dummy.HighBPM)))
	c.Dummy.BPMSpeed = getEnvFloat("DUMMY_BPM_SPEED", c.Dummy.BPMSpeed)
	c.Dummy.LoopsBeforeDC = uint16(getEnvInt("DUMMY_LOOPS_BEFORE_DC", int(c.Dummy.LoopsBeforeDC)))

	// Sinks
	c.Sinks.Redis.Enabled = getEnvBool("SINK_REDIS_ENABLED", c.Sinks.Redis.Enabled)
	c.Sinks.Redis.Stream = getEnv("SINK_REDIS_STREAM", c.Sinks.Redis.Stream)
	c.Sinks.Redis.Conn.LoadFromEnv("HR_REDIS")

	c.Sinks.MQTT.Enabled = getEnvBool("SINK_MQTT_ENABLED", c.Sinks.MQTT.Enabled)
	c.Sinks.MQTT.TopicPrefix = getEnv("SINK_MQTT_TOPIC_PREFIX", c.Sinks.MQTT.TopicPrefix)
	c.Sinks.MQTT.Conn.LoadFromEnv("HR_MQTT")

	c.Sinks.Recorder.Enabled = getEnvBool("SINK_RECORDER_ENABLED", c.Sinks.Recorder.Enabled)
	c.Sinks.Recorder.Database.LoadFromEnv("HR_DB")

	c.Sinks.Metrics.Enabled = getEnvBool("SINK_METRICS_ENABLED", c.Sinks.Metrics.Enabled)
	c.Sinks.Metrics.ListenAddr = getEnv("SINK_METRICS_LISTEN_ADDR", c.Sinks.Metrics.ListenAddr)
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error

	switch {
	case strings.TrimSpace(c.Source) == "":
		errs = append(errs, errors.New("no heart rate source selected"))
	case strings.ContainsAny(c.Source, ",+ "):
		errs = append(errs, fmt.Errorf("only one heart rate source may be active, got %q", c.Source))
	case c.Source != SourceBLE && c.Source != SourceWebSocket && c.Source != SourceDummy:
		errs = append(errs, fmt.Errorf("unknown heart rate source %q", c.Source))
	}

	if c.Dummy.LowBPM == 0 {
		errs = append(errs, errors.New("dummy low_bpm must be positive, bpm 0 means disconnected"))
	}
	if c.Dummy.LowBPM >= c.Dummy.HighBPM {
		errs = append(errs, fmt.Errorf("dummy low_bpm (%d) must be below high_bpm (%d)", c.Dummy.LowBPM, c.Dummy.HighBPM))
	}
	if c.Dummy.BPMSpeed <= 0 {
		errs = append(errs, fmt.Errorf("dummy bpm_speed must be positive, got %v", c.Dummy.BPMSpeed))
	}
	if c.OSC.PulseLength <= 0 {
		errs = append(errs, errors.New("osc pulse_length must be positive"))
	}
	if c.BLE.NoDataTimeout <= 0 || c.WebSocket.NoDataTimeout <= 0 {
		errs = append(errs, errors.New("no_data_timeout must be positive"))
	}
	if c.Bus.Capacity <= 0 {
		errs = append(errs, errors.New("bus capacity must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
