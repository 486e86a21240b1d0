package mesh

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultMaxConnections      = 4
	defaultConnectingTimeout   = 30 * time.Second
	defaultConnectedTimeout    = 60 * time.Second
	defaultDisconnectedTimeout = 30 * time.Second
	defaultRejectedTimeout     = 30 * time.Second
	defaultErrorTimeout        = 30 * time.Second
	defaultHeartbeatInitial    = 15 * time.Second
	defaultHeartbeatInterval   = 30 * time.Second
	defaultGossipInterval      = 30 * time.Second
	defaultManageInterval      = 5 * time.Second
	defaultRotateInterval      = 3 * time.Minute
	defaultIslandBreakProb     = 0.10
	defaultPacketTTL           = 5
	defaultSeenTTL             = 10 * time.Minute
	defaultBackoffBase         = 2 * time.Second
	defaultBackoffJitter       = 1 * time.Second
	defaultBackoffCap          = 5 * time.Minute
	defaultMaxRetries          = 5
	defaultMaxPayload          = 32 << 10
	defaultHealInterval        = 2 * time.Minute
	defaultHealWindow          = 10 * time.Second
)

// Config carries every tunable of the mesh core. Defaults suit a small
// handheld mesh; each field has a NEARMESH_* environment override so
// deployments and tests can squeeze the clock.
type Config struct {
	MaxConnections int

	ConnectingTimeout   time.Duration
	ConnectedTimeout    time.Duration
	DisconnectedTimeout time.Duration
	RejectedTimeout     time.Duration
	ErrorTimeout        time.Duration

	HeartbeatInitial  time.Duration
	HeartbeatInterval time.Duration

	GossipInterval  time.Duration
	ManageInterval  time.Duration
	RotateInterval  time.Duration
	IslandBreakProb float64

	PacketTTL  uint8
	SeenTTL    time.Duration
	MaxPayload int

	BackoffBase   time.Duration
	BackoffJitter time.Duration
	BackoffCap    time.Duration
	MaxRetries    int

	HealInterval time.Duration
	HealWindow   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:      defaultMaxConnections,
		ConnectingTimeout:   defaultConnectingTimeout,
		ConnectedTimeout:    defaultConnectedTimeout,
		DisconnectedTimeout: defaultDisconnectedTimeout,
		RejectedTimeout:     defaultRejectedTimeout,
		ErrorTimeout:        defaultErrorTimeout,
		HeartbeatInitial:    defaultHeartbeatInitial,
		HeartbeatInterval:   defaultHeartbeatInterval,
		GossipInterval:      defaultGossipInterval,
		ManageInterval:      defaultManageInterval,
		RotateInterval:      defaultRotateInterval,
		IslandBreakProb:     defaultIslandBreakProb,
		PacketTTL:           defaultPacketTTL,
		SeenTTL:             defaultSeenTTL,
		MaxPayload:          defaultMaxPayload,
		BackoffBase:         defaultBackoffBase,
		BackoffJitter:       defaultBackoffJitter,
		BackoffCap:          defaultBackoffCap,
		MaxRetries:          defaultMaxRetries,
		HealInterval:        defaultHealInterval,
		HealWindow:          defaultHealWindow,
	}
}

// ConfigFromEnv is DefaultConfig with NEARMESH_* overrides applied.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v, ok := envInt("NEARMESH_MAX_CONNECTIONS"); ok && v > 0 {
		cfg.MaxConnections = v
	}
	envDuration("NEARMESH_CONNECTING_TIMEOUT_MS", &cfg.ConnectingTimeout)
	envDuration("NEARMESH_CONNECTED_TIMEOUT_MS", &cfg.ConnectedTimeout)
	envDuration("NEARMESH_DISCONNECTED_TIMEOUT_MS", &cfg.DisconnectedTimeout)
	envDuration("NEARMESH_REJECTED_TIMEOUT_MS", &cfg.RejectedTimeout)
	envDuration("NEARMESH_ERROR_TIMEOUT_MS", &cfg.ErrorTimeout)
	envDuration("NEARMESH_HEARTBEAT_INITIAL_MS", &cfg.HeartbeatInitial)
	envDuration("NEARMESH_HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatInterval)
	envDuration("NEARMESH_GOSSIP_INTERVAL_MS", &cfg.GossipInterval)
	envDuration("NEARMESH_MANAGE_INTERVAL_MS", &cfg.ManageInterval)
	envDuration("NEARMESH_ROTATE_INTERVAL_MS", &cfg.RotateInterval)
	if v, ok := envFloat("NEARMESH_ISLAND_BREAK_PROB"); ok && v >= 0 && v <= 1 {
		cfg.IslandBreakProb = v
	}
	if v, ok := envInt("NEARMESH_PACKET_TTL"); ok && v >= 0 && v < 256 {
		cfg.PacketTTL = uint8(v)
	}
	envDuration("NEARMESH_SEEN_TTL_MS", &cfg.SeenTTL)
	if v, ok := envInt("NEARMESH_MAX_PAYLOAD"); ok && v > 0 {
		cfg.MaxPayload = v
	}
	envDuration("NEARMESH_BACKOFF_BASE_MS", &cfg.BackoffBase)
	envDuration("NEARMESH_BACKOFF_JITTER_MS", &cfg.BackoffJitter)
	envDuration("NEARMESH_BACKOFF_CAP_MS", &cfg.BackoffCap)
	if v, ok := envInt("NEARMESH_MAX_RETRIES"); ok && v >= 0 {
		cfg.MaxRetries = v
	}
	envDuration("NEARMESH_HEAL_INTERVAL_MS", &cfg.HealInterval)
	envDuration("NEARMESH_HEAL_WINDOW_MS", &cfg.HealWindow)
	return cfg
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(key string, out *time.Duration) {
	if v, ok := envInt(key); ok && v > 0 {
		*out = time.Duration(v) * time.Millisecond
	}
}
