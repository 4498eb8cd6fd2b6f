package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ikrelay/internal/protocol/session"
)

type peerConfig struct {
	Name        string
	RelayURL    string
	JoinToken   string
	Host        bool
	AdminAddr   string
	CORSOrigins []string
	// AvatarHeight is the rig height of every avatar this peer builds.
	AvatarHeight float32
	Synthetic    syntheticConfig
	Session      session.Config
}

// syntheticConfig drives fake tracking input for controlled entities.
type syntheticConfig struct {
	Enabled bool
	// HeadHeight is where the fake head target sits during calibration.
	HeadHeight float32
	Hold       time.Duration
	CurlPeriod time.Duration
}

func defaultPeerConfig() peerConfig {
	return peerConfig{
		Name:         "ikpeer",
		RelayURL:     "ws://127.0.0.1:7400/ws",
		AvatarHeight: 1.7,
		Synthetic: syntheticConfig{
			HeadHeight: 1.7,
			Hold:       3 * time.Second,
			CurlPeriod: 2 * time.Second,
		},
		Session: session.DefaultConfig(),
	}
}

type fileConfig struct {
	Name         string   `toml:"name"`
	RelayURL     string   `toml:"relay_url"`
	JoinToken    string   `toml:"join_token"`
	Host         bool     `toml:"host"`
	AdminAddr    string   `toml:"admin_addr"`
	CORSOrigins  []string `toml:"cors_origins"`
	AvatarHeight float32  `toml:"avatar_height"`

	Enabled            bool    `toml:"enabled"`
	TickRate           int     `toml:"tick_rate"`
	FullResyncInterval string  `toml:"full_resync_interval"`
	ResyncRetry        string  `toml:"resync_retry"`
	FingerSyncDeadzone float32 `toml:"finger_sync_deadzone"`
	CurlDebounce       string  `toml:"curl_debounce"`
	ScaleDebounce      string  `toml:"scale_debounce"`
	ResolveInterval    string  `toml:"resolve_interval"`
	SpawnDelay         string  `toml:"spawn_delay"`
	Layout             string  `toml:"layout"`
	TrackingType       string  `toml:"tracking_type"`
	CommandRate        float64 `toml:"command_rate"`
	CommandBurst       int     `toml:"command_burst"`

	SecurityMode string        `toml:"security_mode"`
	TLS          fileTLS       `toml:"tls"`
	Synthetic    fileSynthetic `toml:"synthetic"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type fileSynthetic struct {
	Enabled    bool    `toml:"enabled"`
	HeadHeight float32 `toml:"head_height"`
	Hold       string  `toml:"hold"`
	CurlPeriod string  `toml:"curl_period"`
}

func loadPeerConfig(path string) (peerConfig, error) {
	cfg := defaultPeerConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return peerConfig{}, fmt.Errorf("load peer config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("relay_url") {
		cfg.RelayURL = strings.TrimSpace(raw.RelayURL)
	}
	if meta.IsDefined("join_token") {
		cfg.JoinToken = strings.TrimSpace(raw.JoinToken)
	}
	if meta.IsDefined("host") {
		cfg.Host = raw.Host
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("avatar_height") {
		cfg.AvatarHeight = raw.AvatarHeight
	}

	if meta.IsDefined("enabled") {
		cfg.Session.Enabled = raw.Enabled
	}
	if meta.IsDefined("tick_rate") {
		cfg.Session.TickRate = raw.TickRate
	}
	if meta.IsDefined("finger_sync_deadzone") {
		cfg.Session.CurlDeadzone = raw.FingerSyncDeadzone
	}
	if meta.IsDefined("layout") {
		cfg.Session.Layout = strings.TrimSpace(raw.Layout)
	}
	if meta.IsDefined("tracking_type") {
		cfg.Session.TrackingType = strings.TrimSpace(raw.TrackingType)
	}
	if meta.IsDefined("command_rate") {
		cfg.Session.CommandRate = raw.CommandRate
	}
	if meta.IsDefined("command_burst") {
		cfg.Session.CommandBurst = raw.CommandBurst
	}

	sec := &cfg.Session.Security
	if meta.IsDefined("security_mode") {
		sec.Mode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("tls", "enabled") {
		sec.TLS.Enabled = raw.TLS.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		sec.TLS.Mutual = raw.TLS.Mutual
	}
	if meta.IsDefined("tls", "cert_file") {
		sec.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		sec.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("tls", "ca_file") {
		sec.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		sec.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		sec.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}

	if meta.IsDefined("synthetic", "enabled") {
		cfg.Synthetic.Enabled = raw.Synthetic.Enabled
	}
	if meta.IsDefined("synthetic", "head_height") {
		cfg.Synthetic.HeadHeight = raw.Synthetic.HeadHeight
	}

	durations := []struct {
		key []string
		val string
		dst *time.Duration
	}{
		{[]string{"full_resync_interval"}, raw.FullResyncInterval, &cfg.Session.FullResyncInterval},
		{[]string{"resync_retry"}, raw.ResyncRetry, &cfg.Session.ResyncRetry},
		{[]string{"curl_debounce"}, raw.CurlDebounce, &cfg.Session.CurlDebounce},
		{[]string{"scale_debounce"}, raw.ScaleDebounce, &cfg.Session.ScaleDebounce},
		{[]string{"resolve_interval"}, raw.ResolveInterval, &cfg.Session.ResolveInterval},
		{[]string{"spawn_delay"}, raw.SpawnDelay, &cfg.Session.SpawnDelay},
		{[]string{"synthetic", "hold"}, raw.Synthetic.Hold, &cfg.Synthetic.Hold},
		{[]string{"synthetic", "curl_period"}, raw.Synthetic.CurlPeriod, &cfg.Synthetic.CurlPeriod},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return peerConfig{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if cfg.RelayURL == "" {
		return peerConfig{}, fmt.Errorf("relay_url is required")
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.Validate(); err != nil {
		return peerConfig{}, err
	}
	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
