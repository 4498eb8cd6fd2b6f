package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ikrelay/internal/auth"
	"github.com/danmuck/ikrelay/internal/protocol/session"
	"github.com/danmuck/ikrelay/internal/transport"
)

type relayConfig struct {
	ID          string
	ListenAddr  string
	AdminAddr   string
	CORSOrigins []string
	Hub         transport.HubConfig
	// Security applies to the relay listener only.
	Security session.Security
}

func defaultRelayConfig() relayConfig {
	return relayConfig{
		ID:         "ikrelayd",
		ListenAddr: ":7400",
		AdminAddr:  "127.0.0.1:7401",
		Hub:        transport.DefaultHubConfig(),
	}
}

type fileConfig struct {
	ID               string   `toml:"id"`
	ListenAddr       string   `toml:"listen_addr"`
	AdminAddr        string   `toml:"admin_addr"`
	CORSOrigins      []string `toml:"cors_origins"`
	JoinToken        string   `toml:"join_token"`
	JoinTokens       []string `toml:"join_tokens"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	ReadTimeout      string   `toml:"read_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	PingInterval     string   `toml:"ping_interval"`
	FrameRate        float64  `toml:"frame_rate"`
	FrameBurst       int      `toml:"frame_burst"`
	SendQueue        int      `toml:"send_queue"`
	MaxPayloadBytes  uint64   `toml:"max_payload_bytes"`
	SecurityMode     string   `toml:"security_mode"`
	TLS              fileTLS  `toml:"tls"`
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

// applySecurity copies the security_mode key and the [tls] table onto dst.
func applySecurity(meta toml.MetaData, mode string, raw fileTLS, dst *session.Security) {
	if meta.IsDefined("security_mode") {
		dst.Mode = session.NormalizeSecurityMode(session.SecurityMode(mode))
	}
	if meta.IsDefined("tls", "enabled") {
		dst.TLS.Enabled = raw.Enabled
	}
	if meta.IsDefined("tls", "mutual") {
		dst.TLS.Mutual = raw.Mutual
	}
	if meta.IsDefined("tls", "cert_file") {
		dst.TLS.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		dst.TLS.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("tls", "ca_file") {
		dst.TLS.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("tls", "server_name") {
		dst.TLS.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("tls", "insecure_skip_verify") {
		dst.TLS.InsecureSkipVerify = raw.InsecureSkipVerify
	}
}

func loadRelayConfig(path string) (relayConfig, error) {
	cfg := defaultRelayConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return relayConfig{}, fmt.Errorf("load relay config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("join_token") || meta.IsDefined("join_tokens") {
		cfg.Hub.Validator = auth.FromTokens(append([]string{raw.JoinToken}, raw.JoinTokens...))
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Hub.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Hub.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Hub.WriteTimeout},
		{"ping_interval", raw.PingInterval, &cfg.Hub.PingInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return relayConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("frame_rate") {
		cfg.Hub.FrameRate = raw.FrameRate
	}
	if meta.IsDefined("frame_burst") {
		cfg.Hub.FrameBurst = raw.FrameBurst
	}
	if meta.IsDefined("send_queue") {
		cfg.Hub.SendQueue = raw.SendQueue
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Hub.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	applySecurity(meta, raw.SecurityMode, raw.TLS, &cfg.Security)

	if cfg.ListenAddr == "" {
		return relayConfig{}, fmt.Errorf("listen_addr is required")
	}
	if err := cfg.Security.ValidateServer(); err != nil {
		return relayConfig{}, err
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
