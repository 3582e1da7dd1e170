package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hongjun500/signal/internal/transport"
)

type Redis struct {
	Addr   string
	DB     int
	Stream string
	Group  string
}

// Enabled 未配置地址时不启用跨节点转发
func (r Redis) Enabled() bool { return r.Addr != "" }

type Config struct {
	Server      transport.ServerSettings
	Client      transport.ClientSettings
	MetricsAddr string
	Redis       Redis
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return def
	}
	return v
}

// getSeconds 读取以秒为单位的时长，支持小数
func getSeconds(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func getBool(key string, def bool) bool {
	b, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return def
	}
	return b
}

func getList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func Load() *Config {
	psk := getEnv("SIGNAL_PSK", "")
	port := getInt("SIGNAL_PORT", 8000)
	bufferSize := getInt("SIGNAL_STREAM_BUFFER", 64*1024)
	maxProxied := int64(getInt("SIGNAL_MAX_PROXIED_STREAM", 64*1024*1024))
	maxMessage := int64(getInt("SIGNAL_MAX_MESSAGE_SIZE", int(transport.DefaultMaxMessageSize)))
	keepalive := transport.DefaultKeepaliveSettings()
	keepalive.EnableTcpKeepAlives = getBool("SIGNAL_KEEPALIVE", false)

	server := transport.DefaultServerSettings()
	server.ListenIP = getEnv("SIGNAL_LISTEN_IP", server.ListenIP)
	server.ListenPort = port
	server.PresharedKey = psk
	server.MaxConnections = getInt("SIGNAL_MAX_CONNECTIONS", server.MaxConnections)
	server.PermittedIPs = getList("SIGNAL_PERMITTED_IPS")
	server.BlockedIPs = getList("SIGNAL_BLOCKED_IPS")
	server.IdleClientTimeout = getSeconds("SIGNAL_IDLE_CLIENT_TIMEOUT", 0)
	server.StreamBufferSize = bufferSize
	server.MaxProxiedStreamSize = maxProxied
	server.MaxMessageSize = maxMessage
	server.Keepalive = keepalive

	client := transport.DefaultClientSettings()
	client.Host = getEnv("SIGNAL_HOST", client.Host)
	client.Port = port
	client.PresharedKey = psk
	client.IdleServerTimeout = getSeconds("SIGNAL_IDLE_SERVER_TIMEOUT", 0)
	client.AutoReconnect = getSeconds("SIGNAL_AUTO_RECONNECT", 0)
	client.Channel = getInt("SIGNAL_CHANNEL", 0)
	client.StreamBufferSize = bufferSize
	client.MaxProxiedStreamSize = maxProxied
	client.MaxMessageSize = maxMessage
	client.Keepalive = keepalive

	return &Config{
		Server:      server,
		Client:      client,
		MetricsAddr: getEnv("SIGNAL_METRICS_ADDR", ":9090"),
		Redis: Redis{
			Addr:   getEnv("SIGNAL_REDIS_ADDR", ""),
			DB:     getInt("SIGNAL_REDIS_DB", 0),
			Stream: getEnv("SIGNAL_REDIS_STREAM", "signal:broadcast"),
			Group:  getEnv("SIGNAL_REDIS_GROUP", "signal"),
		},
	}
}
