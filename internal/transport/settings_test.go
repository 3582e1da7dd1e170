package transport

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestServerSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerSettings)
		wantErr bool
	}{
		{"defaults", func(*ServerSettings) {}, false},
		{"ephemeral port", func(s *ServerSettings) { s.ListenPort = 0 }, false},
		{"bad ip", func(s *ServerSettings) { s.ListenIP = "localhost" }, true},
		{"port too large", func(s *ServerSettings) { s.ListenPort = 70000 }, true},
		{"negative max", func(s *ServerSettings) { s.MaxConnections = -1 }, true},
		{"zero buffer", func(s *ServerSettings) { s.StreamBufferSize = 0 }, true},
		{"short psk", func(s *ServerSettings) { s.PresharedKey = "short" }, true},
		{"padded psk", func(s *ServerSettings) { s.PresharedKey = " 0123456789abcdef " }, false},
		{"bad cidr", func(s *ServerSettings) { s.BlockedIPs = []string{"10.0.0.0/99"} }, true},
		{"zero auth timeout", func(s *ServerSettings) { s.AuthTimeout = 0 }, true},
		{"zero max message", func(s *ServerSettings) { s.MaxMessageSize = 0 }, true},
		{"keepalive without interval", func(s *ServerSettings) {
			s.Keepalive.EnableTcpKeepAlives = true
			s.Keepalive.TcpKeepAliveInterval = 0
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultServerSettings()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestClientSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ClientSettings)
		wantErr bool
	}{
		{"defaults", func(*ClientSettings) {}, false},
		{"empty host", func(s *ClientSettings) { s.Host = " " }, true},
		{"zero port", func(s *ClientSettings) { s.Port = 0 }, true},
		{"privileged local port", func(s *ClientSettings) { s.LocalPort = 80 }, true},
		{"sub-second reconnect", func(s *ClientSettings) { s.AutoReconnect = 500 * time.Millisecond }, true},
		{"reconnect", func(s *ClientSettings) { s.AutoReconnect = 2 * time.Second }, false},
		{"negative channel", func(s *ClientSettings) { s.Channel = -1 }, true},
		{"negative max message", func(s *ClientSettings) { s.MaxMessageSize = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultClientSettings()
			tt.mutate(&s)
			if err := s.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIPFilter(t *testing.T) {
	f, err := newIPFilter([]string{"10.0.0.0/8", "192.168.1.5"}, []string{"10.1.0.0/16"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		ip   string
		want bool
	}{
		{"10.2.3.4", true},
		{"10.1.2.3", false}, // blocked wins over permitted
		{"192.168.1.5", true},
		{"192.168.1.6", false},
		{"::ffff:10.2.3.4", true},
	}
	for _, tt := range tests {
		if got := f.allowed(netip.MustParseAddr(tt.ip)); got != tt.want {
			t.Errorf("allowed(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}

	open, _ := newIPFilter(nil, nil)
	if !open.allowed(netip.MustParseAddr("8.8.8.8")) {
		t.Errorf("empty permitted list must allow everyone")
	}
}

func TestKeepaliveConfig(t *testing.T) {
	k := DefaultKeepaliveSettings()
	if _, d := k.config(); d != -1 {
		t.Fatalf("disabled keepalive must turn off the OS default, got %v", d)
	}
	k.EnableTcpKeepAlives = true
	cfg, d := k.config()
	if d != 0 || !cfg.Enable || cfg.Idle != k.TcpKeepAliveTime || cfg.Count != k.TcpKeepAliveRetryCount {
		t.Fatalf("unexpected config %+v %v", cfg, d)
	}
}

func TestRemoteIP(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("::ffff:127.0.0.1"), Port: 9}
	if got := remoteIP(addr); got != netip.MustParseAddr("127.0.0.1") {
		t.Fatalf("remoteIP = %v", got)
	}
}
