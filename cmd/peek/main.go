package main

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/hongjun500/signal/internal/config"
	"github.com/hongjun500/signal/internal/protocol"
	"github.com/hongjun500/signal/internal/transport"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.Load()
	var (
		addr = net.JoinHostPort(cfg.Client.Host, strconv.Itoa(cfg.Client.Port))
		psk  = cfg.Client.PresharedKey
		max  = 80
	)
	rootCmd := &cobra.Command{
		Use:          "signal-peek",
		Short:        "Dump raw Signal frames received from a server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return peek(addr, psk, max)
		},
	}
	rootCmd.Flags().StringVarP(&addr, "addr", "a", addr, "server address")
	rootCmd.Flags().StringVar(&psk, "psk", psk, "answer the auth challenge with this key")
	rootCmd.Flags().IntVar(&max, "max", max, "maximum body characters to print")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func peek(addr, psk string, max int) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	fc := transport.NewFrameCodec(conn, 0)
	for {
		m, err := fc.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		data, err := fc.ReadBody(m)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		printMessage(m, data, max)

		if m.Type == protocol.MsgAuthRequired && psk != "" {
			if err := fc.WriteMessage(protocol.NewAuthRequested([]byte(psk))); err != nil {
				return fmt.Errorf("send key: %w", err)
			}
		}
	}
}

func printMessage(m *protocol.Message, data []byte, max int) {
	fmt.Printf("Message:\n")
	fmt.Printf("  type:   %s\n", m.Type)
	if !m.SenderTimestamp.IsZero() {
		fmt.Printf("  sent:   %s\n", m.SenderTimestamp.Format(time.RFC3339Nano))
	}
	if !m.Expiration.IsZero() {
		fmt.Printf("  expiry: %s (budget %s)\n", m.Expiration.Format(time.RFC3339Nano), m.Budget())
	}
	if m.ConversationID != "" {
		fmt.Printf("  conversation: %s\n", m.ConversationID)
	}
	m.Header.Range(func(k, v string) bool {
		fmt.Printf("  header %s=%s\n", k, v)
		return true
	})
	switch {
	case len(data) == 0:
		fmt.Printf("  data: <empty>\n")
	case utf8.Valid(data):
		s := string(data)
		if len(s) > max {
			s = s[:max] + "..."
		}
		fmt.Printf("  data(text): %s\n", s)
	default:
		s := base64.StdEncoding.EncodeToString(data)
		if len(s) > max {
			s = s[:max] + "..."
		}
		fmt.Printf("  data(base64): %s\n", s)
	}
}
