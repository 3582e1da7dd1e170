package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/hongjun500/signal/internal/config"
	"github.com/hongjun500/signal/internal/protocol"
	"github.com/hongjun500/signal/internal/transport"
	"github.com/hongjun500/signal/pkg/logger"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:           "signal-client",
		Short:         "Talk to a Signal protocol server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.Sync()
		},
	}
	c := &cfg.Client
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&c.Host, "host", "H", c.Host, "server host")
	pf.IntVarP(&c.Port, "port", "p", c.Port, "server port")
	pf.StringVar(&c.PresharedKey, "psk", c.PresharedKey, "16 character preshared key")
	pf.IntVar(&c.Channel, "channel", c.Channel, "channel to register after the handshake")

	rootCmd.AddCommand(
		rpcCmd(c),
		sendCmd(c),
		listenCmd(c),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// dial 连接服务端并等待握手完成
func dial(ctx context.Context, settings transport.ClientSettings) (*transport.Client, error) {
	client, err := transport.NewClient(settings)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, settings.ConnectTimeout)
	defer cancel()
	if err := client.WaitReady(wctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func rpcCmd(settings *transport.ClientSettings) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "rpc <tag> [body]",
		Short: "Send a request and print the response",
		Example: `  signal-client rpc ping
  signal-client rpc echo "hello"
  signal-client rpc identify alice`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd.Context(), *settings)
			if err != nil {
				return err
			}
			defer client.Close()

			var body any
			if len(args) == 2 {
				body = args[1]
			}
			resp, err := client.RpcRequest(cmd.Context(), timeout, protocol.TagHeader(args[0]), body)
			if err != nil {
				return err
			}
			fmt.Printf("status: %s\n", resp.StatusCode)
			printBody(resp.Data)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "request timeout, at least 1s")
	return cmd
}

func sendCmd(settings *transport.ClientSettings) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "send <tag> [body]",
		Short: "Send a broadcast message, or a file as a stream",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd.Context(), *settings)
			if err != nil {
				return err
			}
			defer func() { _ = client.Disconnect(true) }()

			header := protocol.TagHeader(args[0])
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				st, err := f.Stat()
				if err != nil {
					f.Close()
					return err
				}
				if !client.SendStream(header, f, st.Size()) {
					return fmt.Errorf("stream %s was not sent", file)
				}
				return nil
			}
			var body string
			if len(args) == 2 {
				body = args[1]
			}
			if !client.Send(header, body) {
				return fmt.Errorf("message was not sent")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "stream this file instead of a body")
	return cmd
}

func listenCmd(settings *transport.ClientSettings) *cobra.Command {
	var reconnect time.Duration
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print broadcasts and streams pushed by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := *settings
			s.AutoReconnect = reconnect
			client, err := transport.NewClient(s)
			if err != nil {
				return err
			}
			defer client.Close()

			events := client.Events()
			events.Subscribe(transport.EventBroadcastMessage, func(e transport.Event) {
				be := e.(*transport.BroadcastEvent)
				fmt.Printf("[%s] broadcast tag=%s\n", be.When.Format(time.RFC3339), be.Header.Tag())
				printBody(be.Data)
			})
			events.Subscribe(transport.EventStreamMessage, func(e transport.Event) {
				se := e.(*transport.StreamEvent)
				n, _ := io.Copy(io.Discard, se.Stream)
				fmt.Printf("[%s] stream tag=%s bytes=%d\n", se.When.Format(time.RFC3339), se.Header.Tag(), n)
			})
			events.Subscribe(transport.EventDisconnected, func(e transport.Event) {
				ce := e.(*transport.ConnectionEvent)
				fmt.Printf("disconnected: %s\n", ce.Reason)
			})
			client.SetRequestHandler(func(req *transport.Request) *transport.Response {
				fmt.Printf("request tag=%s\n", req.Tag())
				return transport.Ok(nil)
			})

			if err := client.Connect(cmd.Context()); err != nil {
				return err
			}
			<-cmd.Context().Done()
			return client.Disconnect(true)
		},
	}
	cmd.Flags().DurationVar(&reconnect, "reconnect", 5*time.Second, "auto reconnect interval, 0 disables")
	return cmd
}

func printBody(data []byte) {
	switch {
	case len(data) == 0:
		fmt.Println("  <empty>")
	case utf8.Valid(data):
		fmt.Printf("  %s\n", data)
	default:
		fmt.Printf("  <%d bytes binary>\n", len(data))
	}
}
