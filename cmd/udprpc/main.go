// Package main provides the CLI entry point for the udprpc daemon and client.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mx623303468/udprpc/internal/client"
	"github.com/mx623303468/udprpc/internal/config"
	"github.com/mx623303468/udprpc/internal/crypto"
	"github.com/mx623303468/udprpc/internal/health"
	"github.com/mx623303468/udprpc/internal/logging"
	"github.com/mx623303468/udprpc/internal/metrics"
	"github.com/mx623303468/udprpc/internal/packet"
	"github.com/mx623303468/udprpc/internal/server"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udprpc",
		Short: "udprpc - pattern-routed RPC over UDP datagrams",
		Long: `udprpc routes JSON request envelopes over plain UDP datagrams:
clients send a pattern-addressed request, the server dispatches it to the
handler registered for the command and sends any produced values back.

UDP semantics are preserved deliberately: no delivery guarantee, no
ordering, no retries.`,
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(sealCmd())
	rootCmd.AddCommand(openCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the UDP router",
		Long:  "Start the UDP router with the specified configuration and the built-in udp:ping and udp:echo handlers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Daemon.LogLevel, cfg.Daemon.LogFormat)
			m := metrics.Default()

			registry := server.NewRegistry()
			registry.Register("udp:ping", func(ctx *server.Context, data any) (any, error) {
				return "pong", nil
			})
			registry.Register("udp:echo", func(ctx *server.Context, data any) (any, error) {
				return map[string]any{"data": data}, nil
			})

			router := server.New(server.Config{
				Family:          cfg.Server.Family,
				BindHost:        cfg.Server.BindHost,
				BindPort:        cfg.Server.BindPort,
				ReadBuffer:      cfg.Server.ReadBuffer,
				ErrorReplyRate:  cfg.Server.ErrorReplyRate,
				ErrorReplyBurst: cfg.Server.ErrorReplyBurst,
				Multicast: server.Multicast{
					Enabled:      cfg.Server.Multicast.Enabled,
					GroupAddress: cfg.Server.Multicast.GroupAddress,
				},
			}, registry, logger, m)

			if err := router.Listen(); err != nil {
				return fmt.Errorf("failed to start router: %w", err)
			}
			defer router.Close()

			fmt.Printf("Router listening on %s\n", router.LocalAddr())

			var healthServer *health.Server
			if cfg.Health.Enabled {
				healthServer = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}, &routerStats{router: router, registry: registry, multicast: cfg.Server.Multicast.Enabled})
				if err := healthServer.Start(); err != nil {
					return fmt.Errorf("failed to start health server: %w", err)
				}
				fmt.Printf("Health endpoints on %s\n", healthServer.Address())
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if healthServer != nil {
				healthServer.Stop()
			}
			router.Close()

			fmt.Println("Router stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// routerStats adapts a running router to the health server's provider.
type routerStats struct {
	router    *server.Router
	registry  *server.Registry
	multicast bool
}

func (r *routerStats) IsRunning() bool {
	return r.router.LocalAddr() != nil
}

func (r *routerStats) Stats() health.Stats {
	var addr string
	if a := r.router.LocalAddr(); a != nil {
		addr = a.String()
	}
	return health.Stats{
		LocalAddr: addr,
		Commands:  r.registry.Commands(),
		Multicast: r.multicast,
	}
}

func sendCmd() *cobra.Command {
	var (
		host    string
		port    int
		wait    time.Duration
		count   int
		sealKey string
	)

	cmd := &cobra.Command{
		Use:   "send <command> [json-data]",
		Short: "Send a request and print the response",
		Long: `Send a pattern-addressed request and print response values as JSON.
The data argument is parsed as JSON; a bare word is sent as a string.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := parseData(args)

			if sealKey != "" {
				sealed, err := sealWithMaster(sealKey, data)
				if err != nil {
					return err
				}
				data = sealed
			}

			dispatcher, err := client.New(client.Config{
				Family: "udp4",
				Host:   host,
				Port:   port,
			}, logging.NewLogger("warn", "text"), metrics.Default())
			if err != nil {
				return err
			}
			defer dispatcher.Close()

			ctx, cancelCtx := context.WithTimeout(cmd.Context(), wait)
			defer cancelCtx()

			responses, cancel, err := dispatcher.Request(ctx, packet.Pattern{Cmd: args[0]}, data)
			if err != nil {
				return err
			}
			defer cancel()

			received := 0
			for resp := range responses {
				if resp.Err != nil {
					return resp.Err
				}
				out, err := json.Marshal(resp.Data)
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				fmt.Fprintf(os.Stderr, "received %s\n", humanize.Bytes(uint64(len(out))))
				received++
				if count > 0 && received >= count {
					break
				}
			}

			if received == 0 {
				return fmt.Errorf("no response within %v", wait)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Destination host")
	cmd.Flags().IntVar(&port, "port", 41234, "Destination port")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for responses")
	cmd.Flags().IntVar(&count, "count", 1, "Stop after this many responses (0 = until wait expires)")
	cmd.Flags().StringVar(&sealKey, "seal", "", "Seal the payload with this base64 master secret before sending")

	return cmd
}

func notifyCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "notify <command> [json-data]",
		Short: "Send a fire-and-forget datagram",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := parseData(args)

			dispatcher, err := client.New(client.Config{
				Family: "udp4",
				Host:   host,
				Port:   port,
			}, logging.NewLogger("warn", "text"), metrics.Default())
			if err != nil {
				return err
			}
			defer dispatcher.Close()

			if err := dispatcher.Notify(packet.Pattern{Cmd: args[0]}, data); err != nil {
				return err
			}
			fmt.Printf("Sent %s to %s:%d\n", args[0], host, port)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Destination host")
	cmd.Flags().IntVar(&port, "port", 41234, "Destination port")

	return cmd
}

func keygenCmd() *cobra.Command {
	var master bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate envelope keys",
		Long:  "Generate base64-encoded 256-bit keys for the payload encryption envelope.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if master {
				key, err := crypto.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Println("crypto:")
				fmt.Printf("  master_secret: %s\n", encodeKey(key))
				return nil
			}

			enc, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			sig, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println("crypto:")
			fmt.Printf("  encryption_key: %s\n", encodeKey(enc))
			fmt.Printf("  signing_key: %s\n", encodeKey(sig))
			return nil
		},
	}

	cmd.Flags().BoolVar(&master, "master", false, "Generate a single master secret instead of two keys")

	return cmd
}

func sealCmd() *cobra.Command {
	var masterKey string

	cmd := &cobra.Command{
		Use:   "seal [json-payload]",
		Short: "Seal a payload into an encrypted envelope",
		Long:  "Seal a JSON payload (argument or stdin) into an authenticated encryption envelope.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args)
			if err != nil {
				return err
			}

			env, err := sealWithMaster(masterKey, payload)
			if err != nil {
				return err
			}

			out, err := json.Marshal(env)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&masterKey, "key", "", "Base64 master secret (required)")
	cmd.MarkFlagRequired("key")

	return cmd
}

func openCmd() *cobra.Command {
	var masterKey string

	cmd := &cobra.Command{
		Use:   "open [envelope-json]",
		Short: "Open an encrypted envelope",
		Long:  "Verify and decrypt an envelope (argument or stdin) and print the payload as JSON.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(args)
			if err != nil {
				return err
			}

			var env crypto.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("parse envelope: %w", err)
			}

			box, err := boxFromMaster(masterKey)
			if err != nil {
				return err
			}

			payload, err := box.Open(&env)
			if err != nil {
				return err
			}

			out, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&masterKey, "key", "", "Base64 master secret (required)")
	cmd.MarkFlagRequired("key")

	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "example",
		Short: "Print an example configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(exampleConfig)
			return nil
		},
	})
	return cmd
}

// parseData converts the optional data argument: JSON when it parses,
// otherwise the raw string. No argument means null data.
func parseData(args []string) any {
	if len(args) < 2 {
		return nil
	}
	var data any
	if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
		return args[1]
	}
	return data
}

// readPayload reads a JSON payload from the argument or stdin.
func readPayload(args []string) (any, error) {
	raw, err := readInput(args)
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return payload, nil
}

// readInput returns the first argument, or stdin when no argument is given.
func readInput(args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(args[0]), nil
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return raw, nil
}

// sealWithMaster seals a payload under keys derived from a master secret.
func sealWithMaster(masterKey string, payload any) (*crypto.Envelope, error) {
	box, err := boxFromMaster(masterKey)
	if err != nil {
		return nil, err
	}
	return box.Seal(payload)
}

func boxFromMaster(masterKey string) (*crypto.Box, error) {
	master, err := crypto.ParseKey(masterKey)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.DeriveKeys(master)
	if err != nil {
		return nil, err
	}
	return crypto.NewBox(keys)
}

func encodeKey(key [crypto.KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

const exampleConfig = `# udprpc configuration
daemon:
  log_level: info        # debug, info, warn, error
  log_format: text       # text, json

server:
  family: udp4           # udp4 or udp6
  bind_host: 0.0.0.0
  bind_port: 41234
  read_buffer: 262144
  error_reply_rate: 100  # error replies per second (0 = unlimited)
  error_reply_burst: 200
  multicast:
    enabled: false
    group_address: ""    # e.g. 239.255.0.1

client:
  family: udp4
  host: 127.0.0.1
  port: 41234
  multicast:
    enabled: false
    group_address: ""

# Optional payload envelope keys. Generate with: udprpc keygen
# Environment variables are expanded: ${UDPRPC_MASTER_SECRET}
crypto:
  encryption_key: ""
  signing_key: ""
  master_secret: ""

health:
  enabled: false
  address: ":8080"
`
