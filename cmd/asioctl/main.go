package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astra-zhao/FISCO-BCOS/internal/config"
	"github.com/astra-zhao/FISCO-BCOS/internal/logging"
	"github.com/astra-zhao/FISCO-BCOS/internal/session"
	"github.com/astra-zhao/FISCO-BCOS/internal/transport"
	"github.com/astra-zhao/FISCO-BCOS/internal/trust"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "asioctl",
	Short: "Drive the async I/O facade from the command line.",
	Long: `asioctl runs the TCP backend of the async I/O facade.

serve accepts connections and echoes everything it reads.
dial connects to a peer, sends a message and prints the reply.

Settings come from flags, ASIO_* environment variables and --config.`,
	SilenceUsage: true,
}

// load resolves the configuration for cmd and builds its logger.
func load(cmd *cobra.Command) (*viper.Viper, *config.Config, *logging.Logger, error) {
	v := config.New()
	if err := config.Bind(v, cmd.Flags()); err != nil {
		return nil, nil, nil, err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, nil, nil, err
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	return v, cfg, logging.New(os.Stderr, level), nil
}

// ─── serve ───────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and echo what they send",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, cfg, log, err := load(cmd)
		if err != nil {
			return err
		}
		ep, _ := cfg.ListenEndpoint()
		tlsCfg, err := cfg.ServerTLS()
		if err != nil {
			return err
		}

		verify, store, err := cfg.Verifier(logging.Component(log, "trust"))
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}

		io := transport.NewTCP(
			transport.WithThreads(cfg.Threads),
			transport.WithTLSConfig(tlsCfg),
			transport.WithDialTimeout(cfg.DialTimeout),
			transport.WithTCPLogger(logging.Component(log, "transport")),
		)
		if err := io.Init(ep.Host, ep.Port); err != nil {
			return err
		}

		handler := func(s *session.Session) {
			go func() {
				<-s.Done()
				log.Info().
					Str("remote", s.Socket().RemoteEndpoint().String()).
					Str("in", humanize.Bytes(s.BytesIn())).
					Str("out", humanize.Bytes(s.BytesOut())).
					Log("session done")
			}()
			if tlsCfg == nil {
				session.Echo(s)
				return
			}
			if verify != nil {
				io.SetVerifyCallback(s.Socket(), verify)
			}
			io.Handshake(s.Socket(), transport.RoleServer, func(err error) {
				if err != nil {
					s.Close(err)
					return
				}
				session.Echo(s)
			})
		}

		srvLog := logging.Component(log, "server")
		srv := session.NewServer(io, srvLog, handler, sessionOptions(cfg)...)
		srv.Start()

		if watch, _ := cmd.Flags().GetBool("watch"); watch && v.ConfigFileUsed() != "" {
			config.Watch(v, srvLog, func(c *config.Config) {
				srv.SetOptions(sessionOptions(c)...)
			})
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			io.Stop()
		}()

		fmt.Printf("\n  Listening : %s\n", io.Acceptor().Endpoint())
		fmt.Printf("  Threads   : %d\n", cfg.Threads)
		fmt.Printf("  TLS       : %t\n", tlsCfg != nil)
		if store != nil {
			fmt.Printf("  Trust     : %s (%s)\n", cfg.TrustDB, cfg.TrustMode)
		}
		if cfg.IdleTimeout > 0 {
			fmt.Printf("  Idle      : %s\n", cfg.IdleTimeout)
		}
		fmt.Println()

		err = io.Run(cmd.Context())
		fmt.Printf("\nStopped after %d connections.\n", srv.Accepted())
		return err
	},
}

// sessionOptions builds the options for accepted sessions. They share one
// limiter, so write_rate caps the server as a whole.
func sessionOptions(cfg *config.Config) []session.Option {
	opts := []session.Option{session.WithIdleTimeout(cfg.IdleTimeout)}
	if lim, err := cfg.WriteLimiter(); err == nil {
		opts = append(opts, session.WithWriteLimiter(lim, nil))
	}
	return opts
}

// ─── dial ────────────────────────────────────────────────────────────────────

var dialCmd = &cobra.Command{
	Use:   "dial <message...>",
	Short: "Send a message to a peer and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, log, err := load(cmd)
		if err != nil {
			return err
		}
		peer, _ := cfg.PeerEndpoint()
		tlsCfg, err := cfg.ClientTLS()
		if err != nil {
			return err
		}
		count, _ := cmd.Flags().GetInt("count")
		if count < 1 {
			count = 1
		}
		msg := []byte(strings.Join(args, " "))
		want := len(msg) * count

		verify, store, err := cfg.Verifier(logging.Component(log, "trust"))
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}

		io := transport.NewTCP(
			transport.WithTLSConfig(tlsCfg),
			transport.WithDialTimeout(cfg.DialTimeout),
			transport.WithTCPLogger(logging.Component(log, "transport")),
		)
		runDone := make(chan error, 1)
		go func() { runDone <- io.Run(cmd.Context()) }()
		defer func() {
			io.Stop()
			<-runDone
		}()

		idle := cfg.IdleTimeout
		if idle <= 0 {
			idle = 5 * time.Second
		}
		lim, _ := cfg.WriteLimiter()

		var (
			reply []byte
			sess  *session.Session
		)
		result := make(chan error, 1)
		start := func(sock transport.Socket) {
			sess = session.New(io, sock,
				session.WithLogger(logging.Component(log, "session")),
				session.WithIdleTimeout(idle),
				session.WithWriteLimiter(lim, nil),
				session.WithOnClose(func(err error) { result <- err }),
			)
			sess.Start(func(b []byte) {
				reply = append(reply, b...)
				if len(reply) >= want {
					sess.Close(nil)
				}
			})
			for i := 0; i < count; i++ {
				sess.Send(msg) //nolint:errcheck
			}
		}

		sock := io.NewSocket(peer)
		began := time.Now()
		io.Connect(sock, peer, func(err error) {
			if err != nil {
				result <- err
				return
			}
			if tlsCfg == nil {
				start(sock)
				return
			}
			io.SetVerifyCallback(sock, func(preverified bool, vc *transport.VerifyContext) bool {
				log.Info().
					Bool("preverified", preverified).
					Str("fingerprint", hex.EncodeToString(vc.Fingerprint[:])).
					Log("peer certificate")
				if verify != nil {
					return verify(preverified, vc)
				}
				return preverified || cfg.Insecure
			})
			io.Handshake(sock, transport.RoleClient, func(err error) {
				if err != nil {
					result <- err
					return
				}
				start(sock)
			})
		})

		if err := <-result; err != nil {
			return fmt.Errorf("dial %s: %w", peer, err)
		}
		fmt.Printf("%s\n", reply)
		fmt.Fprintf(os.Stderr, "%s sent, %s received in %s\n",
			humanize.Bytes(sess.BytesOut()), humanize.Bytes(sess.BytesIn()),
			time.Since(began).Round(time.Millisecond))
		return nil
	},
}

// ─── config ──────────────────────────────────────────────────────────────────

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg, _, err := load(cmd)
		if err != nil {
			return err
		}
		return cfg.WriteYAML(os.Stdout)
	},
}

// ─── fingerprint ─────────────────────────────────────────────────────────────

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <cert.pem>",
	Short: "Print the certificate fingerprint shown to verify callbacks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		certs, err := trust.ReadCertificates(args[0])
		if err != nil {
			return err
		}
		for _, cert := range certs {
			fp := transport.Fingerprint(cert)
			fmt.Printf("%s  %s\n", hex.EncodeToString(fp[:]), cert.Subject)
		}
		return nil
	},
}

// ─── trust ───────────────────────────────────────────────────────────────────

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage pinned and revoked peer certificates",
}

// openTrust opens the database named by --trust-db.
func openTrust(cmd *cobra.Command) (*trust.Store, error) {
	_, cfg, _, err := load(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.TrustDB == "" {
		return nil, fmt.Errorf("--trust-db is required")
	}
	return trust.Open(cfg.TrustDB)
}

// fingerprintArg accepts a hex fingerprint or a PEM file holding one
// certificate.
func fingerprintArg(arg string) ([32]byte, string, error) {
	if fp, err := trust.ParseFingerprint(arg); err == nil {
		return fp, "", nil
	}
	certs, err := trust.ReadCertificates(arg)
	if err != nil {
		return [32]byte{}, "", err
	}
	return transport.Fingerprint(certs[0]), certs[0].Subject.String(), nil
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known peer",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openTrust(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		entries, err := store.All()
		if err != nil {
			return err
		}
		for _, e := range entries {
			seen := "never"
			if e.LastSeen != 0 {
				seen = humanize.Time(time.Unix(e.LastSeen, 0))
			}
			fmt.Printf("%-8s %s  %-16s %-24s seen %s\n", e.Status, e.Fingerprint, e.Name, e.Subject, seen)
		}
		fmt.Printf("\n%s peers\n", humanize.Comma(int64(len(entries))))
		return nil
	},
}

var trustPinCmd = &cobra.Command{
	Use:   "pin <fingerprint|cert.pem>",
	Short: "Trust a peer certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, subject, err := fingerprintArg(args[0])
		if err != nil {
			return err
		}
		name, _ := cmd.Flags().GetString("name")
		store, err := openTrust(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		e, err := store.Pin(fp, name, subject)
		if err != nil {
			return err
		}
		fmt.Printf("pinned %s %s\n", e.Fingerprint, e.Name)
		return nil
	},
}

var trustRevokeCmd = &cobra.Command{
	Use:   "revoke <fingerprint|cert.pem>",
	Short: "Refuse a peer certificate in every trust mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, _, err := fingerprintArg(args[0])
		if err != nil {
			return err
		}
		store, err := openTrust(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		e, err := store.Revoke(fp)
		if err != nil {
			return err
		}
		fmt.Printf("revoked %s\n", e.Fingerprint)
		return nil
	},
}

var trustRemoveCmd = &cobra.Command{
	Use:   "remove <fingerprint|cert.pem>",
	Short: "Forget a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fp, _, err := fingerprintArg(args[0])
		if err != nil {
			return err
		}
		store, err := openTrust(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Remove(fp)
	},
}

// ─── version ─────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("asioctl", version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (off, err, warning, info, debug, trace)")

	for _, cmd := range []*cobra.Command{serveCmd, dialCmd} {
		cmd.Flags().String("tls-cert", "", "PEM certificate")
		cmd.Flags().String("tls-key", "", "PEM private key")
		cmd.Flags().String("tls-ca", "", "PEM CA bundle used to verify the peer")
		cmd.Flags().Duration("idle-timeout", 0, "Close sessions idle for this long (0 = never)")
		cmd.Flags().Duration("dial-timeout", 10*time.Second, "Connect timeout")
		cmd.Flags().String("write-rate", "unlimited", "Write rate shared by all sessions, e.g. 64kb or low")
		cmd.Flags().String("trust-mode", "ca", "Peer certificate policy with --trust-db (ca, pin, tofu)")
	}
	for _, cmd := range []*cobra.Command{serveCmd, dialCmd, trustCmd} {
		cmd.PersistentFlags().String("trust-db", "", "Peer trust database (bbolt file)")
	}

	serveCmd.Flags().String("listen", "127.0.0.1:30300", "TCP listen address")
	serveCmd.Flags().Int("threads", 4, "Worker goroutines servicing completions")
	serveCmd.Flags().Bool("watch", false, "Reload session settings when the config file changes")

	dialCmd.Flags().String("peer", "127.0.0.1:30300", "Peer address (host:port)")
	dialCmd.Flags().Bool("tls", false, "Run a TLS handshake after connecting")
	dialCmd.Flags().Bool("insecure", false, "Accept any peer certificate")
	dialCmd.Flags().Int("count", 1, "Send the message this many times")

	trustPinCmd.Flags().String("name", "", "Label stored with the fingerprint")
	trustCmd.AddCommand(trustListCmd, trustPinCmd, trustRevokeCmd, trustRemoveCmd)

	rootCmd.AddCommand(serveCmd, dialCmd, configCmd, fingerprintCmd, trustCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
