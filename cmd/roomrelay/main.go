package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	intrnl "roomrelay/internal"
	"roomrelay/internal/app"
)

const (
	modeServer  = "server"
	modeClient  = "client"
	modeLocal   = "local"
	modeToken   = "token"
	modeVersion = "version"
)

func main() {
	mode, args := parseMode(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode {
	case modeVersion:
		fmt.Println("roomrelay", intrnl.Version)
	case modeToken:
		err = runTokenMode(ctx, args)
	default:
		err = runMode(ctx, mode, args)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "roomrelay: %v\n", err)
		os.Exit(1)
	}
}

func runMode(ctx context.Context, mode string, args []string) error {
	flagSet := flag.NewFlagSet("roomrelay "+mode, flag.ExitOnError)
	configPath := flagSet.String("config", os.Getenv("RELAY_CONFIG"), "YAML config file")
	addr := flagSet.String("addr", defaultAddrForMode(mode), "HTTP listen address")
	socketAddr := flagSet.String("socket-addr", "", "TCP JSON-lines listen address (empty disables)")
	db := flagSet.String("db", "", "sqlite database path for relay tokens")
	serverURL := flagSet.String("server-url", envOrDefault("RELAY_SERVER", "http://localhost:8080"), "relay server URL (client mode)")
	username := flagSet.String("user", envOrDefault("RELAY_USER", ""), "display name")
	downloads := flagSet.String("downloads", envOrDefault("RELAY_DOWNLOAD_DIR", ""), "where received files are saved")
	quiet := flagSet.Bool("quiet", false, "suppress informational output")
	_ = flagSet.Parse(args)

	roomKey := ""
	if remaining := flagSet.Args(); len(remaining) > 0 {
		roomKey = remaining[0]
	}

	clientCfg := app.ClientConfig{
		ServerURL:   *serverURL,
		Username:    *username,
		RoomKey:     roomKey,
		DownloadDir: *downloads,
	}
	if mode == modeClient {
		return app.RunClient(clientCfg)
	}

	serverCfg, err := app.LoadServerConfig(*configPath)
	if err != nil {
		return err
	}
	set := visited(flagSet)
	if set["addr"] || mode == modeLocal {
		serverCfg.HTTP.Addr = *addr
	}
	if set["socket-addr"] {
		serverCfg.Socket.Addr = *socketAddr
	}
	if set["db"] {
		serverCfg.DBPath = *db
	}

	infof := func(format string, args ...interface{}) {
		if *quiet {
			return
		}
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}

	if mode == modeLocal {
		return runLocalMode(ctx, serverCfg, clientCfg, infof)
	}
	return runServerMode(ctx, serverCfg)
}

func runServerMode(ctx context.Context, cfg app.ServerConfig) error {
	handle, err := app.RunServer(ctx, cfg)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, infof func(string, ...interface{})) error {
	// The TUI owns the terminal.
	serverCfg.LogOutput = io.Discard

	handle, err := app.RunServer(ctx, serverCfg)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	infof("Starting local relay on %s (db %s)", handle.Addr(), serverCfg.DBPath)
	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}

	clientCfg.ServerURL = "http://" + handle.Addr()
	infof("Launching client against %s", clientCfg.ServerURL)

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

// runTokenMode handles `token issue` (opaque, stored in sqlite), `token sign`
// (HS256 JWT with the configured secret), `token list` and `token revoke`.
func runTokenMode(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: roomrelay token issue|sign|list --subject NAME [--ttl 1h] | revoke --token TOKEN")
	}
	kind := strings.ToLower(args[0])
	flagSet := flag.NewFlagSet("roomrelay token "+kind, flag.ExitOnError)
	configPath := flagSet.String("config", os.Getenv("RELAY_CONFIG"), "YAML config file")
	db := flagSet.String("db", "", "sqlite database path")
	subject := flagSet.String("subject", "", "token subject, used as the relay subscriber id")
	ttl := flagSet.Duration("ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	revoke := flagSet.String("token", "", "opaque token to revoke")
	_ = flagSet.Parse(args[1:])

	if kind == "revoke" {
		if strings.TrimSpace(*revoke) == "" {
			return errors.New("--token is required")
		}
	} else if strings.TrimSpace(*subject) == "" {
		return errors.New("--subject is required")
	}
	cfg, err := app.LoadServerConfig(*configPath)
	if err != nil {
		return err
	}
	if *db != "" {
		cfg.DBPath = *db
	}

	switch kind {
	case "issue":
		token, expiresAt, err := app.IssueSessionToken(ctx, cfg, *subject, *ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	case "sign":
		token, err := app.SignToken(cfg, *subject, *ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	case "list":
		sessions, err := app.ListSessionTokens(ctx, cfg, *subject)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, sess := range sessions {
			state := "live"
			if sess.Expired(now) {
				state = "expired"
			}
			fmt.Printf("%s  %s  expires %s\n", sess.TokenHash[:12], state, sess.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	case "revoke":
		return app.RevokeSessionToken(ctx, cfg, strings.TrimSpace(*revoke))
	}
	return fmt.Errorf("unknown token command %q", kind)
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal, modeToken, modeVersion:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return ":8080"
}

func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
