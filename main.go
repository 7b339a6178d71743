package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/codexlocal/go-codexshim/internal/auth"
	"github.com/codexlocal/go-codexshim/internal/config"
	"github.com/codexlocal/go-codexshim/internal/dispatch"
	"github.com/codexlocal/go-codexshim/internal/limits"
	"github.com/codexlocal/go-codexshim/internal/normalize"
	"github.com/codexlocal/go-codexshim/internal/oauth"
	"github.com/codexlocal/go-codexshim/internal/relay"
	"github.com/codexlocal/go-codexshim/internal/server"
	"github.com/codexlocal/go-codexshim/internal/state"
	"github.com/codexlocal/go-codexshim/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: codexshim <command> [flags]")
		fmt.Fprintln(os.Stderr, "Commands: login, serve, info")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "login":
		os.Exit(cmdLogin())
	case "serve":
		os.Exit(cmdServe())
	case "info":
		os.Exit(cmdInfo())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Commands: login, serve, info")
		os.Exit(1)
	}
}

func cmdLogin() int {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	noBrowser := fs.Bool("no-browser", false, "Do not open the browser automatically")
	fs.Parse(os.Args[2:])

	if config.ClientID() == "" {
		log.Error().Msg("no OAuth client id configured; set CODEXSHIM_CLIENT_ID")
		return 1
	}

	bindHost := os.Getenv("CODEXSHIM_LOGIN_BIND")
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}

	srv, err := oauth.NewServer(bindHost, auth.FileStore{})
	if err != nil {
		log.Error().Err(err).Msg("failed to start login server")
		return 1
	}

	authURL := srv.AuthURL()
	log.Info().Str("url", oauth.URLBase).Msg("starting local login server")

	if !*noBrowser {
		openBrowser(authURL)
	}
	fmt.Fprintf(os.Stderr, "If your browser did not open, navigate to:\n%s\n", authURL)

	go stdinPasteWorker(srv)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nKeyboard interrupt received, exiting.")
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("login server error")
	}
	return srv.ExitCode
}

// stdinPasteWorker lets the user paste the redirect URL by hand when the
// browser cannot reach this machine.
func stdinPasteWorker(srv *oauth.Server) {
	fmt.Fprintln(os.Stderr, "If the browser can't reach this machine, paste the full redirect URL here and press Enter:")
	var line string
	fmt.Scanln(&line)
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	parsed, err := url.Parse(line)
	if err != nil {
		log.Error().Err(err).Msg("failed to parse pasted URL")
		return
	}
	code := parsed.Query().Get("code")
	if code == "" {
		log.Error().Msg("input did not contain an auth code")
		return
	}
	if _, err := srv.ExchangeCode(context.Background(), code); err != nil {
		log.Error().Err(err).Msg("failed to process pasted redirect URL")
		return
	}
	srv.ExitCode = 0
	log.Info().Msg("login successful; credentials saved")
	srv.Shutdown()
}

func cmdServe() int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg := config.FromEnv()

	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging")
	fs.StringVar(&cfg.ToolPrefix, "tool-prefix", cfg.ToolPrefix, "Prefix added to outbound tool names (empty disables)")
	fs.BoolVar(&cfg.StripCacheKey, "strip-cache-key", cfg.StripCacheKey, "Remove prompt_cache_key from outbound payloads")
	fs.Parse(os.Args[2:])

	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	tracker, err := telemetry.New(cfg.Verbose, cfg.TelemetryPath)
	if err != nil {
		log.Error().Err(err).Msg("unable to open telemetry sink")
		return 1
	}

	states := state.NewMap(cfg.StateTTL, cfg.StateCapacity)
	recorder := limits.NewRecorder()
	creds := auth.NewManager(auth.FileStore{}, config.ClientID(), config.TokenURL())

	transport := &dispatch.Interceptor{
		Next: &relay.Transport{
			Creds:         creds,
			PathSuffix:    config.ResponsesPathSuffix,
			ToolPrefix:    cfg.ToolPrefix,
			UserAgent:     config.UserAgent,
			Originator:    config.Originator,
			RetryMax:      cfg.RetryMax,
			RetryBaseWait: cfg.RetryBaseWait,
			RetryMaxWait:  cfg.RetryMaxWait,
			Limits:        recorder,
			Telemetry:     tracker,
		},
		States:       states,
		Instructions: normalize.NewInstructionsCache(),
		Options: normalize.Options{
			TargetModelPrefix:    config.TargetModelPrefix,
			FallbackInstructions: cfg.FallbackInstructions,
			StripCacheKey:        cfg.StripCacheKey,
		},
		PathSuffix: config.ResponsesPathSuffix,
		Telemetry:  tracker,
	}

	srv := server.New(cfg, transport, states.Close, tracker.Close)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Info().Str("addr", srv.Addr()).Msg("codexshim starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server error")
		return 1
	}
	return 0
}

func cmdInfo() int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Output raw auth.json contents")
	fs.Parse(os.Args[2:])

	cf, err := auth.FileStore{}.Load()
	if *jsonOut {
		if err != nil {
			fmt.Println("{}")
		} else {
			data, _ := json.MarshalIndent(cf, "", "  ")
			fmt.Println(string(data))
		}
		return 0
	}

	fmt.Println("Account")
	switch {
	case err != nil:
		fmt.Println("  - Not signed in")
		fmt.Println("  - Run: codexshim login")
	case cf.Credential.Kind == auth.KindAPIKey:
		fmt.Println("  - Signed in with a static API key")
	default:
		claims, _ := auth.ParseJWTClaims(cf.Credential.IDToken)
		email := claimString(claims, "email")
		if email == "" {
			email = claimString(claims, "preferred_username")
		}
		if email == "" {
			email = "<unknown>"
		}
		fmt.Println("  - Signed in with OAuth tokens")
		fmt.Printf("  - Login: %s\n", email)
		if cf.Credential.AccountID != "" {
			fmt.Printf("  - Account ID: %s\n", cf.Credential.AccountID)
		}
		if exp, ok := auth.TokenExpiry(cf.Credential.AccessToken); ok {
			fmt.Printf("  - Access token expires: %s\n", exp.Local().Format("Jan 02, 2006 15:04 MST"))
		}
	}
	fmt.Println()
	printUsageLimits()
	return 0
}

func printUsageLimits() {
	fmt.Println("Usage limits")

	snap := limits.NewRecorder().Latest()
	if snap == nil {
		fmt.Println("  No usage data available yet. Send a request through the shim first.")
		return
	}

	fmt.Printf("  Last updated: %s\n", snap.CapturedAt.Local().Format("Jan 02, 2006 15:04 MST"))
	printWindow("5 hour limit", snap.Primary)
	printWindow("Weekly limit", snap.Secondary)
}

func printWindow(desc string, w *limits.Window) {
	if w == nil {
		return
	}
	line := fmt.Sprintf("  %s: %.1f%% used", desc, w.UsedPercent)
	if w.ResetsInSeconds != nil {
		line += fmt.Sprintf(", resets in %s", formatResetDuration(*w.ResetsInSeconds))
	}
	fmt.Println(line)
}

func formatResetDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	days := seconds / 86400
	seconds %= 86400
	hours := seconds / 3600
	seconds %= 3600
	minutes := seconds / 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if len(parts) == 0 {
		return "under 1m"
	}
	return strings.Join(parts, " ")
}

func claimString(claims map[string]any, key string) string {
	if claims == nil {
		return ""
	}
	v, _ := claims[key].(string)
	return v
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return
	}
	if err := cmd.Start(); err != nil {
		log.Warn().Err(err).Msg("failed to open browser")
	}
}
