// Command vibe-bot joins the vibe queue as a scripted partner. It answers
// media requests, completes the WebRTC handshake with a receive-only
// peer, ends the call after a while and submits a fixed decision. It is
// a development tool for exercising the server without a second browser.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"ginger/server/internal/logging"
	"ginger/server/internal/models"
	"ginger/server/internal/utils"
	"ginger/server/internal/vibe"
)

type options struct {
	server   string
	userID   string
	secret   string
	decision string
	talk     time.Duration
	loop     bool
	stun     []string
	logLevel string
}

func main() {
	_ = godotenv.Load()

	var opts options
	flags := pflag.NewFlagSet("vibe-bot", pflag.ExitOnError)
	flags.StringVar(&opts.server, "server", "ws://localhost:8080/api/v1/ws", "WebSocket endpoint of the vibe server")
	flags.StringVarP(&opts.userID, "user", "u", "vibe-bot", "user ID to authenticate as")
	flags.StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret (defaults to $JWT_SECRET)")
	flags.StringVarP(&opts.decision, "decision", "d", "yes", "decision to submit after each call (yes or no)")
	flags.DurationVar(&opts.talk, "talk", 35*time.Second, "how long to stay in a call before ending it")
	flags.BoolVar(&opts.loop, "loop", false, "search again after every outcome")
	flags.StringSliceVar(&opts.stun, "stun", nil, "STUN server URLs (defaults to the public Google servers)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flags.Parse(os.Args[1:])

	log := logging.New(opts.logLevel, "console")
	if err := run(opts); err != nil {
		log.Fatal().Err(err).Msg("vibe-bot failed")
	}
}

func run(opts options) error {
	if opts.secret == "" {
		return fmt.Errorf("--secret or JWT_SECRET is required")
	}
	decision := models.Decision(opts.decision)
	if !decision.Valid() {
		return fmt.Errorf("--decision must be yes or no, got %q", opts.decision)
	}

	token, err := utils.NewTokens(opts.secret).MintToken(opts.userID, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}
	endpoint, err := url.Parse(opts.server)
	if err != nil {
		return fmt.Errorf("invalid --server: %w", err)
	}
	q := endpoint.Query()
	q.Set("token", token)
	endpoint.RawQuery = q.Encode()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	b := newBot(conn, opts.userID, decision, opts.talk, opts.loop, vibe.ICEServers(opts.stun),
		logging.New(opts.logLevel, "console"))
	return b.run(ctx)
}
