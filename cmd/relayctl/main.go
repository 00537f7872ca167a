package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/studiodesk/relay/internal/auth"
	"github.com/studiodesk/relay/internal/client"
	"github.com/studiodesk/relay/internal/presence"
	"github.com/studiodesk/relay/internal/protocol"
)

var (
	relayURL string
	token    string
)

func main() {
	root := &cobra.Command{
		Use:   "relayctl",
		Short: "poke a running relay server",
	}
	root.PersistentFlags().StringVar(&relayURL, "url", "ws://127.0.0.1:8480/ws", "relay websocket url")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("RELAY_TOKEN"), "bearer token")

	root.AddCommand(pingCmd(), aiCallCmd(), issueTokenCmd(), presenceCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect dials and waits until the client is live or failed.
func connect(ctx context.Context) (*client.Client, func(), error) {
	ready := make(chan client.State, 8)
	c := client.New(client.Options{
		URL:         relayURL,
		Token:       token,
		MaxAttempts: 3,
		OnStateChange: func(s client.State, err error) {
			// Never block the client's run loop on a slow reader.
			select {
			case ready <- s:
			default:
			}
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	for {
		select {
		case <-ctx.Done():
			cancel()
			return nil, nil, ctx.Err()
		case err := <-done:
			cancel()
			return nil, nil, fmt.Errorf("connect: %w", err)
		case s := <-ready:
			if s == client.StateConnected {
				stop := func() {
					cancel()
					<-done
				}
				return c, stop, nil
			}
		}
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "measure round-trip to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			c, stop, err := connect(ctx)
			if err != nil {
				return err
			}
			defer stop()

			start := time.Now()
			data, err := c.SendWithAck(ctx, protocol.KindPing, nil)
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			var pong protocol.Pong
			env := protocol.Envelope{Data: data}
			if err := env.Decode(&pong); err != nil {
				return fmt.Errorf("decode pong: %w", err)
			}
			fmt.Printf("pong in %s (server time %d)\n", time.Since(start).Round(time.Millisecond), pong.Timestamp)
			return nil
		},
	}
}

func aiCallCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "ai-call <prompt>",
		Short: "send an ai_call and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			c, stop, err := connect(ctx)
			if err != nil {
				return err
			}
			defer stop()

			data, err := c.SendWithAck(ctx, protocol.KindAICall, protocol.AICall{
				Model:  model,
				Prompt: args[0],
			})
			if err != nil {
				return fmt.Errorf("ai call: %w", err)
			}
			var resp protocol.AIResponse
			env := protocol.Envelope{Data: data}
			if err := env.Decode(&resp); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Printf("[%s] %s\n", resp.Model, resp.Result)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "default", "model name to request")
	return cmd
}

func issueTokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token <user-id>",
		Short: "mint a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("RELAY_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("--secret or RELAY_JWT_SECRET required")
			}
			raw, err := base64.StdEncoding.DecodeString(secret)
			if err != nil {
				return fmt.Errorf("secret must be base64: %w", err)
			}
			tok, err := auth.Issue(raw, args[0], ttl)
			if err != nil {
				return fmt.Errorf("issue: %w", err)
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "base64 jwt secret (defaults to RELAY_JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func presenceCmd() *cobra.Command {
	var (
		redisAddr string
		redisDB   int
	)
	cmd := &cobra.Command{
		Use:   "presence <user-id>",
		Short: "look up a user's presence record in redis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := presence.NewRedisStore(presence.RedisConfig{
				Addr: redisAddr,
				DB:   redisDB,
			})
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			rec, ok, err := store.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("lookup: %w", err)
			}
			if !ok {
				fmt.Printf("%s: offline\n", args[0])
				return nil
			}
			fmt.Printf("%s: online (conn %s, since %s)\n", args[0], rec.ConnID, rec.Timestamp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "127.0.0.1:6379", "redis address")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "redis database")
	return cmd
}
