package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/Amr2/wanna-help/internal/domain"
	"github.com/Amr2/wanna-help/internal/service"
)

func tokenCmd() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed token for an identity (uses JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			token, err := service.NewAuthService(secret, ttl).Issue(domain.Identity{UserID: userID, Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "identity id")
	cmd.Flags().StringVar(&role, "role", "", "identity role (provider, seeker, ...)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <producer-key>",
		Short: "Print the bcrypt hash to register a producer in PRODUCER_KEYS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	var (
		topic    string
		payload  string
		producer string
		key      string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a domain event through POST /events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(payload)) {
				return errors.New("payload must be valid JSON")
			}
			client := newAPIClient(apiURL, timeout)
			client.headers["X-Producer-ID"] = producer
			client.headers["X-Producer-Key"] = key

			var out struct {
				EventID string `json:"eventId"`
			}
			body := map[string]any{"topic": topic, "payload": json.RawMessage(payload)}
			if err := client.do(cmd.Context(), "POST", "/events", body, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.EventID)
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "event topic, e.g. bid.created")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringVar(&producer, "producer", os.Getenv("FABRIC_PRODUCER_ID"), "producer id")
	cmd.Flags().StringVar(&key, "key", os.Getenv("FABRIC_PRODUCER_KEY"), "producer key")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func presenceCmd() *cobra.Command {
	var redisAddr string
	cmd := &cobra.Command{
		Use:   "presence <identity>...",
		Short: "Read presence records straight from Redis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if redisAddr == "" {
				return errors.New("presence lives in process memory unless REDIS_ADDR is set")
			}
			client := redis.NewClient(&redis.Options{
				Addr:     redisAddr,
				Password: os.Getenv("REDIS_PASSWORD"),
			})
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			store := service.NewRedisPresenceStore(client, 24*time.Hour)
			records := make([]domain.PresenceRecord, 0, len(args))
			for _, identity := range args {
				record, err := store.Get(ctx, identity)
				if err != nil {
					return fmt.Errorf("presence %s: %w", identity, err)
				}
				records = append(records, record)
			}
			return printJSON(cmd, records)
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis", os.Getenv("REDIS_ADDR"), "redis address")
	return cmd
}

func replayCmd() *cobra.Command {
	var (
		token string
		since int64
	)
	cmd := &cobra.Command{
		Use:   "replay <conversation-id>",
		Short: "List the messages of a conversation after a sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			client := newAPIClient(apiURL, timeout)
			client.headers["Authorization"] = "Bearer " + token

			path := "/conversations/" + url.PathEscape(args[0]) + "/messages?since=" + strconv.FormatInt(since, 10)
			var out json.RawMessage
			if err := client.do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&token, "token", os.Getenv("FABRIC_TOKEN"), "bearer token of a participant")
	cmd.Flags().Int64Var(&since, "since", 0, "sequence cursor, exclusive")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
