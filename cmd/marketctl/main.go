// Command marketctl is the operator-side companion to marketd. It signs
// instructions with the configured wallet key and appends them to the
// intake stream, and can encrypt a private key for at-rest storage.
//
// Usage:
//
//	marketctl send -config config.toml -kind buy -nonce 3 -payload '{"market_id":"...","outcome":0,"shares":50}'
//	marketctl encrypt-key -config config.toml -out key.enc.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alanyoungcy/marketd/internal/cache/redis"
	"github.com/alanyoungcy/marketd/internal/config"
	"github.com/alanyoungcy/marketd/internal/crypto"
	"github.com/alanyoungcy/marketd/internal/domain"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: marketctl <send|encrypt-key> [flags]")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(os.Args[2:], logger)
	case "encrypt-key":
		err = runEncryptKey(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q", os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "marketctl: %v\n", err)
		os.Exit(1)
	}
}

func runSend(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	kind := fs.String("kind", "", "instruction kind (transfer, trade, add_liquidity, remove_liquidity, launch, resolve, redeem)")
	payload := fs.String("payload", "{}", "instruction payload as JSON")
	nonce := fs.Uint64("nonce", 0, "sender nonce (must be exactly last accepted + 1)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kind == "" {
		return fmt.Errorf("send: -kind is required")
	}
	if !json.Valid([]byte(*payload)) {
		return fmt.Errorf("send: -payload is not valid JSON")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("send: load config: %w", err)
	}

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	signer, err := crypto.NewSigner(key, cfg.Engine.ChainID)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	in, err := signer.SignInstruction(domain.Instruction{
		Nonce:     *nonce,
		Timestamp: time.Now().Unix(),
		Kind:      domain.InstructionKind(*kind),
		Payload:   json.RawMessage(*payload),
	})
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("send: marshal instruction: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fmt.Errorf("send: redis: %w", err)
	}
	defer client.Close()

	bus := redis.NewEventBus(client)
	if err := bus.StreamAppend(ctx, cfg.Engine.IntakeStream, raw); err != nil {
		return fmt.Errorf("send: append to %s: %w", cfg.Engine.IntakeStream, err)
	}

	logger.Info("instruction submitted",
		slog.String("sender", in.Sender),
		slog.String("kind", string(in.Kind)),
		slog.Uint64("nonce", in.Nonce),
		slog.String("stream", cfg.Engine.IntakeStream),
	)
	return nil
}

func runEncryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	out := fs.String("out", "key.enc.json", "output path for the encrypted key file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("encrypt-key: load config: %w", err)
	}
	if cfg.Wallet.PrivateKey == "" {
		return fmt.Errorf("encrypt-key: wallet private_key (or MARKETD_WALLET_PRIVATE_KEY) must be set")
	}
	if cfg.Wallet.KeyPassword == "" {
		return fmt.Errorf("encrypt-key: wallet key_password (or MARKETD_WALLET_KEY_PASSWORD) must be set")
	}

	blob, err := crypto.EncryptKey(cfg.Wallet.PrivateKey, cfg.Wallet.KeyPassword)
	if err != nil {
		return fmt.Errorf("encrypt-key: %w", err)
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return fmt.Errorf("encrypt-key: write %s: %w", *out, err)
	}

	fmt.Printf("encrypted key written to %s\n", *out)
	return nil
}
