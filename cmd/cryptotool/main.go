package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/arko-chat/e2ee"
	"github.com/arko-chat/e2ee/internal/config"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <info|expire|flush>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.CryptoDBPath, 0700); err != nil {
		slogger.Error("failed to create crypto db directory", "err", err)
		os.Exit(1)
	}

	store, err := e2ee.NewBadgerStore(cfg.CryptoDBPath, []byte(cfg.PickleKey))
	if err != nil {
		slogger.Error("failed to open crypto store", "path", cfg.CryptoDBPath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	switch flag.Arg(0) {
	case "info", "":
		account, err := store.GetAccount(ctx)
		if err != nil {
			slogger.Error("failed to load account", "err", err)
			os.Exit(1)
		}
		if account == nil {
			slogger.Info("store has no olm account")
			return
		}
		slogger.Info("olm account",
			"identity_key", account.IdentityKey,
			"signing_key", account.SigningKey,
			"shared", account.Shared,
		)
	case "expire":
		removed, err := store.RedactExpiredGroupSessions(ctx)
		if err != nil {
			slogger.Error("failed to redact expired sessions", "err", err)
			os.Exit(1)
		}
		slogger.Info("redacted expired megolm sessions", "count", len(removed))
		for _, sessionID := range removed {
			slogger.Debug("redacted session", "session_id", sessionID)
		}
	case "flush":
		if err := store.Flush(ctx); err != nil {
			slogger.Error("failed to flush store", "err", err)
			os.Exit(1)
		}
		slogger.Info("store flushed")
	default:
		flag.Usage()
		os.Exit(2)
	}
}
