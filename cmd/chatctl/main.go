package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbeoliero/kit/log"

	"github.com/openrides/chatsync/cache"
	"github.com/openrides/chatsync/chat"
	"github.com/openrides/chatsync/engine"
	"github.com/openrides/chatsync/history"
	"github.com/openrides/chatsync/internal/config"
	"github.com/openrides/chatsync/live"
)

func main() {
	var (
		configPath = flag.String("config", "config/config.yaml", "config file path")
		userId     = flag.String("user", "", "local user id")
		peerId     = flag.String("peer", "", "peer user id")
	)
	flag.Parse()

	if *userId == "" || *peerId == "" {
		fmt.Fprintln(os.Stderr, "usage: chatctl -user <id> -peer <id> [-config path]")
		os.Exit(2)
	}

	ctx := context.TODO()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.CtxError(ctx, "failed to load config: %v", err)
		panic(err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.CtxError(ctx, "failed to open cache: %v", err)
		panic(err)
	}
	if store != nil {
		defer store.Close()
	}

	fetcher, err := history.NewFetcher(cfg.API.BaseURL, history.WithToken(cfg.API.Token))
	if err != nil {
		log.CtxError(ctx, "failed to create history fetcher: %v", err)
		panic(err)
	}

	channel, err := live.Dial(ctx, cfg.Live.URL)
	if err != nil {
		log.CtxError(ctx, "failed to connect live channel: %v", err)
		panic(err)
	}
	defer channel.Close()

	eng, err := engine.New(*userId, *peerId, fetcher, channel, store,
		engine.WithOnUpdate(printSnapshot))
	if err != nil {
		log.CtxError(ctx, "failed to create engine: %v", err)
		panic(err)
	}

	log.CtxInfo(ctx, "opening conversation: conversation_id=%s", eng.ConversationId())

	go func() {
		if err := eng.Open(ctx); err != nil {
			log.CtxError(ctx, "open failed: %v", err)
		}
	}()

	// lines from stdin become outgoing messages
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			body := scanner.Text()
			if body == "" {
				continue
			}
			if _, err := eng.Send(ctx, body); err != nil {
				log.CtxWarn(ctx, "send rejected: %v", err)
			}
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.CtxInfo(ctx, "closing conversation...")
	if err := eng.Close(ctx); err != nil {
		log.CtxError(ctx, "close error: %v", err)
	}
}

// openStore picks the cache backend from config. "none" runs history-only.
func openStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "pebble":
		return cache.OpenPebble(cfg.Cache.Path)
	case "redis":
		r := cfg.Cache.Redis
		return cache.NewRedisStore(ctx, r.Addr(), r.Password, r.DB, r.KeyPrefix)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
	}
}

func printSnapshot(snap engine.Snapshot) {
	if snap.Loading {
		return
	}
	switch snap.State {
	case engine.StateEmpty:
		fmt.Println("-- no messages yet --")
	case engine.StateUnavailable:
		fmt.Println("-- history temporarily unavailable --")
	}
	if n := len(snap.Messages); n > 0 {
		printMessage(snap.Messages[n-1])
	}
}

func printMessage(m chat.Message) {
	marker := ""
	switch m.Status {
	case chat.StatusPending:
		marker = " ..."
	case chat.StatusFailed:
		marker = " [failed]"
	}
	fmt.Printf("%s %s: %s%s\n", m.Timestamp.Format("15:04:05"), m.SenderId, m.Body, marker)
}
