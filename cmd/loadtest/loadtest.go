// Command loadtest drives several sessions against a chat backend at once
// and reports how many optimistic sends were confirmed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/johndosdos/rentchat/internal/chat"
	"github.com/johndosdos/rentchat/internal/config"
	"github.com/johndosdos/rentchat/internal/logger"
)

type result struct {
	sent      atomic.Int64
	promoted  atomic.Int64
	failed    atomic.Int64
	sendError atomic.Int64
}

func main() {
	var (
		configPath   = flag.String("config", "", "YAML config file")
		tokens       = flag.String("tokens", "", "comma-separated access tokens, one session each (default CHAT_TOKEN)")
		conversation = flag.String("conversation", "", "conversation every session writes to")
		messages     = flag.Int("messages", 20, "messages per session")
		interval     = flag.Duration("interval", 100*time.Millisecond, "pause between sends of one session")
		settle       = flag.Duration("settle", 5*time.Second, "how long to wait for confirmations after the last send")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(os.Stdout)

	if *conversation == "" {
		log.Fatal("-conversation is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	toks := []string{cfg.Token}
	if *tokens != "" {
		toks = strings.Split(*tokens, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res result
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i, tok := range toks {
		c := *cfg
		c.Token = strings.TrimSpace(tok)

		g.Go(func() error {
			return drive(ctx, &c, *conversation, *messages, *interval, *settle, &res)
		})
		log.Printf("session %d started", i+1)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("load test aborted: %v", err)
	}

	elapsed := time.Since(start)
	fmt.Printf("sessions:  %d\n", len(toks))
	fmt.Printf("sent:      %s\n", humanize.Comma(res.sent.Load()))
	fmt.Printf("confirmed: %s\n", humanize.Comma(res.promoted.Load()))
	fmt.Printf("failed:    %s\n", humanize.Comma(res.failed.Load()))
	fmt.Printf("errors:    %s\n", humanize.Comma(res.sendError.Load()))
	fmt.Printf("elapsed:   %s\n", elapsed.Round(time.Millisecond))
}

func drive(ctx context.Context, cfg *config.Config, convID string, n int, interval, settle time.Duration, res *result) error {
	sess, err := chat.NewSession(cfg, chat.Options{Logger: logger.New(cfg.LogLevel, os.Stderr)})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("%s: %w", sess.UserID(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return sess.Run(runCtx) })

	sub := sess.Subscribe(runCtx, convID)
	var outstanding atomic.Int64
	g.Go(func() error {
		for u := range sub.Updates() {
			switch u.Kind {
			case chat.UpdatePromoted:
				res.promoted.Add(1)
				outstanding.Add(-1)
			case chat.UpdateFailed:
				res.failed.Add(1)
				outstanding.Add(-1)
			}
		}
		return nil
	})

	if _, err := sess.Open(runCtx, convID); err != nil {
		return err
	}

	for i := range n {
		content := fmt.Sprintf("load test %s #%d", sess.UserID(), i+1)
		outstanding.Add(1)
		res.sent.Add(1)
		if _, err := sess.Send(runCtx, chat.SendRequest{ConversationID: convID, Content: content}); err != nil {
			res.sendError.Add(1)
		}

		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-time.After(interval):
		}
	}

	deadline := time.After(settle)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for outstanding.Load() > 0 {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-deadline:
			log.Printf("%s: %d sends still unconfirmed", sess.UserID(), outstanding.Load())
			cancel()
			return g.Wait()
		case <-tick.C:
		}
	}

	cancel()
	return g.Wait()
}
