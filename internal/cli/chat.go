package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/johndosdos/rentchat/internal/chat"
	"github.com/johndosdos/rentchat/internal/model"
)

var errQuit = errors.New("quit")

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().String("with", "", "start or resume the conversation with this user instead of naming one")
	chatCmd.Flags().String("listing", "", "listing id to attach when starting a conversation with --with")
	chatCmd.Flags().Bool("refresh-on-reconnect", true, "reload the newest page after the push stream comes back")
}

var chatCmd = &cobra.Command{
	Use:   "chat [conversation-id]",
	Short: "Open a conversation and chat interactively",
	Long: `Open a conversation, print its newest messages and follow it live.

Every line you type is sent as a message. Lines starting with a slash are
commands:
  /read     mark the whole conversation read
  /older    load the next older page
  /quit     leave`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.stopMetrics()

	refresh, _ := cmd.Flags().GetBool("refresh-on-reconnect")
	sess, err := e.session(chat.Options{RefreshOnReconnect: refresh})
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.logger.Debug("closing session", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	convID, err := resolveConversation(ctx, cmd, sess, args)
	if err != nil {
		return err
	}

	if err := sess.Connect(ctx); err != nil {
		if errors.Is(err, model.ErrAuth) {
			return err
		}
		e.logger.Warn("push stream unavailable; messages will go over the API", "error", err)
	}

	msgs, err := sess.Open(ctx, convID)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "-- %s (%d messages) --\n", convID, len(msgs))
	for _, m := range sess.Snapshot(convID) {
		printMessage(e.out, m)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Run redials when the first connect failed. Once it gives up, the
	// API stays the send path and the prompt keeps going.
	g.Go(func() error {
		err := sess.Run(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, model.ErrAuth):
			return err
		}
		e.logger.Warn("push stream gone; messages will go over the API", "error", err)
		return nil
	})

	sub := sess.Subscribe(ctx, convID)
	g.Go(func() error {
		follow(e.out, sess, sub)
		return nil
	})

	lines := readLines(cmd.InOrStdin())
	g.Go(func() error {
		defer sub.Close()
		return prompt(ctx, e, sess, convID, lines)
	})

	err = g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func resolveConversation(ctx context.Context, cmd *cobra.Command, sess *chat.Session, args []string) (string, error) {
	with, _ := cmd.Flags().GetString("with")
	switch {
	case with != "" && len(args) > 0:
		return "", errors.New("name a conversation or use --with, not both")
	case len(args) > 0:
		return args[0], nil
	case with == "":
		return "", errors.New("a conversation id or --with is required")
	}

	var related json.RawMessage
	if listing, _ := cmd.Flags().GetString("listing"); listing != "" {
		p, err := json.Marshal(map[string]string{"listingId": listing})
		if err != nil {
			return "", err
		}
		related = p
	}

	conv, err := sess.StartConversation(ctx, with, related)
	if err != nil {
		return "", fmt.Errorf("starting conversation with %s: %w", with, err)
	}
	return conv.ID, nil
}

// follow prints store changes until the subscription ends.
func follow(w io.Writer, sess *chat.Session, sub *chat.Subscription) {
	for u := range sub.Updates() {
		switch u.Kind {
		case chat.UpdateMessage:
			if u.Message.SenderID != sess.UserID() {
				printMessage(w, u.Message)
			}
		case chat.UpdatePromoted:
			fmt.Fprintf(w, "   delivered: %s\n", u.Message.Preview())
		case chat.UpdateStatus:
			if u.Message.SenderID == sess.UserID() && u.Message.Status == model.StatusRead {
				fmt.Fprintf(w, "   seen: %s\n", u.Message.Preview())
			}
		case chat.UpdateFailed:
			fmt.Fprintf(w, "   not delivered (%v): %s\n", u.Err, u.Message.Preview())
		case chat.UpdateTyping:
			if len(u.Typing) > 0 {
				fmt.Fprintf(w, "   %s typing...\n", strings.Join(u.Typing, ", "))
			}
		}
	}
}

func prompt(ctx context.Context, e *env, sess *chat.Session, convID string, lines <-chan string) error {
	page := 1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(line)

			switch line {
			case "":
				continue
			case "/quit":
				return errQuit
			case "/read":
				sess.MarkConversationRead(ctx, convID)
				continue
			case "/older":
				page++
				msgs, err := sess.LoadOlder(ctx, convID, page)
				if err != nil {
					e.logger.Warn("could not load older messages", "page", page, "error", err)
					page--
					continue
				}
				for _, m := range msgs {
					printMessage(e.out, m)
				}
				continue
			}

			sess.NotifyActivity(ctx, convID)
			if _, err := sess.Send(ctx, chat.SendRequest{ConversationID: convID, Content: line}); err != nil {
				e.logger.Warn("message not sent", "error", err)
			}
		}
	}
}

// readLines feeds stdin into a channel so the prompt can also watch ctx.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
