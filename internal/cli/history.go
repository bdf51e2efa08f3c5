package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/johndosdos/rentchat/internal/chat"
)

func init() {
	rootCmd.AddCommand(historyCmd, unreadCmd)

	historyCmd.Flags().IntP("pages", "p", 1, "number of pages to load, newest first")
}

var historyCmd = &cobra.Command{
	Use:   "history [conversation-id]",
	Short: "Print the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.stopMetrics()

		sess, err := e.session(chat.Options{})
		if err != nil {
			return err
		}
		defer sess.Close()

		convID := args[0]
		pages, _ := cmd.Flags().GetInt("pages")

		ctx := cmd.Context()
		if _, err := sess.Open(ctx, convID); err != nil {
			return err
		}
		for page := 2; page <= pages; page++ {
			msgs, err := sess.LoadOlder(ctx, convID, page)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				break
			}
		}

		msgs := sess.Snapshot(convID)
		for _, m := range msgs {
			printMessage(e.out, m)
		}
		fmt.Fprintf(e.out, "-- %s messages --\n", humanize.Comma(int64(len(msgs))))
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread [conversation-id]",
	Short: "Print how many messages are waiting for you",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.stopMetrics()

		sess, err := e.session(chat.Options{})
		if err != nil {
			return err
		}
		defer sess.Close()

		if len(args) == 1 {
			n, err := sess.ConversationUnreadCount(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "%s unread in %s\n", humanize.Comma(int64(n)), args[0])
			return nil
		}

		n, err := sess.UnreadCount(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "%s unread\n", humanize.Comma(int64(n)))
		return nil
	},
}
