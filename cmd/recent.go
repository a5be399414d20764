package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DrumRoom/core/recent"

	"github.com/spf13/cobra"
)

var (
	recentClear bool
	recentWatch bool
)

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List or clear recently joined rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := recent.Open(cfg.RecentRoomsPath)
		if recentClear {
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Println("recent rooms cleared")
			return nil
		}

		entries, err := store.List()
		if err != nil {
			return err
		}
		printRecent(entries)
		if !recentWatch {
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		err = store.Watch(ctx, func(entries []recent.Entry) {
			fmt.Println("--")
			printRecent(entries)
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func printRecent(entries []recent.Entry) {
	if len(entries) == 0 {
		fmt.Println("no recent rooms")
		return
	}
	for _, e := range entries {
		fmt.Printf("  %s  %s ago\n", e.RoomID, time.Since(e.LastJoined).Round(time.Minute))
	}
}

func init() {
	rootCmd.AddCommand(recentCmd)
	recentCmd.Flags().BoolVar(&recentClear, "clear", false, "forget all recent rooms")
	recentCmd.Flags().BoolVar(&recentWatch, "watch", false, "keep printing the list as other clients update it")
}
