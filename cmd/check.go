package cmd

import (
	"context"
	"fmt"
	"time"

	"DrumRoom/core/recent"
	"DrumRoom/core/session"
	"DrumRoom/logger"

	"github.com/spf13/cobra"
)

var checkPrune bool

var checkCmd = &cobra.Command{
	Use:   "check [room-id...]",
	Short: "Check which rooms still exist",
	Long:  `Asks the server about the given room ids, or about the recent rooms when none are given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := recent.Open(cfg.RecentRoomsPath)
		ids := args
		if len(ids) == 0 {
			var err error
			if ids, err = store.IDs(); err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("no recent rooms")
				return nil
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		sess := session.New(session.Options{URL: cfg.ServerURL, HeartbeatInterval: -1}, nil)
		defer sess.Close()
		if err := sess.Connect(ctx); err != nil {
			return err
		}
		rooms, err := sess.CheckRooms(ctx, ids)
		if err != nil {
			return err
		}

		for _, r := range rooms {
			if r.Exists {
				fmt.Printf("  %s  open, %d user(s)\n", r.RoomID, r.UserCount)
				continue
			}
			fmt.Printf("  %s  gone\n", r.RoomID)
			if checkPrune {
				if err := store.Remove(r.RoomID); err != nil {
					logger.Warn("failed to prune recent room", logger.ErrorField(err), logger.RoomID(r.RoomID))
				}
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkPrune, "prune", false, "remove rooms that no longer exist from the recent list")
}
