package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"DrumRoom/core/protocol"
	"DrumRoom/core/recent"
	"DrumRoom/core/session"
	"DrumRoom/logger"

	"github.com/spf13/cobra"
)

var (
	sessionRoom     string
	sessionCreate   bool
	sessionRecreate bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run a headless client in a room",
	Long: `Connects to the server, creates or joins a room and logs every room
event until interrupted. The session reconnects and rejoins on its own.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionCreate == (sessionRoom != "") {
			return errors.New("pass exactly one of --create or --room")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := recent.Open(cfg.RecentRoomsPath)
		sess := session.New(session.Options{URL: cfg.ServerURL}, nil)
		defer sess.Close()

		sess.OnMessage(func(msg *protocol.Message) {
			logger.Info("room event",
				logger.String("type", string(msg.Type)),
				logger.Int("notes", sess.Mirror().State().NoteCount()),
				logger.Int("bpm", sess.Mirror().State().BPM))
		})
		sess.OnStatus(func(st session.Status) {
			logger.Info("session status",
				logger.String("state", string(st.State)),
				logger.String("phase", string(st.Phase)),
				logger.RoomID(st.RoomID),
				logger.ErrorField(st.Cause))
			if st.State != session.StateFailed || !errors.Is(st.Cause, session.ErrRoomNotFound) {
				return
			}
			if sessionRecreate {
				go recreate(ctx, sess, store)
			} else {
				logger.Warn("room is gone; rerun with --recreate to start a new room from the local pattern")
			}
		})

		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sess.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}

		var snap protocol.RoomState
		if sessionCreate {
			snap, err = sess.CreateRoom(ctx)
		} else {
			snap, err = sess.JoinRoom(ctx, sessionRoom)
		}
		if err != nil {
			return err
		}
		remember(store, snap.ID)
		fmt.Printf("in room %s with %d user(s), bpm %d\n", snap.ID, len(snap.Users), snap.BPM)

		<-ctx.Done()
		leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sess.LeaveRoom(leaveCtx); err != nil {
			logger.Warn("leave failed", logger.ErrorField(err))
		}
		return nil
	},
}

func recreate(ctx context.Context, sess *session.Manager, store *recent.Store) {
	snap, err := sess.RecreateRoom(ctx)
	if err != nil {
		logger.Error("failed to recreate room", logger.ErrorField(err))
		return
	}
	remember(store, snap.ID)
	fmt.Printf("recreated as room %s\n", snap.ID)
}

func remember(store *recent.Store, roomID string) {
	if err := store.Add(roomID); err != nil {
		logger.Warn("failed to record recent room", logger.ErrorField(err))
	}
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.Flags().StringVar(&sessionRoom, "room", "", "join this room id")
	sessionCmd.Flags().BoolVar(&sessionCreate, "create", false, "create a new room")
	sessionCmd.Flags().BoolVar(&sessionRecreate, "recreate", false, "when the room is gone after a reconnect, create a new one from the local pattern")
}
