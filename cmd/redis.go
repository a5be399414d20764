package cmd

import (
	"context"
	"fmt"
	"time"

	"DrumRoom/cache"

	"github.com/spf13/cobra"
)

var redisListRooms bool

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接是否成功并进行基本读写操作；--rooms 列出缓存的房间快照。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)
		if err := cache.ConnectRedis(cfg); err != nil {
			return err
		}
		defer cache.CloseRedis()

		if err := cache.TestRedis(); err != nil {
			return fmt.Errorf("Redis操作测试失败: %w", err)
		}
		fmt.Println("Redis连接和读写测试成功")

		if !redisListRooms {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rooms, err := cache.NewRoomCache().ListRooms(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\n缓存的房间: %d\n", len(rooms))
		for _, r := range rooms {
			fmt.Printf("  %s  bpm=%d measures=%d tracks=%d notes=%d saved=%s\n",
				r.RoomID, r.BPM, r.Measures, r.Tracks, r.NoteCount, r.SavedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
	redisCmd.Flags().BoolVar(&redisListRooms, "rooms", false, "列出缓存的房间快照")
}
