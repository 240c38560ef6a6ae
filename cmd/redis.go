package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"QFMBot/cache"
	"QFMBot/core/persistence"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接是否成功，并列出当前可恢复的播放器状态。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始测试Redis连接...")

		cfg := loadConfig()
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			log.Fatalf("无法连接到Redis: %v", err)
		}
		defer func() {
			if err := cache.CloseRedis(); err != nil {
				log.Printf("关闭Redis连接时发生错误: %v", err)
			}
		}()
		fmt.Println("Redis连接成功！")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := persistence.NewAdapter(cache.NewPlayerStateCache(), nil, nil, cfg.Player.StateMaxAge)
		states, err := store.ListActive(ctx)
		if err != nil {
			log.Fatalf("读取播放器状态失败: %v", err)
		}

		fmt.Printf("\n活跃播放器: %d\n", len(states))
		for _, s := range states {
			title := "-"
			if s.CurrentTrack != nil {
				title = s.CurrentTrack.Title
			}
			queued := 0
			if q, err := store.LoadQueue(ctx, s.GuildID); err == nil && q != nil {
				queued = q.TotalTracks
			}
			fmt.Printf("  %-20s voice=%-20s playing=%-5t pos=%-8s queue=%-4d %s (%s)\n",
				s.GuildID, s.VoiceChannelID, s.Playing,
				(time.Duration(s.Position) * time.Millisecond).Truncate(time.Second),
				queued, title, s.LastUpdatedAt.Format(time.RFC3339))
		}
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
