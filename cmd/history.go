package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"QFMBot/cache"
	"QFMBot/core/persistence"
	"QFMBot/db"
	"QFMBot/repository"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <guild>",
	Short: "查看服务器的断开记录和播放历史",
	Long:  `从 MySQL 读取断开/恢复审计记录，从 Redis 读取最近播放的曲目。`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		guildID := args[0]
		cfg := loadConfig()

		if err := db.ConnectGormDB(cfg); err != nil {
			log.Fatalf("无法连接到数据库: %v", err)
		}
		defer db.CloseGormDB()
		if err := cache.ConnectRedis(cfg); err != nil {
			log.Fatalf("无法连接到Redis: %v", err)
		}
		defer cache.CloseRedis()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store := persistence.NewAdapter(
			cache.NewPlayerStateCache(),
			repository.NewGormDisconnectRepository(db.GormDB),
			nil,
			cfg.Player.StateMaxAge,
		)

		records, err := store.History(ctx, guildID, historyLimit)
		if err != nil {
			log.Fatalf("读取断开记录失败: %v", err)
		}
		fmt.Printf("断开记录 (%d):\n", len(records))
		for _, r := range records {
			line := fmt.Sprintf("  %s  %-24s queue=%-4d playing=%-5t", r.CreatedAt.Format(time.RFC3339), r.Reason, r.QueueLength, r.WasPlaying)
			if r.CurrentTrack != nil {
				line += "  " + r.CurrentTrack.Title
			}
			if r.RetryAttempts > 0 {
				line += fmt.Sprintf("  attempts=%d", r.RetryAttempts)
			}
			if r.ErrorMessage != "" {
				line += "  error=" + r.ErrorMessage
			}
			fmt.Println(line)
		}

		tracks, err := store.PreviousTracks(ctx, guildID, historyLimit)
		if err != nil {
			log.Fatalf("读取播放历史失败: %v", err)
		}
		fmt.Printf("\n最近播放 (%d):\n", len(tracks))
		for _, t := range tracks {
			fmt.Printf("  %s  %s - %s\n", t.PlayedAt.Format(time.RFC3339), t.Author, t.Title)
		}
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of entries to show")
	rootCmd.AddCommand(historyCmd)
}
