package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"QFMBot/storage"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot [guild]",
	Short: "列出归档的播放器快照",
	Long:  `列出 MinIO 存储桶中归档的会话快照，可按服务器过滤。`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始连接MinIO服务器...")

		cfg := loadConfig()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		archive, err := storage.NewSnapshotArchive(ctx, cfg)
		if err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}

		guildID := ""
		if len(args) == 1 {
			guildID = args[0]
		}
		objects, err := archive.List(ctx, guildID)
		if err != nil {
			log.Fatalf("列出快照失败: %v", err)
		}

		fmt.Printf("\n快照 (%d):\n", len(objects))
		for _, o := range objects {
			fmt.Println("  " + o.Describe())
		}
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}
