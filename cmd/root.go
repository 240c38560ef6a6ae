package cmd

import (
	"fmt"
	"os"

	"QFMBot/config"
	"QFMBot/logger"

	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "qfmbot",
	Short: "QFMBot is a Discord music bot backed by Lavalink.",
	Long: `QFMBot 在 Discord 语音频道中播放音乐，播放状态持久化到 Redis，
进程重启后自动恢复各服务器的播放队列。不带子命令时等同于 serve。`,
	Run: func(cmd *cobra.Command, args []string) {
		serveCmd.Run(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "env file to load and watch for log level changes")
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the environment and initializes the logger from it.
func loadConfig() *config.Config {
	cfg := config.Load(envFile)
	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	})
	return cfg
}
