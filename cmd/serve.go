package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"QFMBot/cache"
	"QFMBot/config"
	"QFMBot/core/coordinator"
	"QFMBot/core/discord"
	"QFMBot/core/lavalink"
	"QFMBot/core/persistence"
	"QFMBot/core/player"
	"QFMBot/core/recovery"
	"QFMBot/core/voice"
	"QFMBot/db"
	"QFMBot/logger"
	"QFMBot/repository"
	"QFMBot/server"
	"QFMBot/storage"

	"github.com/spf13/cobra"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second

	// Lavalink keeps players this long (seconds) while the bot restarts.
	resumeTimeout = 60
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动音乐机器人",
	Long:  `连接 Discord 网关和 Lavalink 节点，恢复上次运行时的播放状态，并启动状态 API。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		defer logger.Sync()

		if err := serve(cfg); err != nil {
			logger.Fatal("bot stopped with error", logger.ErrorField(err))
		}
		logger.Info("bot stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *config.Config) error {
	if cfg.DiscordToken == "" {
		return errors.New("DISCORD_TOKEN is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========== 存储 ==========
	if err := cache.ConnectRedis(cfg); err != nil {
		return err
	}
	defer cache.CloseRedis()

	if err := db.ConnectGormDB(cfg); err != nil {
		return err
	}
	defer db.CloseGormDB()
	if err := db.Migrate(); err != nil {
		return err
	}

	var archive persistence.Archive
	if cfg.MinioEnabled {
		a, err := storage.NewSnapshotArchive(ctx, cfg)
		if err != nil {
			// 归档是可选的，失败时继续运行
			logger.Warn("snapshot archive unavailable", logger.ErrorField(err))
		} else {
			archive = a
		}
	}

	store := persistence.NewAdapter(
		cache.NewPlayerStateCache(),
		repository.NewGormDisconnectRepository(db.GormDB),
		archive,
		cfg.Player.StateMaxAge,
	)

	// ========== Discord 与 Lavalink ==========
	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return err
	}
	bot := discord.NewBot(session)

	openCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := bot.Open(openCtx); err != nil {
		return err
	}
	defer bot.Close()

	node := lavalink.NewNode(lavalink.NodeConfig{
		Host:          cfg.LavalinkHost,
		Port:          cfg.LavalinkPort,
		Password:      cfg.LavalinkPassword,
		Secure:        cfg.LavalinkSecure,
		UserID:        bot.UserID(),
		ClientName:    cfg.LavalinkClient,
		ResumeTimeout: resumeTimeout,
	})
	backend := lavalink.NewBackend(node, bot)
	if err := node.Connect(openCtx); err != nil {
		return err
	}
	defer node.Close()

	// ========== 播放核心 ==========
	players := player.NewManager(backend)
	directory := discord.NewDirectory(session)
	feed := server.NewHub()
	go feed.Run()
	defer feed.Stop()
	notices := player.Fanout{discord.NewEmbedSink(session, 2*time.Second, 3), feed}

	coord := coordinator.New(players, store, notices, cfg.Player)
	coord.Attach()
	defer coord.Close()

	resilience := voice.NewAdapter(bot, store, cfg.Voice)
	coord.SetSocketHandler(resilience)
	defer resilience.ClearAll()

	var empty *voice.EmptyChannelWatcher
	if cfg.Player.LeaveOnEmpty {
		empty = voice.NewEmptyChannelWatcher(players, directory, notices, cfg.Player.LeaveOnEmptyDelay)
	}
	bot.Attach(players, backend, resilience, empty)

	orchestrator := recovery.New(players, store, directory, notices, cfg.Recovery)
	if cfg.Recovery.Enabled {
		go func() {
			if _, err := orchestrator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("recovery run failed", logger.ErrorField(err))
			}
		}()
	}

	// ========== API ==========
	api := server.New(players, store, orchestrator, []byte(cfg.APISecret))
	api.SetHub(feed)
	api.AddHealthCheck("redis", cache.PingRedis)
	api.AddHealthCheck("mysql", func(context.Context) error { return db.PingGormDB() })
	api.AddHealthCheck("lavalink", func(context.Context) error {
		if node.SessionID() == "" {
			return errors.New("no lavalink session")
		}
		return nil
	})

	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Start(cfg.HTTPAddr) }()

	if err := config.Watch(ctx, envFile, func(c *config.Config) {
		logger.SetLevel(logger.LogLevel(c.LogLevel))
	}); err != nil {
		logger.Warn("config hot reload disabled", logger.ErrorField(err))
	}

	logger.Info("bot is running", logger.String("user", bot.UserID()))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-apiErr:
		if err != nil {
			logger.Error("api server failed", logger.ErrorField(err))
		}
	}

	// 保存状态但保持 active，下次启动时恢复
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown failed", logger.ErrorField(err))
	}
	coord.SaveAll(shutdownCtx)
	return nil
}
