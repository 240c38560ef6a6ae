package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"QFMBot/cache"
	"QFMBot/core/auth"
	"QFMBot/core/persistence"
	"QFMBot/core/recovery"

	"github.com/spf13/cobra"
)

const recoverTimeout = 2 * time.Minute

var (
	recoverAPI   string
	tokenSubject string
	tokenTTL     time.Duration
)

var recoverCmd = &cobra.Command{
	Use:   "recover [guild]",
	Short: "触发播放恢复",
	Long: `不带参数时列出 Redis 中等待恢复的服务器；
指定服务器时通过运行中机器人的管理 API 重新执行该服务器的恢复流程。`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		if len(args) == 0 {
			if err := cache.ConnectRedis(cfg); err != nil {
				log.Fatalf("无法连接到Redis: %v", err)
			}
			defer cache.CloseRedis()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			states, err := persistence.NewAdapter(cache.NewPlayerStateCache(), nil, nil, cfg.Player.StateMaxAge).ListActive(ctx)
			if err != nil {
				log.Fatalf("读取播放器状态失败: %v", err)
			}
			fmt.Printf("等待恢复的服务器: %d\n", len(states))
			for _, s := range states {
				fmt.Printf("  %s (voice %s, saved %s)\n", s.GuildID, s.VoiceChannelID, s.LastUpdatedAt.Format(time.RFC3339))
			}
			return
		}

		if cfg.APISecret == "" {
			log.Fatal("API_SECRET 未设置，无法调用管理 API")
		}
		token, err := auth.GenerateToken([]byte(cfg.APISecret), tokenSubject, auth.RoleAdmin, 5*time.Minute)
		if err != nil {
			log.Fatalf("生成令牌失败: %v", err)
		}

		base := recoverAPI
		if base == "" {
			base = apiBase(cfg.HTTPAddr)
		}
		outcome, err := requestRecovery(base, token, args[0])
		if err != nil {
			log.Fatalf("恢复失败: %v", err)
		}
		fmt.Printf("%s: %s", outcome.GuildID, outcome.Status)
		if outcome.Reason != "" {
			fmt.Printf(" (%s)", outcome.Reason)
		}
		fmt.Printf(", tracks=%d, attempts=%d\n", outcome.Tracks, outcome.Attempts)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "生成管理 API 令牌",
	Long:  `使用 API_SECRET 签发一个 admin 角色的 JWT，用于调用 /api/recovery 和 DELETE /api/players。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.APISecret == "" {
			log.Fatal("API_SECRET 未设置")
		}
		token, err := auth.GenerateToken([]byte(cfg.APISecret), tokenSubject, auth.RoleAdmin, tokenTTL)
		if err != nil {
			log.Fatalf("生成令牌失败: %v", err)
		}
		fmt.Println(token)
	},
}

func init() {
	recoverCmd.Flags().StringVar(&recoverAPI, "api", "", "base URL of the running bot (defaults to HTTP_ADDR)")
	recoverCmd.Flags().StringVar(&tokenSubject, "as", "cli", "subject recorded in the audit log")
	tokenCmd.Flags().StringVar(&tokenSubject, "as", "cli", "token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(tokenCmd)
}

func apiBase(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

func requestRecovery(base, token, guildID string) (*recovery.Outcome, error) {
	ctx, cancel := context.WithTimeout(context.Background(), recoverTimeout)
	defer cancel()

	url := strings.TrimRight(base, "/") + "/api/recovery/" + guildID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out recovery.Outcome
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("解析响应失败: %w", err)
		}
		return &out, nil
	case http.StatusConflict:
		var out struct {
			Error   string           `json:"error"`
			Outcome recovery.Outcome `json:"outcome"`
		}
		if err := json.Unmarshal(body, &out); err == nil {
			return &out.Outcome, fmt.Errorf("%s", out.Error)
		}
	}
	return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
