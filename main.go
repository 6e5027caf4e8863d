package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"KelivoSync/db"
	"KelivoSync/engine"
	"KelivoSync/models"
)

var (
	dbPath  string
	dataDir string

	urlFlag      string
	userFlag     string
	passFlag     string
	pathFlag     string
	includeChats bool
	includeFiles bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kelivosync",
		Short: "Kelivo 的 WebDAV 备份与恢复工具",
		Long:  "把本地设置、供应商配置、聊天记录和上传文件打包为单个归档，\n同步到 WebDAV 云端，并支持按类别细粒度恢复。",
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "kelivo.db", "本地数据库路径")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "data", "本地数据目录（包含 upload、images、avatars）")
	rootCmd.PersistentFlags().StringVar(&urlFlag, "url", "", "WebDAV 基础地址（覆盖已保存配置）")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "WebDAV 用户名（覆盖已保存配置）")
	rootCmd.PersistentFlags().StringVar(&passFlag, "pass", "", "WebDAV 密码（覆盖已保存配置）")
	rootCmd.PersistentFlags().StringVar(&pathFlag, "path", "", "云端集合路径（覆盖已保存配置）")

	rootCmd.AddCommand(backupCmd(), listCmd(), restoreCmd(), deleteCmd(), watchCmd(), configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// openEnv 打开数据库、加载配置并构建同步引擎
func openEnv() (*db.DB, models.WebDavConfig, *engine.SyncEngine, error) {
	store, err := db.NewDB(dbPath)
	if err != nil {
		return nil, models.WebDavConfig{}, nil, err
	}
	cfg, err := models.Load(store.DB)
	if err != nil {
		cfg = models.DefaultConfig()
	}
	if urlFlag != "" {
		cfg.URL = urlFlag
	}
	if userFlag != "" {
		cfg.Username = userFlag
	}
	if passFlag != "" {
		cfg.Password = passFlag
	}
	if pathFlag != "" {
		cfg.Path = pathFlag
	}
	roots := models.FileRoots{
		Upload:  filepath.Join(dataDir, "upload"),
		Images:  filepath.Join(dataDir, "images"),
		Avatars: filepath.Join(dataDir, "avatars"),
	}
	eng := engine.NewSyncEngine(store, store, roots)
	return store, cfg, eng, nil
}

func backupCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "创建快照并上传到云端（或用 --out 导出到本地文件）",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, eng, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			applyBackupToggles(cmd, &cfg)
			if outFile != "" {
				return eng.BackupToFile(cfg, outFile)
			}
			name, err := eng.Backup(cfg)
			if err != nil {
				return err
			}
			fmt.Printf("备份完成：%s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&outFile, "out", "", "导出到本地文件而不上传")
	cmd.Flags().BoolVar(&includeChats, "chats", true, "包含聊天记录")
	cmd.Flags().BoolVar(&includeFiles, "files", true, "包含上传文件")
	return cmd
}

// applyBackupToggles 只在命令行显式传入时才覆盖已保存的导出开关
func applyBackupToggles(cmd *cobra.Command, cfg *models.WebDavConfig) {
	if cmd.Flags().Changed("chats") {
		cfg.IncludeChats = includeChats
	}
	if cmd.Flags().Changed("files") {
		cfg.IncludeFiles = includeFiles
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "列出云端全部备份",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, eng, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := eng.ListRemote(cfg)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("云端没有备份文件")
				return nil
			}
			for i, item := range items {
				ts := "未知时间"
				if item.LastModified != nil {
					ts = item.LastModified.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%3d  %-48s %10d  %s\n", i, item.Name, item.Size, ts)
			}
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	var (
		index    int
		fromFile string
		mode     string
		settings string
		provider string
		chats    string
		files    string
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "从云端或本地备份恢复，支持按类别选择动作",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := models.DefaultRestoreOptions()
			if mode != "" {
				opts = models.RestoreOptionsFromMode(mode)
			} else {
				opts.SettingsAction = models.RestoreAction(settings)
				opts.ProvidersAction = models.RestoreAction(provider)
				opts.ChatsAction = models.RestoreAction(chats)
				opts.FilesAction = models.RestoreAction(files)
			}
			for _, a := range []models.RestoreAction{opts.SettingsAction, opts.ProvidersAction, opts.ChatsAction, opts.FilesAction} {
				if !a.IsValid() {
					return fmt.Errorf("非法动作 %q，可选 ignore、merge、overwrite", a)
				}
			}

			store, cfg, eng, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			if fromFile != "" {
				if err := eng.RestoreFromFile(cfg, fromFile, opts); err != nil {
					return err
				}
				fmt.Println("恢复完成")
				return nil
			}

			items, err := eng.ListRemote(cfg)
			if err != nil {
				return err
			}
			if index < 0 || index >= len(items) {
				return fmt.Errorf("备份序号 %d 不存在，共 %d 个", index, len(items))
			}
			if err := eng.RestoreRemote(cfg, items[index], opts); err != nil {
				return err
			}
			fmt.Printf("已从 %s 恢复\n", items[index].Name)
			return nil
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "云端备份序号（list 命令的序号，0 为最新）")
	cmd.Flags().StringVar(&fromFile, "file", "", "从本地备份文件恢复")
	cmd.Flags().StringVar(&mode, "mode", "", "旧版模式：overwrite 或 merge（设置后忽略各类别动作）")
	cmd.Flags().StringVar(&settings, "settings", "merge", "设置类别动作：ignore、merge、overwrite")
	cmd.Flags().StringVar(&provider, "providers", "merge", "供应商类别动作：ignore、merge、overwrite")
	cmd.Flags().StringVar(&chats, "chats", "merge", "聊天类别动作：ignore、merge、overwrite")
	cmd.Flags().StringVar(&files, "files", "merge", "文件类别动作：ignore、merge、overwrite")
	return cmd
}

func deleteCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "删除云端备份",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, eng, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			items, err := eng.ListRemote(cfg)
			if err != nil {
				return err
			}
			if index < 0 || index >= len(items) {
				return fmt.Errorf("备份序号 %d 不存在，共 %d 个", index, len(items))
			}
			return eng.DeleteRemote(cfg, items[index])
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "云端备份序号（list 命令的序号）")
	return cmd
}

func watchCmd() *cobra.Command {
	var debounce int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "监控文件目录，变更后自动备份到云端",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, eng, err := openEnv()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				cancel()
			}()
			return eng.Watch(ctx, cfg, time.Duration(debounce)*time.Second)
		},
	}
	cmd.Flags().IntVar(&debounce, "debounce", 30, "变更静默多少秒后触发备份")
	return cmd
}

func configCmd() *cobra.Command {
	var (
		setURL  string
		setUser string
		setPass string
		setPath string
		chats   string
		files   string
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "查看或保存 WebDAV 配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.NewDB(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			cfg, err := models.Load(store.DB)
			if err != nil {
				cfg = models.DefaultConfig()
			}
			changed := false
			if setURL != "" {
				cfg.URL = setURL
				changed = true
			}
			if setUser != "" {
				cfg.Username = setUser
				changed = true
			}
			if setPass != "" {
				cfg.Password = setPass
				changed = true
			}
			if setPath != "" {
				cfg.Path = setPath
				changed = true
			}
			if chats != "" {
				cfg.IncludeChats = chats == "true"
				changed = true
			}
			if files != "" {
				cfg.IncludeFiles = files == "true"
				changed = true
			}
			if changed {
				if err := models.Save(store.DB, cfg); err != nil {
					return err
				}
				fmt.Println("配置已保存")
				return nil
			}
			fmt.Printf("URL:       %s\n", cfg.URL)
			fmt.Printf("用户名:    %s\n", cfg.Username)
			fmt.Printf("集合路径:  %s\n", cfg.NormalizedPath())
			fmt.Printf("备份聊天:  %v\n", cfg.IncludeChats)
			fmt.Printf("备份文件:  %v\n", cfg.IncludeFiles)
			return nil
		},
	}
	cmd.Flags().StringVar(&setURL, "set-url", "", "设置 WebDAV 基础地址")
	cmd.Flags().StringVar(&setUser, "set-user", "", "设置用户名")
	cmd.Flags().StringVar(&setPass, "set-pass", "", "设置密码")
	cmd.Flags().StringVar(&setPath, "set-path", "", "设置云端集合路径")
	cmd.Flags().StringVar(&chats, "set-chats", "", "是否备份聊天记录（true/false）")
	cmd.Flags().StringVar(&files, "set-files", "", "是否备份上传文件（true/false）")
	return cmd
}
