package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"KelivoSync/archive"
	"KelivoSync/models"
	"KelivoSync/restore"
	"KelivoSync/snapshot"
	"KelivoSync/webdav"
)

// SyncEngine 编排备份与恢复的顶层操作。
// 引擎内部不加锁，调用方需保证同一远端同一时刻只有一个操作在执行
type SyncEngine struct {
	settings models.SettingsStore
	chats    models.ChatService
	roots    models.FileRoots
	logger   zerolog.Logger
}

// NewSyncEngine 创建同步引擎
func NewSyncEngine(settings models.SettingsStore, chats models.ChatService, roots models.FileRoots) *SyncEngine {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	return &SyncEngine{
		settings: settings,
		chats:    chats,
		roots:    roots,
		logger:   logger,
	}
}

// BackupName 生成备份文件名，时间戳为 ISO-8601，
// 时间部分的冒号替换为连字符
func BackupName(t time.Time) string {
	return fmt.Sprintf("kelivo_backup_%s.zip", t.Format("2006-01-02T15-04-05"))
}

// buildArchive 构建一次完整快照并打包
func (se *SyncEngine) buildArchive(cfg models.WebDavConfig) ([]byte, error) {
	builder := snapshot.NewBuilder(se.settings, se.chats, se.roots, se.logger)
	entries, err := builder.BuildEntries(cfg)
	if err != nil {
		return nil, err
	}
	return archive.Pack(entries)
}

// Backup 构建快照并上传到云端集合，返回备份文件名
func (se *SyncEngine) Backup(cfg models.WebDavConfig) (string, error) {
	data, err := se.buildArchive(cfg)
	if err != nil {
		return "", err
	}
	transport := webdav.NewTransport(cfg, se.logger)
	if err := transport.EnsureCollection(); err != nil {
		return "", err
	}
	name := BackupName(time.Now())
	if err := transport.Upload(data, name); err != nil {
		return "", err
	}
	return name, nil
}

// BackupToFile 构建快照并写入本地文件，不经过云端
func (se *SyncEngine) BackupToFile(cfg models.WebDavConfig, path string) error {
	data, err := se.buildArchive(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	se.logger.Info().Msgf("已导出备份到 %s（%d 字节）", path, len(data))
	return nil
}

// ListRemote 列出云端全部备份文件
func (se *SyncEngine) ListRemote(cfg models.WebDavConfig) ([]models.BackupFileItem, error) {
	transport := webdav.NewTransport(cfg, se.logger)
	return transport.List()
}

// RestoreRemote 下载云端备份并按选项恢复
func (se *SyncEngine) RestoreRemote(cfg models.WebDavConfig, item models.BackupFileItem, opts models.RestoreOptions) error {
	transport := webdav.NewTransport(cfg, se.logger)
	data, err := transport.Download(item)
	if err != nil {
		return err
	}
	restorer := restore.NewRestorer(se.settings, se.chats, se.roots, se.logger)
	return restorer.Apply(data, cfg, opts)
}

// RestoreFromFile 从本地备份文件恢复
func (se *SyncEngine) RestoreFromFile(cfg models.WebDavConfig, path string, opts models.RestoreOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	restorer := restore.NewRestorer(se.settings, se.chats, se.roots, se.logger)
	return restorer.Apply(data, cfg, opts)
}

// DeleteRemote 删除云端备份文件
func (se *SyncEngine) DeleteRemote(cfg models.WebDavConfig, item models.BackupFileItem) error {
	transport := webdav.NewTransport(cfg, se.logger)
	return transport.Delete(item)
}

// Watch 监控三个文件根目录，变更静默 debounce 时长后
// 自动执行一次完整备份，直到上下文取消
func (se *SyncEngine) Watch(ctx context.Context, cfg models.WebDavConfig, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		se.logger.Error().Err(err).Msg("启动文件监控失败")
		return err
	}
	defer watcher.Close()

	added := 0
	for _, tree := range se.roots.Trees() {
		if tree.Dir == "" {
			continue
		}
		if err := os.MkdirAll(tree.Dir, 0o755); err != nil {
			se.logger.Error().Err(err).Msgf("创建监控目录 %s 失败", tree.Dir)
			continue
		}
		if err := watcher.Add(tree.Dir); err != nil {
			se.logger.Error().Err(err).Msgf("添加监控目录 %s 失败", tree.Dir)
			continue
		}
		added++
	}
	if added == 0 {
		return fmt.Errorf("没有可监控的目录")
	}
	se.logger.Info().Msgf("文件监控已启动，共 %d 个目录", added)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			se.logger.Debug().Msgf("检测到变更：%s", event.Name)
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			se.logger.Error().Err(err).Msg("文件监控错误")
		case <-timer.C:
			name, err := se.Backup(cfg)
			if err != nil {
				se.logger.Error().Err(err).Msg("自动备份失败")
				continue
			}
			se.logger.Info().Msgf("自动备份完成：%s", name)
		}
	}
}
