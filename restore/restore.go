package restore

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"KelivoSync/archive"
	"KelivoSync/models"
)

// Restorer 按每个类别各自的动作把归档应用到本地状态
type Restorer struct {
	settings models.SettingsStore
	chats    models.ChatService
	roots    models.FileRoots
	logger   zerolog.Logger
}

// NewRestorer 创建恢复器
func NewRestorer(settings models.SettingsStore, chats models.ChatService, roots models.FileRoots, logger zerolog.Logger) *Restorer {
	return &Restorer{
		settings: settings,
		chats:    chats,
		roots:    roots,
		logger:   logger,
	}
}

// Apply 解包归档并执行恢复。四个类别均为覆盖时走旧版全量覆盖入口，
// 其余组合走细粒度路径
func (r *Restorer) Apply(data []byte, cfg models.WebDavConfig, opts models.RestoreOptions) error {
	if opts.IsFullOverwrite() {
		return r.applyFullOverwrite(data, cfg)
	}
	return r.applyGranular(data, cfg, opts)
}

// applyFullOverwrite 为旧版全量覆盖的薄适配层：
// 复用细粒度各阶段的覆盖分支，保证两条路径最终状态一致
func (r *Restorer) applyFullOverwrite(data []byte, cfg models.WebDavConfig) error {
	return r.applyGranular(data, cfg, models.RestoreOptionsFromMode("overwrite"))
}

// applyGranular 依次执行设置、聊天、文件三个阶段。
// 各阶段自行吞掉内部错误并继续，类别之间没有事务，
// 部分成功是预期的失败形态
func (r *Restorer) applyGranular(data []byte, cfg models.WebDavConfig, opts models.RestoreOptions) error {
	staging, err := archive.Unpack(data)
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	if opts.SettingsAction != models.ActionIgnore || opts.ProvidersAction != models.ActionIgnore {
		if err := r.restoreSettings(staging, opts); err != nil {
			r.logger.Warn().Err(err).Msg("设置恢复失败，继续后续阶段")
		}
	}
	// IncludeChats 只是导出开关：归档里有没有 chats.json 由导出方决定，
	// 恢复侧只看文件是否存在
	if opts.ChatsAction != models.ActionIgnore {
		if err := r.restoreChats(staging, opts.ChatsAction); err != nil {
			r.logger.Warn().Err(err).Msg("聊天记录恢复失败，继续后续阶段")
		}
	}
	if opts.FilesAction != models.ActionIgnore && cfg.IncludeFiles {
		r.restoreFiles(staging, opts.FilesAction)
	}
	return nil
}

// restoreSettings 恢复设置与供应商配置。每个键按其分区选择动作，
// 合并时查声明式策略表，单个键解析失败只跳过该键
func (r *Restorer) restoreSettings(staging string, opts models.RestoreOptions) error {
	raw, err := os.ReadFile(filepath.Join(staging, "settings.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var incoming models.SettingsMap
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return err
	}
	local, err := r.settings.Snapshot()
	if err != nil {
		return err
	}

	for key, value := range incoming {
		if models.IsLocalOnlyKey(key) {
			continue
		}
		action := opts.SettingsAction
		if isProviderKey(key) {
			action = opts.ProvidersAction
		}
		switch action {
		case models.ActionIgnore:
			continue
		case models.ActionOverwrite:
			if err := r.settings.RestoreSingle(key, value); err != nil {
				r.logger.Warn().Err(err).Msgf("写入设置 %s 失败", key)
			}
		case models.ActionMerge:
			r.mergeSettingKey(key, value, local)
		}
	}
	return nil
}

// mergeSettingKey 合并单个设置键：本地缺失直接写入；
// 策略表中的键走专用合并；其余键已存在时保持本地值不动
func (r *Restorer) mergeSettingKey(key string, incoming json.RawMessage, local models.SettingsMap) {
	localValue, exists := local[key]
	if !exists {
		if err := r.settings.RestoreSingle(key, incoming); err != nil {
			r.logger.Warn().Err(err).Msgf("写入设置 %s 失败", key)
		}
		return
	}
	merger, ok := settingsMergers[key]
	if !ok {
		return
	}
	merged, err := merger(localValue, incoming)
	if err != nil {
		r.logger.Debug().Err(err).Msgf("设置 %s 合并失败，跳过该键", key)
		return
	}
	if err := r.settings.RestoreSingle(key, merged); err != nil {
		r.logger.Warn().Err(err).Msgf("写入设置 %s 失败", key)
	}
}

// restoreChats 恢复聊天记录，归档缺失 chats.json 时视为空
func (r *Restorer) restoreChats(staging string, action models.RestoreAction) error {
	raw, err := os.ReadFile(filepath.Join(staging, "chats.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var backup models.ChatBackup
	if err := json.Unmarshal(raw, &backup); err != nil {
		return err
	}

	msgsByConv := map[string][]models.Message{}
	for _, msg := range backup.Messages {
		msgsByConv[msg.ConversationID] = append(msgsByConv[msg.ConversationID], msg)
	}

	if action == models.ActionOverwrite {
		return r.overwriteChats(backup, msgsByConv)
	}
	return r.mergeChats(backup, msgsByConv)
}

// overwriteChats 清空本地聊天数据后按归档整体重建
func (r *Restorer) overwriteChats(backup models.ChatBackup, msgsByConv map[string][]models.Message) error {
	if err := r.chats.ClearAllData(); err != nil {
		return err
	}
	for _, conv := range backup.Conversations {
		if err := r.chats.RestoreConversation(conv, msgsByConv[conv.ID]); err != nil {
			return err
		}
	}
	for msgID, events := range backup.ToolEvents {
		if err := r.chats.SetToolEvents(msgID, events); err != nil {
			return err
		}
	}
	for msgID, sig := range backup.GeminiThoughtSigs {
		if err := r.chats.SetGeminiThoughtSignature(msgID, sig); err != nil {
			return err
		}
	}
	return nil
}

// mergeChats 合并聊天记录：新会话整体插入；已有会话只追加
// 全局未出现过的消息 ID；工具事件和思考签名只在当前为空时补入
func (r *Restorer) mergeChats(backup models.ChatBackup, msgsByConv map[string][]models.Message) error {
	localConvs, err := r.chats.GetAllConversations()
	if err != nil {
		return err
	}
	localConvIDs := map[string]bool{}
	localMsgIDs := map[string]bool{}
	for _, conv := range localConvs {
		localConvIDs[conv.ID] = true
		msgs, err := r.chats.GetMessages(conv.ID)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			localMsgIDs[msg.ID] = true
		}
	}

	for _, conv := range backup.Conversations {
		incoming := msgsByConv[conv.ID]
		if !localConvIDs[conv.ID] {
			if err := r.chats.RestoreConversation(conv, incoming); err != nil {
				r.logger.Warn().Err(err).Msgf("插入会话 %s 失败", conv.ID)
				continue
			}
			for _, msg := range incoming {
				localMsgIDs[msg.ID] = true
			}
			continue
		}
		for _, msg := range incoming {
			if localMsgIDs[msg.ID] {
				continue
			}
			if err := r.chats.AddMessageDirectly(conv.ID, msg); err != nil {
				r.logger.Warn().Err(err).Msgf("追加消息 %s 失败", msg.ID)
				continue
			}
			localMsgIDs[msg.ID] = true
		}
	}

	for msgID, events := range backup.ToolEvents {
		existing, err := r.chats.GetToolEvents(msgID)
		if err != nil || len(existing) > 0 {
			continue
		}
		if err := r.chats.SetToolEvents(msgID, events); err != nil {
			r.logger.Warn().Err(err).Msgf("写入工具事件 %s 失败", msgID)
		}
	}
	for msgID, sig := range backup.GeminiThoughtSigs {
		existing, err := r.chats.GetGeminiThoughtSignature(msgID)
		if err != nil || existing != "" {
			continue
		}
		if err := r.chats.SetGeminiThoughtSignature(msgID, sig); err != nil {
			r.logger.Warn().Err(err).Msgf("写入思考签名 %s 失败", msgID)
		}
	}
	return nil
}

// restoreFiles 恢复三棵文件树。覆盖时先整树删除再重建；
// 合并时只写入目标不存在的文件；单个文件失败跳过并累计告警
func (r *Restorer) restoreFiles(staging string, action models.RestoreAction) {
	for _, tree := range r.roots.Trees() {
		src := filepath.Join(staging, tree.Name)
		if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
			continue
		}
		if tree.Dir == "" {
			continue
		}

		if action == models.ActionOverwrite {
			if err := os.RemoveAll(tree.Dir); err != nil {
				r.logger.Warn().Err(err).Msgf("清空目录 %s 失败，跳过该树", tree.Dir)
				continue
			}
		}
		if err := os.MkdirAll(tree.Dir, 0o755); err != nil {
			r.logger.Warn().Err(err).Msgf("创建目录 %s 失败，跳过该树", tree.Dir)
			continue
		}

		clobber := action == models.ActionOverwrite
		copied, skipped, failed := copyTree(src, tree.Dir, clobber)
		if failed > 0 {
			r.logger.Warn().Msgf("恢复 %s：%d 个文件复制失败已跳过", tree.Name, failed)
		}
		r.logger.Info().Msgf("恢复 %s：复制 %d 个文件，跳过 %d 个", tree.Name, copied, skipped)
	}
}

// copyTree 把 src 树复制到 dst，保持相对路径。
// clobber 为假时不触碰已存在的目标文件
func copyTree(src, dst string, clobber bool) (copied, skipped, failed int) {
	filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			failed++
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				failed++
				return fs.SkipDir
			}
			return nil
		}
		if !clobber {
			if _, err := os.Stat(target); err == nil {
				skipped++
				return nil
			}
		}
		if err := copyFile(p, target); err != nil {
			failed++
			return nil
		}
		copied++
		return nil
	})
	return copied, skipped, failed
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
