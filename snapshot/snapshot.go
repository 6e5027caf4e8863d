package snapshot

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog"

	"KelivoSync/archive"
	"KelivoSync/models"
)

// Builder 将本地状态序列化为归档条目
type Builder struct {
	settings models.SettingsStore
	chats    models.ChatService
	roots    models.FileRoots
	logger   zerolog.Logger
}

// NewBuilder 创建快照构建器
func NewBuilder(settings models.SettingsStore, chats models.ChatService, roots models.FileRoots, logger zerolog.Logger) *Builder {
	return &Builder{
		settings: settings,
		chats:    chats,
		roots:    roots,
		logger:   logger,
	}
}

// BuildSettingsBlob 导出全部设置为 JSON（仅限本机的键已被存储层排除）
func (b *Builder) BuildSettingsBlob() ([]byte, error) {
	settings, err := b.settings.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(settings)
}

// BuildChatsBlob 导出全部会话、消息，以及助手消息的
// 工具调用事件和模型思考签名
func (b *Builder) BuildChatsBlob() ([]byte, error) {
	convs, err := b.chats.GetAllConversations()
	if err != nil {
		return nil, err
	}

	backup := models.ChatBackup{
		Version:           models.ChatBackupVersion,
		Conversations:     convs,
		Messages:          []models.Message{},
		ToolEvents:        map[string][]json.RawMessage{},
		GeminiThoughtSigs: map[string]string{},
	}

	for _, conv := range convs {
		msgs, err := b.chats.GetMessages(conv.ID)
		if err != nil {
			return nil, err
		}
		backup.Messages = append(backup.Messages, msgs...)
		for _, msg := range msgs {
			if msg.Role != models.RoleAssistant {
				continue
			}
			events, err := b.chats.GetToolEvents(msg.ID)
			if err != nil {
				return nil, err
			}
			if len(events) > 0 {
				backup.ToolEvents[msg.ID] = events
			}
			sig, err := b.chats.GetGeminiThoughtSignature(msg.ID)
			if err != nil {
				return nil, err
			}
			if sig != "" {
				backup.GeminiThoughtSigs[msg.ID] = sig
			}
		}
	}
	return json.Marshal(backup)
}

// BuildEntries 按归档布局组装全部条目：settings.json 总是包含，
// chats.json 和三棵文件树由配置开关决定，本地不存在的目录跳过
func (b *Builder) BuildEntries(cfg models.WebDavConfig) ([]archive.Entry, error) {
	settingsBlob, err := b.BuildSettingsBlob()
	if err != nil {
		return nil, err
	}
	entries := []archive.Entry{{Name: "settings.json", Data: settingsBlob}}

	if cfg.IncludeChats {
		chatsBlob, err := b.BuildChatsBlob()
		if err != nil {
			return nil, err
		}
		entries = append(entries, archive.Entry{Name: "chats.json", Data: chatsBlob})
	}

	if cfg.IncludeFiles {
		for _, tree := range b.roots.Trees() {
			if tree.Dir == "" {
				continue
			}
			if fi, err := os.Stat(tree.Dir); err != nil || !fi.IsDir() {
				continue
			}
			entries = append(entries, archive.Entry{Name: tree.Name, Dir: tree.Dir})
		}
	}
	return entries, nil
}
