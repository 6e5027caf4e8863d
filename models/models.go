package models

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// WebDavConfig 存储 WebDAV 备份配置
type WebDavConfig struct {
	URL          string // WebDAV 基础地址
	Username     string // 用户名
	Password     string // 密码
	Path         string // 云端备份集合路径
	IncludeChats bool   // 是否备份聊天记录
	IncludeFiles bool   // 是否备份上传文件
}

// DefaultConfig 返回默认配置
func DefaultConfig() WebDavConfig {
	return WebDavConfig{
		URL:          "",
		Username:     "",
		Password:     "",
		Path:         "kelivo_backup",
		IncludeChats: true,
		IncludeFiles: true,
	}
}

// NormalizedPath 返回规范化后的集合路径（去除首尾斜杠和空段）
func (c WebDavConfig) NormalizedPath() string {
	parts := strings.Split(c.Path, "/")
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Load 从数据库加载配置
func Load(db *sql.DB) (WebDavConfig, error) {
	cfg := DefaultConfig()
	rows, err := db.Query("SELECT key, value FROM config")
	if err != nil {
		return cfg, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return cfg, err
		}
		switch key {
		case "url":
			cfg.URL = value
		case "username":
			cfg.Username = value
		case "password":
			cfg.Password = value
		case "path":
			cfg.Path = value
		case "include_chats":
			cfg.IncludeChats = value == "1"
		case "include_files":
			cfg.IncludeFiles = value == "1"
		}
	}
	return cfg, rows.Err()
}

// Save 保存配置到数据库
func Save(db *sql.DB, cfg WebDavConfig) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := `INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`
	bools := map[bool]string{true: "1", false: "0"}
	pairs := [][2]string{
		{"url", cfg.URL},
		{"username", cfg.Username},
		{"password", cfg.Password},
		{"path", cfg.Path},
		{"include_chats", bools[cfg.IncludeChats]},
		{"include_files", bools[cfg.IncludeFiles]},
	}
	for _, kv := range pairs {
		if _, err := tx.Exec(upsert, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RestoreAction 表示单个类别的恢复动作
type RestoreAction string

const (
	ActionIgnore    RestoreAction = "ignore"    // 跳过该类别
	ActionMerge     RestoreAction = "merge"     // 与本地数据合并
	ActionOverwrite RestoreAction = "overwrite" // 覆盖本地数据
)

// IsValid 判断动作是否合法
func (a RestoreAction) IsValid() bool {
	switch a {
	case ActionIgnore, ActionMerge, ActionOverwrite:
		return true
	}
	return false
}

// RestoreOptions 存储四个类别各自的恢复动作
type RestoreOptions struct {
	SettingsAction  RestoreAction // 普通设置
	ProvidersAction RestoreAction // 供应商/助手配置
	ChatsAction     RestoreAction // 聊天记录
	FilesAction     RestoreAction // 上传文件
}

// DefaultRestoreOptions 返回默认选项（全部合并）
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{
		SettingsAction:  ActionMerge,
		ProvidersAction: ActionMerge,
		ChatsAction:     ActionMerge,
		FilesAction:     ActionMerge,
	}
}

// RestoreOptionsFromMode 兼容旧版的两种模式（overwrite 或 merge），
// 映射为四个类别同一动作
func RestoreOptionsFromMode(mode string) RestoreOptions {
	action := ActionMerge
	if mode == "overwrite" {
		action = ActionOverwrite
	}
	return RestoreOptions{
		SettingsAction:  action,
		ProvidersAction: action,
		ChatsAction:     action,
		FilesAction:     action,
	}
}

// IsFullOverwrite 判断是否为旧版全量覆盖模式（四个类别均为覆盖）
func (o RestoreOptions) IsFullOverwrite() bool {
	return o.SettingsAction == ActionOverwrite &&
		o.ProvidersAction == ActionOverwrite &&
		o.ChatsAction == ActionOverwrite &&
		o.FilesAction == ActionOverwrite
}

// BackupFileItem 表示云端备份文件列表项
type BackupFileItem struct {
	Path         string     // 云端完整路径
	Name         string     // 显示名称
	Size         int64      // 字节大小
	LastModified *time.Time // 修改时间，协议缺失时从文件名恢复
}

// SettingsMap 为设置键到原始 JSON 值的平面映射
type SettingsMap map[string]json.RawMessage

// localOnlyKeys 为仅限本机的设置键（窗口几何信息），
// 任何备份和恢复都不得跨设备携带
var localOnlyKeys = map[string]struct{}{
	"windowWidth":     {},
	"windowHeight":    {},
	"windowOffsetX":   {},
	"windowOffsetY":   {},
	"windowMaximized": {},
}

// IsLocalOnlyKey 判断设置键是否仅限本机
func IsLocalOnlyKey(key string) bool {
	_, ok := localOnlyKeys[key]
	return ok
}

// Conversation 表示一个会话
type Conversation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	AssistantID string `json:"assistantId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Message 表示一条消息，ID 全局唯一
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
}

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatBackupVersion 为 chats.json 的格式版本号
const ChatBackupVersion = 1

// ChatBackup 为 chats.json 的序列化结构
type ChatBackup struct {
	Version           int                          `json:"version"`
	Conversations     []Conversation               `json:"conversations"`
	Messages          []Message                    `json:"messages"`
	ToolEvents        map[string][]json.RawMessage `json:"toolEvents"`
	GeminiThoughtSigs map[string]string            `json:"geminiThoughtSigs"`
}

// ChatService 为聊天存储引擎的接口
type ChatService interface {
	GetAllConversations() ([]Conversation, error)
	GetMessages(conversationID string) ([]Message, error)
	GetToolEvents(messageID string) ([]json.RawMessage, error)
	GetGeminiThoughtSignature(messageID string) (string, error)
	SetToolEvents(messageID string, events []json.RawMessage) error
	SetGeminiThoughtSignature(messageID string, sig string) error
	ClearAllData() error
	RestoreConversation(conv Conversation, msgs []Message) error
	AddMessageDirectly(conversationID string, msg Message) error
}

// SettingsStore 为本地设置存储的接口，
// 实现方必须自行排除并拒绝仅限本机的键
type SettingsStore interface {
	Snapshot() (SettingsMap, error)
	RestoreAll(settings SettingsMap) error
	RestoreSingle(key string, value json.RawMessage) error
}

// FileRoots 为三个文件根目录，由外部路径提供者解析
type FileRoots struct {
	Upload  string
	Images  string
	Avatars string
}

// TreeRoot 表示归档内的一棵文件树
type TreeRoot struct {
	Name string // 归档内目录名
	Dir  string // 本地目录
}

// Trees 按固定顺序返回三棵文件树
func (r FileRoots) Trees() []TreeRoot {
	return []TreeRoot{
		{Name: "upload", Dir: r.Upload},
		{Name: "images", Dir: r.Images},
		{Name: "avatars", Dir: r.Avatars},
	}
}
