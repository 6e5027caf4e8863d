package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"KelivoSync/models"
)

// DB 封装数据库操作，同时实现 models.ChatService 和 models.SettingsStore
type DB struct {
	*sql.DB
}

// NewDB 初始化数据库
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT
		);
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT
		);
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			assistant_id TEXT,
			created_at INTEGER,
			updated_at INTEGER
		);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			role TEXT,
			content TEXT,
			created_at INTEGER
		);
		CREATE TABLE IF NOT EXISTS tool_events (
			message_id TEXT PRIMARY KEY,
			events TEXT
		);
		CREATE TABLE IF NOT EXISTS thought_sigs (
			message_id TEXT PRIMARY KEY,
			signature TEXT
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Snapshot 获取全部设置（仅限本机的键不导出）
func (d *DB) Snapshot() (models.SettingsMap, error) {
	rows, err := d.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := models.SettingsMap{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		if models.IsLocalOnlyKey(key) {
			continue
		}
		settings[key] = json.RawMessage(value)
	}
	return settings, rows.Err()
}

// RestoreAll 批量写入设置，仅限本机的键直接丢弃
func (d *DB) RestoreAll(settings models.SettingsMap) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, value := range settings {
		if models.IsLocalOnlyKey(key) {
			continue
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`,
			key, string(value)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RestoreSingle 写入单个设置，拒绝仅限本机的键
func (d *DB) RestoreSingle(key string, value json.RawMessage) error {
	if models.IsLocalOnlyKey(key) {
		return fmt.Errorf("设置键 %s 仅限本机，拒绝写入", key)
	}
	_, err := d.Exec(`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`,
		key, string(value))
	return err
}

// GetSetting 读取单个设置
func (d *DB) GetSetting(key string) (json.RawMessage, bool, error) {
	var value string
	err := d.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(value), true, nil
}

// GetAllConversations 获取全部会话
func (d *DB) GetAllConversations() ([]models.Conversation, error) {
	rows, err := d.Query(`
		SELECT id, title, assistant_id, created_at, updated_at
		FROM conversations ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.AssistantID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// GetMessages 获取会话内全部消息
func (d *DB) GetMessages(conversationID string) ([]models.Message, error) {
	rows, err := d.Query(`
		SELECT id, conversation_id, role, content, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// GetToolEvents 获取消息的工具调用事件，不存在时返回空
func (d *DB) GetToolEvents(messageID string) ([]json.RawMessage, error) {
	var raw string
	err := d.QueryRow(`SELECT events FROM tool_events WHERE message_id = ?`, messageID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// GetGeminiThoughtSignature 获取消息的模型思考签名，不存在时返回空串
func (d *DB) GetGeminiThoughtSignature(messageID string) (string, error) {
	var sig string
	err := d.QueryRow(`SELECT signature FROM thought_sigs WHERE message_id = ?`, messageID).Scan(&sig)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sig, nil
}

// SetToolEvents 保存消息的工具调用事件
func (d *DB) SetToolEvents(messageID string, events []json.RawMessage) error {
	raw, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = d.Exec(`INSERT OR REPLACE INTO tool_events (message_id, events) VALUES (?, ?)`,
		messageID, string(raw))
	return err
}

// SetGeminiThoughtSignature 保存消息的模型思考签名
func (d *DB) SetGeminiThoughtSignature(messageID string, sig string) error {
	_, err := d.Exec(`INSERT OR REPLACE INTO thought_sigs (message_id, signature) VALUES (?, ?)`,
		messageID, sig)
	return err
}

// ClearAllData 清空全部聊天数据
func (d *DB) ClearAllData() error {
	_, err := d.Exec(`
		DELETE FROM conversations;
		DELETE FROM messages;
		DELETE FROM tool_events;
		DELETE FROM thought_sigs;
	`)
	return err
}

// RestoreConversation 整体写入一个会话及其消息
func (d *DB) RestoreConversation(conv models.Conversation, msgs []models.Message) error {
	tx, err := d.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO conversations (id, title, assistant_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.Title, conv.AssistantID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO messages (id, conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, conv.ID, msg.Role, msg.Content, msg.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AddMessageDirectly 向已有会话追加一条消息（保留原消息 ID）
func (d *DB) AddMessageDirectly(conversationID string, msg models.Message) error {
	_, err := d.Exec(`
		INSERT OR REPLACE INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, conversationID, msg.Role, msg.Content, msg.CreatedAt)
	return err
}

// CreateConversation 新建会话
func (d *DB) CreateConversation(title, assistantID string) (models.Conversation, error) {
	now := time.Now().UnixMilli()
	conv := models.Conversation{
		ID:          uuid.NewString(),
		Title:       title,
		AssistantID: assistantID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := d.Exec(`
		INSERT INTO conversations (id, title, assistant_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.Title, conv.AssistantID, conv.CreatedAt, conv.UpdatedAt)
	return conv, err
}

// AppendMessage 向会话追加一条新消息
func (d *DB) AppendMessage(conversationID, role, content string) (models.Message, error) {
	now := time.Now().UnixMilli()
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	_, err := d.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return msg, err
	}
	_, err = d.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	return msg, err
}
