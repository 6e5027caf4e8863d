package db

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"KelivoSync/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("初始化数据库失败: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestSettingsSnapshotExcludesLocalOnly(t *testing.T) {
	d := newTestDB(t)
	if _, err := d.Exec(`INSERT INTO settings (key, value) VALUES ('windowWidth', '1024')`); err != nil {
		t.Fatal(err)
	}
	if err := d.RestoreSingle("theme", json.RawMessage(`"dark"`)); err != nil {
		t.Fatal(err)
	}

	snap, err := d.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := snap["windowWidth"]; ok {
		t.Error("快照不应包含仅限本机的键")
	}
	if string(snap["theme"]) != `"dark"` {
		t.Errorf("theme = %s", snap["theme"])
	}
}

func TestRestoreSingleRejectsLocalOnly(t *testing.T) {
	d := newTestDB(t)
	if err := d.RestoreSingle("windowWidth", json.RawMessage(`800`)); err == nil {
		t.Error("写入仅限本机的键应被拒绝")
	}
}

func TestRestoreAllDropsLocalOnly(t *testing.T) {
	d := newTestDB(t)
	err := d.RestoreAll(models.SettingsMap{
		"theme":        json.RawMessage(`"dark"`),
		"windowHeight": json.RawMessage(`768`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := d.GetSetting("windowHeight"); ok {
		t.Error("仅限本机的键应被丢弃")
	}
	if v, ok, _ := d.GetSetting("theme"); !ok || string(v) != `"dark"` {
		t.Errorf("theme = %s, ok = %v", v, ok)
	}
}

func TestChatRoundTrip(t *testing.T) {
	d := newTestDB(t)
	conv, err := d.CreateConversation("标题", "assistant-1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID == "" {
		t.Fatal("会话 ID 不应为空")
	}
	msg, err := d.AppendMessage(conv.ID, models.RoleAssistant, "回答")
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SetToolEvents(msg.ID, []json.RawMessage{json.RawMessage(`{"tool":"search"}`)}); err != nil {
		t.Fatal(err)
	}
	if err := d.SetGeminiThoughtSignature(msg.ID, "sig"); err != nil {
		t.Fatal(err)
	}

	convs, err := d.GetAllConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Title != "标题" {
		t.Fatalf("会话列表错误: %+v", convs)
	}
	msgs, err := d.GetMessages(conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "回答" {
		t.Fatalf("消息列表错误: %+v", msgs)
	}
	events, err := d.GetToolEvents(msg.ID)
	if err != nil || len(events) != 1 {
		t.Fatalf("工具事件错误: %v / %v", events, err)
	}
	sig, err := d.GetGeminiThoughtSignature(msg.ID)
	if err != nil || sig != "sig" {
		t.Fatalf("思考签名错误: %q / %v", sig, err)
	}
}

func TestGetToolEventsMissingIsEmpty(t *testing.T) {
	d := newTestDB(t)
	events, err := d.GetToolEvents("不存在")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("缺失的工具事件应为空: %v", events)
	}
	sig, err := d.GetGeminiThoughtSignature("不存在")
	if err != nil || sig != "" {
		t.Errorf("缺失的思考签名应为空串: %q / %v", sig, err)
	}
}

func TestClearAllData(t *testing.T) {
	d := newTestDB(t)
	conv, err := d.CreateConversation("标题", "")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := d.AppendMessage(conv.ID, models.RoleUser, "你好")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetGeminiThoughtSignature(msg.ID, "sig"); err != nil {
		t.Fatal(err)
	}

	if err := d.ClearAllData(); err != nil {
		t.Fatal(err)
	}
	convs, err := d.GetAllConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("清空后仍有会话: %+v", convs)
	}
	sig, _ := d.GetGeminiThoughtSignature(msg.ID)
	if sig != "" {
		t.Error("清空后仍有思考签名")
	}
}

func TestRestoreConversationUpsert(t *testing.T) {
	d := newTestDB(t)
	conv := models.Conversation{ID: "c1", Title: "原", CreatedAt: 1, UpdatedAt: 1}
	msgs := []models.Message{{ID: "m1", ConversationID: "c1", Role: models.RoleUser, Content: "一", CreatedAt: 1}}
	if err := d.RestoreConversation(conv, msgs); err != nil {
		t.Fatal(err)
	}
	conv.Title = "新"
	if err := d.RestoreConversation(conv, msgs); err != nil {
		t.Fatal(err)
	}

	convs, err := d.GetAllConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].Title != "新" {
		t.Fatalf("重复恢复应覆盖而不是新增: %+v", convs)
	}
	got, err := d.GetMessages("c1")
	if err != nil || len(got) != 1 {
		t.Fatalf("消息应保持唯一: %+v / %v", got, err)
	}
}
