package main

import (
	"testing"

	"KelivoSync/models"
)

func TestBackupTogglesOnlyOverrideWhenFlagSet(t *testing.T) {
	cmd := backupCmd()
	cfg := models.WebDavConfig{IncludeChats: false, IncludeFiles: true}

	applyBackupToggles(cmd, &cfg)
	if cfg.IncludeChats {
		t.Error("未显式传 --chats 时不应覆盖已保存配置")
	}
	if !cfg.IncludeFiles {
		t.Error("未显式传 --files 时不应覆盖已保存配置")
	}

	if err := cmd.Flags().Set("chats", "true"); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("files", "false"); err != nil {
		t.Fatal(err)
	}
	applyBackupToggles(cmd, &cfg)
	if !cfg.IncludeChats || cfg.IncludeFiles {
		t.Errorf("显式传入的开关应覆盖配置: chats=%v files=%v", cfg.IncludeChats, cfg.IncludeFiles)
	}
}
