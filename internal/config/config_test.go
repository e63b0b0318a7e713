package config

import (
	"os"
	"path/filepath"
	"testing"

	evdev "github.com/holoplot/go-evdev"
)

func TestKeyUnmarshalText(t *testing.T) {
	tests := []struct {
		input string
		want  evdev.EvCode
	}{
		{"KEY_F1", evdev.KEY_F1},
		{"KEY_MUHENKAN", evdev.KEY_MUHENKAN},
		{"0x110", 0x110},
		{"59", evdev.KEY_F1},
		{"0x3b", evdev.KEY_F1},
		{"", 0},
	}
	for _, tt := range tests {
		var k Key
		if err := k.UnmarshalText([]byte(tt.input)); err != nil {
			t.Errorf("%q: 予期しないエラー: %v", tt.input, err)
			continue
		}
		if k.Code() != tt.want {
			t.Errorf("%q: コードが想定と異なります: got=%d want=%d", tt.input, k.Code(), tt.want)
		}
	}

	var k Key
	if err := k.UnmarshalText([]byte("KEY_NOSUCH")); err == nil {
		t.Error("未知のキー名はエラーになること")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("デフォルト設定が検査に通ること: %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[switch]
noswitch_modifier = "KEY_MUHENKAN"
noswitch_toggle = "KEY_ESC"
initial = "windows"

[[targets]]
name = "windows"
hotkey = "KEY_F1"
notify_key = "KEY_KP1"
nudge_x = -1

[[targets]]
name = "linux"
hotkey = "KEY_F2"
notify_key = "KEY_KP2"

[control]
enabled = true
addr = ":9898"
token_path = "/tmp/token"

[[callbacks.chords]]
key = "KEY_F4"
modifiers = ["KEY_LEFTALT", "KEY_RIGHTALT"]
remap = "KEY_KP4"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if cfg.Switch.Initial != "windows" {
		t.Errorf("初期ターゲットが読み込まれること: %s", cfg.Switch.Initial)
	}
	if len(cfg.Targets) != 2 || cfg.Targets[0].Hotkey.Code() != evdev.KEY_F1 {
		t.Errorf("ターゲットが読み込まれること: %+v", cfg.Targets)
	}
	if cfg.Targets[0].NudgeX != -1 {
		t.Errorf("nudge_x が読み込まれること: %d", cfg.Targets[0].NudgeX)
	}
	if !cfg.Control.Enabled {
		t.Error("制御リスナーの設定が読み込まれること")
	}
	if len(cfg.Callbacks.Chords) != 1 || cfg.Callbacks.Chords[0].Remap.Code() != evdev.KEY_KP4 {
		t.Errorf("コールバック設定が読み込まれること: %+v", cfg.Callbacks.Chords)
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(cfg.Targets) == 0 {
		t.Error("デフォルト設定が返ること")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("デフォルト設定が保存されること")
	}

	// 保存された設定を読み直しても同じ内容になる
	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if reloaded.Switch.Initial != cfg.Switch.Initial {
		t.Errorf("再読み込みで内容が変わらないこと: %s", reloaded.Switch.Initial)
	}
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ターゲットなし", func(c *Config) { c.Targets = nil }},
		{"名前の重複", func(c *Config) { c.Targets[1].Name = c.Targets[0].Name }},
		{"ホットキーの重複", func(c *Config) { c.Targets[1].Hotkey = c.Targets[0].Hotkey }},
		{"ホットキー未設定", func(c *Config) { c.Targets[0].Hotkey = 0 }},
		{"未知の初期ターゲット", func(c *Config) { c.Switch.Initial = "macos" }},
		{"未知のコールバックターゲット", func(c *Config) {
			c.Callbacks.TargetKeys = []TargetKeyConfig{{Key: Key(evdev.KEY_F19), Target: "macos"}}
		}},
		{"トークンパスなしの制御リスナー", func(c *Config) {
			c.Control.Enabled = true
			c.Control.TokenPath = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("検査で弾かれること")
			}
		})
	}
}
