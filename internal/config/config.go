package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	evdev "github.com/holoplot/go-evdev"
)

// Key は evdev のキーコード。TOML 上では "KEY_F1" のような名前か
// 数値の文字列（10進または 0x 付き16進）で指定する
type Key evdev.EvCode

func (k *Key) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		*k = 0
		return nil
	}
	if code, ok := evdev.KEYFromString[s]; ok {
		*k = Key(code)
		return nil
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return fmt.Errorf("キーコードを解釈できません: %q", s)
	}
	*k = Key(n)
	return nil
}

// Code は evdev のコード値として返す
func (k Key) Code() evdev.EvCode {
	return evdev.EvCode(k)
}

// Config はアプリケーション全体の設定を表す構造体
type Config struct {
	Devices   DevicesConfig   `toml:"devices"`
	Switch    SwitchConfig    `toml:"switch"`
	Targets   []TargetConfig  `toml:"targets"`
	Control   ControlConfig   `toml:"control"`
	Callbacks CallbacksConfig `toml:"callbacks"`
}

// DevicesConfig は物理デバイスの設定。パスが空の場合は
// /dev/input/by-id から preferred の名前を優先して自動検出する
type DevicesConfig struct {
	KeyboardPath      string `toml:"keyboard_path"`
	MousePath         string `toml:"mouse_path"`
	PreferredKeyboard string `toml:"preferred_keyboard"`
	PreferredMouse    string `toml:"preferred_mouse"`
}

// SwitchConfig はルーターの設定
type SwitchConfig struct {
	NoswitchModifier Key           `toml:"noswitch_modifier"`
	NoswitchToggle   Key           `toml:"noswitch_toggle"`
	HardwareRelease  Key           `toml:"hardware_release"`
	Initial          string        `toml:"initial"`
	YieldInterval    time.Duration `toml:"yield_interval"`
}

// TargetConfig は切り替え先1つ分の設定
type TargetConfig struct {
	Name      string `toml:"name"`
	Hotkey    Key    `toml:"hotkey"`
	NotifyKey Key    `toml:"notify_key"`
	NudgeX    int32  `toml:"nudge_x"`
}

// ControlConfig は制御リスナーの設定
type ControlConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	TokenPath string `toml:"token_path"`
}

// CallbacksConfig はキーごとの特殊処理の設定
type CallbacksConfig struct {
	Broadcast  []Key             `toml:"broadcast"`
	TargetKeys []TargetKeyConfig `toml:"target_keys"`
	Chords     []ChordConfig     `toml:"chords"`
	Wheel      []WheelConfig     `toml:"wheel"`
}

// TargetKeyConfig は特定ターゲットへ固定で届けるキーの設定
type TargetKeyConfig struct {
	Key    Key    `toml:"key"`
	Target string `toml:"target"`
}

// ChordConfig は修飾キーとの同時押しをそのまま通し、単独押しを
// 別コードへ割り当て直すキーの設定
type ChordConfig struct {
	Key       Key   `toml:"key"`
	Modifiers []Key `toml:"modifiers"`
	Remap     Key   `toml:"remap"`
}

// WheelConfig は押下エッジを水平スクロールへ変換するキーの設定
type WheelConfig struct {
	Key   Key   `toml:"key"`
	Value int32 `toml:"value"`
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		Switch: SwitchConfig{
			NoswitchModifier: Key(evdev.KEY_MUHENKAN),
			NoswitchToggle:   Key(evdev.KEY_ESC),
			Initial:          "linux",
			YieldInterval:    5 * time.Millisecond,
		},
		Targets: []TargetConfig{
			{Name: "windows", Hotkey: Key(evdev.KEY_F1), NotifyKey: Key(evdev.KEY_KP1), NudgeX: -1},
			{Name: "linux", Hotkey: Key(evdev.KEY_F2), NotifyKey: Key(evdev.KEY_KP2), NudgeX: 1},
		},
		Control: ControlConfig{
			Enabled:   false,
			Addr:      ":9898",
			TokenPath: "~/.virtual-km-switch-token",
		},
	}
}

// GetDefaultConfigDir はデフォルトの設定ディレクトリを返す
func GetDefaultConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "virtual-km-switch"), nil
}

// LoadConfig は設定ファイルから設定を読み込む。
// ファイルが存在しない場合はデフォルト設定を保存してそれを返す
func LoadConfig(configPath string) (*Config, error) {
	// デフォルト設定を用意
	config := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveConfig(configPath, config); err != nil {
			return config, err
		}
		return config, config.Validate()
	}

	// 設定ファイルの読み込み
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return config, err
	}

	return config, config.Validate()
}

// SaveConfig は設定をTOMLファイルに保存する
func SaveConfig(configPath string, config *Config) error {
	// 設定ディレクトリの作成
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	// ファイルを開く（なければ作成）
	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	// TOML形式でエンコードして書き込み
	encoder := toml.NewEncoder(f)
	return encoder.Encode(config)
}

// Validate は設定の整合性を検査する。不正な設定は起動前にここで弾く
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return errors.New("ターゲットが1つも設定されていません")
	}

	names := make(map[string]bool)
	hotkeys := make(map[Key]bool)
	for _, target := range c.Targets {
		if target.Name == "" {
			return errors.New("ターゲット名が空です")
		}
		if target.Hotkey == 0 {
			return fmt.Errorf("ターゲットにホットキーが設定されていません[name=%s]", target.Name)
		}
		if names[target.Name] {
			return fmt.Errorf("ターゲット名が重複しています: %s", target.Name)
		}
		if hotkeys[target.Hotkey] {
			return fmt.Errorf("ホットキーが重複しています: %s", evdev.CodeName(evdev.EV_KEY, target.Hotkey.Code()))
		}
		names[target.Name] = true
		hotkeys[target.Hotkey] = true
	}

	if c.Switch.Initial != "" && !names[c.Switch.Initial] {
		return fmt.Errorf("初期ターゲットが見つかりません: %s", c.Switch.Initial)
	}

	for _, tk := range c.Callbacks.TargetKeys {
		if !names[tk.Target] {
			return fmt.Errorf("コールバックのターゲットが見つかりません: %s", tk.Target)
		}
	}

	if c.Control.Enabled {
		if c.Control.Addr == "" {
			return errors.New("制御リスナーのアドレスが設定されていません")
		}
		if c.Control.TokenPath == "" {
			return errors.New("制御リスナーのトークンパスが設定されていません")
		}
	}

	return nil
}

// ExpandPath は先頭の ~ をホームディレクトリに展開する
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
