package features

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	evdev "github.com/holoplot/go-evdev"
)

// 仮想デバイスへのイベント書き込みを抽象化するインターフェース
type eventWriter interface {
	WriteOne(ev *evdev.InputEvent) error
}

// VirtualInputGroup は1つのターゲットに対応する仮想キーボードとマウスの組。
// 物理デバイスから複製した uinput デバイスを保持し、自身に書き込まれた
// 押下中キーの集合と、未送信のマウス移動量を管理する。
type VirtualInputGroup struct {
	name  string
	kbd   eventWriter
	mouse eventWriter

	kbdDev   *evdev.InputDevice
	mouseDev *evdev.InputDevice

	held  map[evdev.EvCode]bool
	moveX int32
	moveY int32
}

// NewVirtualInputGroup は物理キーボードとマウスを複製した仮想デバイスの組を作成する
func NewVirtualInputGroup(name string, hwKbd, hwMouse *evdev.InputDevice) (*VirtualInputGroup, error) {
	kbdName := name + "-virt-kbd"
	mouseName := name + "-virt-mouse"

	kbd, err := evdev.CloneDevice(kbdName, hwKbd)
	if err != nil {
		return nil, fmt.Errorf("仮想キーボードの作成に失敗しました[name=%s]: %w", kbdName, err)
	}
	mouse, err := evdev.CloneDevice(mouseName, hwMouse)
	if err != nil {
		_ = kbd.Close()
		return nil, fmt.Errorf("仮想マウスの作成に失敗しました[name=%s]: %w", mouseName, err)
	}

	g := &VirtualInputGroup{
		name:     name,
		kbd:      kbd,
		mouse:    mouse,
		kbdDev:   kbd,
		mouseDev: mouse,
		held:     make(map[evdev.EvCode]bool),
	}

	// 組み込み側（QEMU の input-linux 設定など）がノードを見つけられるように
	// デバイスノードのパスを /tmp に書き出しておく
	advertisePath(kbdName, kbd.Path())
	advertisePath(mouseName, mouse.Path())

	return g, nil
}

// Name はターゲット名を返す
func (g *VirtualInputGroup) Name() string {
	return g.name
}

// WriteKey はキーイベントを1件送出し、即座に同期する
func (g *VirtualInputGroup) WriteKey(code evdev.EvCode, value int32) error {
	if err := writeSynced(g.kbd, evdev.EV_KEY, code, value); err != nil {
		return fmt.Errorf("仮想キーボードへの書き込みに失敗しました[name=%s]: %w", g.name, err)
	}
	g.track(code, value)
	return nil
}

// PressAndRelease はキーの押下と解放を続けて送出する。通知キーの送信に使う
func (g *VirtualInputGroup) PressAndRelease(code evdev.EvCode) error {
	if err := g.WriteKey(code, 1); err != nil {
		return err
	}
	return g.WriteKey(code, 0)
}

// WriteMouseButton はマウスボタンイベントを1件送出し、即座に同期する
func (g *VirtualInputGroup) WriteMouseButton(code evdev.EvCode, value int32) error {
	if err := writeSynced(g.mouse, evdev.EV_KEY, code, value); err != nil {
		return fmt.Errorf("仮想マウスへの書き込みに失敗しました[name=%s]: %w", g.name, err)
	}
	g.track(code, value)
	return nil
}

// QueueMove はマウス移動量を送出せずに積算する。
// 細かい移動イベントの連続を CommitMove で1件にまとめるために使う
func (g *VirtualInputGroup) QueueMove(code evdev.EvCode, delta int32) {
	switch code {
	case evdev.REL_X:
		g.moveX += delta
	case evdev.REL_Y:
		g.moveY += delta
	}
}

// CommitMove は積算されたマウス移動があれば1件のイベントとして送出する。
// 積算がなければ何も送出しない
func (g *VirtualInputGroup) CommitMove() error {
	moved := false
	if g.moveX != 0 {
		if err := writeOne(g.mouse, evdev.EV_REL, evdev.REL_X, g.moveX); err != nil {
			return fmt.Errorf("仮想マウスへの書き込みに失敗しました[name=%s]: %w", g.name, err)
		}
		moved = true
	}
	if g.moveY != 0 {
		if err := writeOne(g.mouse, evdev.EV_REL, evdev.REL_Y, g.moveY); err != nil {
			return fmt.Errorf("仮想マウスへの書き込みに失敗しました[name=%s]: %w", g.name, err)
		}
		moved = true
	}
	if moved {
		if err := syn(g.mouse); err != nil {
			return fmt.Errorf("仮想マウスの同期に失敗しました[name=%s]: %w", g.name, err)
		}
		g.moveX = 0
		g.moveY = 0
	}
	return nil
}

// Scroll はスクロールイベントを1件送出する。
// スクロールは離散的な操作なので移動のように積算はしない
func (g *VirtualInputGroup) Scroll(code evdev.EvCode, value int32) error {
	if err := writeSynced(g.mouse, evdev.EV_REL, code, value); err != nil {
		return fmt.Errorf("仮想マウスへの書き込みに失敗しました[name=%s]: %w", g.name, err)
	}
	return nil
}

// Holds は指定のコードがこのグループで押下中かどうかを返す
func (g *VirtualInputGroup) Holds(code evdev.EvCode) bool {
	return g.held[code]
}

// Close は仮想デバイスを破棄する
func (g *VirtualInputGroup) Close() error {
	var firstErr error
	for _, dev := range []*evdev.InputDevice{g.kbdDev, g.mouseDev} {
		if dev == nil {
			continue
		}
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// 押下中キー集合を書き込んだイベントに合わせて更新する。
// value 2（リピート）は押下継続として扱い、重複した解放は無視する
func (g *VirtualInputGroup) track(code evdev.EvCode, value int32) {
	if value == 0 {
		delete(g.held, code)
	} else {
		g.held[code] = true
	}
}

func writeOne(w eventWriter, t evdev.EvType, code evdev.EvCode, value int32) error {
	return w.WriteOne(&evdev.InputEvent{Type: t, Code: code, Value: value})
}

func syn(w eventWriter) error {
	return writeOne(w, evdev.EV_SYN, evdev.SYN_REPORT, 0)
}

func writeSynced(w eventWriter, t evdev.EvType, code evdev.EvCode, value int32) error {
	if err := writeOne(w, t, code, value); err != nil {
		return err
	}
	return syn(w)
}

var nonAlphaPattern = regexp.MustCompile(`[^a-zA-Z]`)

// デバイスノードのパスを /tmp/<デバイス名> に書き出す。失敗しても致命的ではない
func advertisePath(name, nodePath string) {
	if nodePath == "" {
		return
	}
	tmpPath := filepath.Join(os.TempDir(), nonAlphaPattern.ReplaceAllString(name, "_"))
	_ = os.WriteFile(tmpPath, []byte(nodePath), 0644)
}
