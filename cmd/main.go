package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	evdev "github.com/holoplot/go-evdev"

	"github.com/char5742/virtual-km-switch/internal/config"
	"github.com/char5742/virtual-km-switch/internal/control"
	"github.com/char5742/virtual-km-switch/internal/features"
	"github.com/char5742/virtual-km-switch/internal/switcher"
)

func main() {
	// コマンドライン引数の解析
	configPath := flag.String("config", "", "設定ファイルのパス (指定しない場合はデフォルトパスを使用)")
	listDevices := flag.Bool("list", false, "検出されたデバイスを一覧表示して終了します")
	switchTo := flag.String("switch", "", "起動中のスイッチへ切り替え要求を送って終了します")
	pointerY := flag.Int("y", -1, "-switch と共に送るポインタのY座標")
	flag.Parse()

	if *listDevices {
		runListDevices()
		return
	}

	// デフォルト設定ファイルパスの設定
	defaultConfigPath := ""
	configDir, err := config.GetDefaultConfigDir()
	if err == nil {
		defaultConfigPath = filepath.Join(configDir, "config.toml")
	}

	// 設定ファイルパスの決定
	cfgPath := defaultConfigPath
	if *configPath != "" {
		cfgPath = *configPath
	}

	// 設定ファイルの読み込み
	var cfg *config.Config
	if cfgPath != "" {
		cfg, err = config.LoadConfig(cfgPath)
		if err != nil {
			log.Fatalf("設定ファイルの読み込みに失敗しました: %v", err)
		}
		fmt.Printf("設定ファイルを読み込みました: %s\n", cfgPath)
	} else {
		cfg = config.DefaultConfig()
	}

	if *switchTo != "" {
		runClient(cfg, *switchTo, *pointerY)
		return
	}

	runSwitch(cfg)
}

// 検出されたデバイスを一覧表示する
func runListDevices() {
	devices, err := features.ScanDevices()
	if err != nil {
		log.Fatalf("デバイス一覧の取得に失敗しました: %v", err)
	}
	for _, device := range devices {
		kind := "キーボード"
		if device.Type == features.DeviceTypeMouse {
			kind = "マウス"
		}
		fmt.Printf("%s\t%s\t%s\n", kind, device.Name, device.Path)
	}
}

// 起動中のスイッチの制御リスナーへ切り替え要求を送る
func runClient(cfg *config.Config, name string, y int) {
	token, err := os.ReadFile(config.ExpandPath(cfg.Control.TokenPath))
	if err != nil {
		log.Fatalf("認証トークンの読み込みに失敗しました: %v", err)
	}

	addr := cfg.Control.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatalf("制御リスナーへの接続に失敗しました[addr=%s]: %v", addr, err)
	}
	defer conn.Close()

	command := name
	if y >= 0 {
		command = fmt.Sprintf("%s %d", name, y)
	}
	if _, err := fmt.Fprintf(conn, "%s\n%s\n", strings.TrimSpace(string(token)), command); err != nil {
		log.Fatalf("切り替え要求の送信に失敗しました: %v", err)
	}
}

// スイッチ本体を起動する
func runSwitch(cfg *config.Config) {
	kbdPath := cfg.Devices.KeyboardPath
	if kbdPath == "" {
		path, err := features.FindDevicePath(features.DeviceTypeKeyboard, cfg.Devices.PreferredKeyboard)
		if err != nil {
			log.Fatalf("キーボードデバイスが見つかりませんでした: %v", err)
		}
		kbdPath = path
	}
	mousePath := cfg.Devices.MousePath
	if mousePath == "" {
		path, err := features.FindDevicePath(features.DeviceTypeMouse, cfg.Devices.PreferredMouse)
		if err != nil {
			log.Fatalf("マウスデバイスが見つかりませんでした: %v", err)
		}
		mousePath = path
	}

	kbd, err := features.OpenSource(kbdPath)
	if err != nil {
		log.Fatalf("キーボードを開くのに失敗しました: %v", err)
	}
	defer kbd.Close()
	mouse, err := features.OpenSource(mousePath)
	if err != nil {
		log.Fatalf("マウスを開くのに失敗しました: %v", err)
	}
	defer mouse.Close()

	sw := switcher.New(kbd, mouse)
	sw.SetYield(cfg.Switch.YieldInterval)
	sw.SetNoswitchModifier(cfg.Switch.NoswitchModifier.Code())
	sw.SetNoswitchToggle(cfg.Switch.NoswitchToggle.Code())
	sw.SetHardwareReleaseKey(cfg.Switch.HardwareRelease.Code())

	nudge := make(map[string]int32)
	for _, target := range cfg.Targets {
		group, err := features.NewVirtualInputGroup(target.Name, kbd.Device(), mouse.Device())
		if err != nil {
			log.Fatalf("仮想デバイスの作成に失敗しました[name=%s]: %v", target.Name, err)
		}
		defer group.Close()
		if err := sw.AddTarget(target.Hotkey.Code(), target.Name, target.NotifyKey.Code(), group); err != nil {
			log.Fatalf("ターゲットの登録に失敗しました: %v", err)
		}
		if target.NudgeX != 0 {
			nudge[target.Name] = target.NudgeX
		}
	}

	registerCallbacks(sw, cfg)

	if cfg.Switch.Initial != "" {
		if err := sw.SetActiveByName(cfg.Switch.Initial); err != nil {
			log.Fatalf("初期ターゲットへの切り替えに失敗しました: %v", err)
		}
	}

	if cfg.Control.Enabled {
		server, err := control.NewServer(cfg.Control.Addr, config.ExpandPath(cfg.Control.TokenPath), nudge, sw)
		if err != nil {
			log.Fatalf("制御リスナーの作成に失敗しました: %v", err)
		}
		if err := server.Start(); err != nil {
			log.Fatalf("%v", err)
		}
		defer server.Stop()
	}

	handleSignals(sw)

	if err := sw.Run(); err != nil {
		log.Fatalf("仮想 KM スイッチが停止しました: %v", err)
	}
}

// 設定からコールバックを組み立てて登録する
func registerCallbacks(sw *switcher.VirtualKMSwitch, cfg *config.Config) {
	for _, key := range cfg.Callbacks.Broadcast {
		sw.AddCallback(evdev.EV_KEY, key.Code(), switcher.NewBroadcastHandler(sw))
	}
	for _, tk := range cfg.Callbacks.TargetKeys {
		sw.AddCallback(evdev.EV_KEY, tk.Key.Code(), switcher.NewTargetKeyHandler(sw, tk.Target))
	}
	for _, chord := range cfg.Callbacks.Chords {
		modifiers := make([]evdev.EvCode, 0, len(chord.Modifiers))
		for _, m := range chord.Modifiers {
			modifiers = append(modifiers, m.Code())
		}
		handler := switcher.NewChordHandler(sw, modifiers, chord.Remap.Code())
		sw.AddCallback(evdev.EV_KEY, chord.Key.Code(), handler.Handle)
	}
	for _, wheel := range cfg.Callbacks.Wheel {
		sw.AddCallback(evdev.EV_KEY, wheel.Key.Code(), switcher.NewWheelHandler(sw, wheel.Value))
	}
}

func handleSignals(sw *switcher.VirtualKMSwitch) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("シャットダウンします...")
		// 専有を解除してから終了する。解除せずに落ちると物理デバイスが
		// どこにも届かないままになる
		if err := sw.SetActive(0); err != nil {
			log.Printf("専有解除に失敗しました: %v", err)
		}
		sw.Stop()
		os.Exit(0)
	}()
}
