package features

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Device は検出された物理入力デバイス
type Device struct {
	Name string
	Path string
	Type DeviceType
}

// デバイスタイプを表す列挙型
type DeviceType int

const (
	DeviceTypeKeyboard DeviceType = iota
	DeviceTypeMouse
)

// ScanDevices は /dev/input/by-id 配下から現在接続されている
// キーボードとマウスのデバイスリストを返す
func ScanDevices() ([]Device, error) {
	entries, err := os.ReadDir("/dev/input/by-id")
	if err != nil {
		return nil, err
	}
	var devices []Device
	for _, entry := range entries {
		// event が含まれない場合はスキップ
		if !strings.Contains(entry.Name(), "event") {
			continue
		}
		fullPath := "/dev/input/by-id/" + entry.Name()
		realPath, err := os.Readlink(fullPath)
		if err != nil {
			continue
		}

		absPath := realPath
		if !strings.HasPrefix(realPath, "/") {
			absPath = "/dev/input/" + filepath.Base(realPath)
		}

		if strings.Contains(entry.Name(), "kbd") {
			devices = append(devices, Device{Name: entry.Name(), Path: absPath, Type: DeviceTypeKeyboard})
		}
		if strings.Contains(entry.Name(), "mouse") {
			devices = append(devices, Device{Name: entry.Name(), Path: absPath, Type: DeviceTypeMouse})
		}
	}

	return devices, nil
}

// FindDevicePath は指定タイプのデバイスのパスを返す。
// preferred が空でなければ名前にそれを含むデバイスを優先し、
// 見つからなければ最初に検出されたデバイスを使う
func FindDevicePath(t DeviceType, preferred string) (string, error) {
	devices, err := ScanDevices()
	if err != nil {
		return "", fmt.Errorf("デバイス一覧の取得に失敗しました: %w", err)
	}

	first := ""
	for _, device := range devices {
		if device.Type != t {
			continue
		}
		if first == "" {
			first = device.Path
		}
		if preferred != "" && strings.Contains(device.Name, preferred) {
			return device.Path, nil
		}
	}
	if first == "" {
		return "", errors.New("対象タイプのデバイスが見つかりませんでした")
	}
	return first, nil
}

var errWaitStopped = errors.New("デバイスの待機が停止されました")

// WaitForPath は指定パスが出現するまで待機する。
// 親ディレクトリの fsnotify 監視を基本とし、イベントの取りこぼしに備えて
// 1秒間隔のポーリングで補完する
func WaitForPath(path string, stop <-chan struct{}) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("ファイルシステム監視を開始できませんでした: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			log.Printf("ディレクトリの監視に失敗しました[dir=%s]: %v", filepath.Dir(path), err)
		} else {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return errWaitStopped
		case <-ticker.C:
		case <-events:
		case err := <-watchErrs:
			log.Printf("ファイルシステム監視エラー: %v", err)
		}

		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
}
