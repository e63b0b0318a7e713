package features

import (
	"fmt"
	"log"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"
)

// Source は物理入力デバイスのハンドルを包む構造体。
// 再接続時にハンドルが差し替わるため、参照は mu 越しに行う
type Source struct {
	path string

	mu       sync.Mutex
	dev      *evdev.InputDevice
	wantGrab bool
}

// OpenSource は指定されたパスの物理デバイスを開く
func OpenSource(path string) (*Source, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("デバイスファイルを開くのに失敗しました[path=%s]: %w", path, err)
	}
	return &Source{path: path, dev: dev}, nil
}

// Path はデバイスノードのパスを返す
func (s *Source) Path() string {
	return s.path
}

// Device は現在の物理デバイスハンドルを返す。仮想デバイスの複製に使う
func (s *Source) Device() *evdev.InputDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

// Grab はデバイスを専有し、イベントが OS へ届かないようにする。
// 専有の意図は記憶され、再接続後のハンドルにも適用される
func (s *Source) Grab() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wantGrab = true
	if err := s.dev.Grab(); err != nil {
		return fmt.Errorf("デバイスの専有に失敗しました[path=%s]: %w", s.path, err)
	}
	return nil
}

// Release はデバイスの専有を解除する
func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wantGrab = false
	if err := s.dev.Ungrab(); err != nil {
		return fmt.Errorf("デバイスの専有解除に失敗しました[path=%s]: %w", s.path, err)
	}
	return nil
}

// ActiveKeys は OS が現在押下中と報告しているキーのスナップショットを返す。
// ルーターの導出状態ではなくハードウェアの実態を見たいときに使う
func (s *Source) ActiveKeys() evdev.StateMap {
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()

	state, err := dev.State(evdev.EV_KEY)
	if err != nil {
		return nil
	}
	return state
}

// SetLED は物理デバイスの LED を点灯または消灯する
func (s *Source) SetLED(code evdev.EvCode, on bool) error {
	var value int32
	if on {
		value = 1
	}
	s.mu.Lock()
	dev := s.dev
	s.mu.Unlock()

	if err := dev.WriteOne(&evdev.InputEvent{Type: evdev.EV_LED, Code: code, Value: value}); err != nil {
		return fmt.Errorf("LED の設定に失敗しました[path=%s]: %v", s.path, err)
	}
	return nil
}

// Close はデバイスハンドルを閉じる
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev.Close()
}

// Run は物理デバイスからイベントを読み続けて out へ送る。
// 読み取りエラーはデバイス切断とみなし、同じパスが復帰するまで待ってから
// 読み取りを再開する。切断中に失われた入力は補われない
func (s *Source) Run(out chan<- evdev.InputEvent, stop <-chan struct{}) {
	for {
		s.mu.Lock()
		dev := s.dev
		s.mu.Unlock()

		ev, err := dev.ReadOne()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			log.Printf("デバイスが切断されました: %s", s.path)
			if !s.reconnect(stop) {
				return
			}
			continue
		}

		select {
		case out <- *ev:
		case <-stop:
			return
		}
	}
}

// 切断されたデバイスのパスが復帰するのを待ち、ハンドルを差し替える。
// 停止が指示された場合は false を返す
func (s *Source) reconnect(stop <-chan struct{}) bool {
	s.mu.Lock()
	_ = s.dev.Close()
	s.mu.Unlock()

	for {
		if err := WaitForPath(s.path, stop); err != nil {
			return false
		}

		dev, err := evdev.Open(s.path)
		if err != nil {
			// ノードは現れたがまだ開けない。少し待って再試行する
			select {
			case <-stop:
				return false
			case <-time.After(time.Second):
			}
			continue
		}

		s.mu.Lock()
		s.dev = dev
		if s.wantGrab {
			if err := dev.Grab(); err != nil {
				log.Printf("再接続後の専有に失敗しました[path=%s]: %v", s.path, err)
			}
		}
		s.mu.Unlock()

		log.Printf("デバイスが再接続されました: %s", s.path)
		return true
	}
}
