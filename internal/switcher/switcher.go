// Package switcher は物理キーボードとマウスを専有し、その入力イベントを
// ホットキーで切り替え可能な仮想デバイスの組へ振り分ける仮想 KM スイッチの
// 中核を提供する。
package switcher

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"
)

// Sink は1つのターゲットに対応する仮想キーボードとマウスの組
type Sink interface {
	WriteKey(code evdev.EvCode, value int32) error
	PressAndRelease(code evdev.EvCode) error
	WriteMouseButton(code evdev.EvCode, value int32) error
	QueueMove(code evdev.EvCode, delta int32)
	CommitMove() error
	Scroll(code evdev.EvCode, value int32) error
	Holds(code evdev.EvCode) bool
	Close() error
}

// Source は物理入力デバイス
type Source interface {
	Run(out chan<- evdev.InputEvent, stop <-chan struct{})
	Grab() error
	Release() error
	ActiveKeys() evdev.StateMap
	SetLED(code evdev.EvCode, on bool) error
	Path() string
	Close() error
}

// Callback はイベントタイプとコードの組に登録される処理。
// イベントループから同期的に呼ばれるためブロックしてはならない
type Callback func(ev *evdev.InputEvent)

// CallbackKey はコールバック登録のキー
type CallbackKey struct {
	Type evdev.EvType
	Code evdev.EvCode
}

// Target は切り替え先。設定時に一度だけ登録され、以後破棄されない
type Target struct {
	Name      string
	Hotkey    evdev.EvCode
	NotifyKey evdev.EvCode
	Sink      Sink
}

// VirtualKMSwitch は入力ルーティングの状態機械。
// アクティブターゲット・押下中キー集合・noswitch モードといった状態は
// すべてこの構造体が所有し、イベントループの文脈からのみ書き換えられる。
// 外部スレッドから安全に呼べるのは SetActive 系と InjectEvent だけで、
// どちらも内部のロックで直列化される
type VirtualKMSwitch struct {
	mu sync.Mutex

	kbd     Source
	mouse   Source
	sources []Source

	targets       map[evdev.EvCode]*Target
	targetsByName map[string]*Target

	active           evdev.EvCode // 0 はどのターゲットも選択されていない状態
	hwReleaseKey     evdev.EvCode
	noswitchModifier evdev.EvCode
	noswitchToggle   evdev.EvCode
	noswitch         bool

	callbacks map[CallbackKey][]Callback

	events   chan evdev.InputEvent
	stopChan chan struct{}
	stopOnce sync.Once
	yield    time.Duration
}

// New は物理キーボードとマウスを入力源とするスイッチを作成する
func New(kbd, mouse Source) *VirtualKMSwitch {
	return &VirtualKMSwitch{
		kbd:           kbd,
		mouse:         mouse,
		sources:       []Source{kbd, mouse},
		targets:       make(map[evdev.EvCode]*Target),
		targetsByName: make(map[string]*Target),
		callbacks:     make(map[CallbackKey][]Callback),
		events:        make(chan evdev.InputEvent, 256),
		stopChan:      make(chan struct{}),
		yield:         5 * time.Millisecond,
	}
}

// AddTarget はホットキーで起動するターゲットを登録する。
// 設定時に一度だけ呼ぶこと。重複した登録はエラーになる
func (s *VirtualKMSwitch) AddTarget(hotkey evdev.EvCode, name string, notifyKey evdev.EvCode, sink Sink) error {
	if hotkey == 0 {
		return errors.New("ホットキーが指定されていません")
	}
	if _, ok := s.targets[hotkey]; ok {
		return fmt.Errorf("ホットキーが重複しています: %s", evdev.CodeName(evdev.EV_KEY, hotkey))
	}
	if _, ok := s.targetsByName[name]; ok {
		return fmt.Errorf("ターゲット名が重複しています: %s", name)
	}
	target := &Target{Name: name, Hotkey: hotkey, NotifyKey: notifyKey, Sink: sink}
	s.targets[hotkey] = target
	s.targetsByName[name] = target
	return nil
}

// AddCallback はイベントタイプとコードの組にコールバックを登録する。
// 同じ組に複数登録した場合は登録順にすべて呼び出される
func (s *VirtualKMSwitch) AddCallback(t evdev.EvType, code evdev.EvCode, cb Callback) {
	key := CallbackKey{Type: t, Code: code}
	s.callbacks[key] = append(s.callbacks[key], cb)
}

// SetNoswitchModifier は押下中だけ横取りを無効にする修飾キーを設定する
func (s *VirtualKMSwitch) SetNoswitchModifier(code evdev.EvCode) {
	s.noswitchModifier = code
}

// SetNoswitchToggle は noswitch モードを切り替えるキーを設定する
func (s *VirtualKMSwitch) SetNoswitchToggle(code evdev.EvCode) {
	s.noswitchToggle = code
}

// SetHardwareReleaseKey は専有を解除して物理デバイスを OS に戻すキーを設定する
func (s *VirtualKMSwitch) SetHardwareReleaseKey(code evdev.EvCode) {
	s.hwReleaseKey = code
}

// SetYield はイベントループが1周ごとに休む時間を設定する
func (s *VirtualKMSwitch) SetYield(d time.Duration) {
	if d > 0 {
		s.yield = d
	}
}

// SetActive はホットキーを指定してターゲットを切り替える。
// 0 を渡すと専有を解除して物理デバイスを OS に戻す。
// 外部スレッドから呼んでよい
func (s *VirtualKMSwitch) SetActive(hotkey evdev.EvCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hotkey == 0 {
		s.deactivate()
		return nil
	}
	if _, ok := s.targets[hotkey]; !ok {
		return fmt.Errorf("未知のホットキーです: %s", evdev.CodeName(evdev.EV_KEY, hotkey))
	}
	return s.activate(hotkey)
}

// SetActiveByName は名前を指定してターゲットを切り替える。
// 外部スレッドから呼んでよい
func (s *VirtualKMSwitch) SetActiveByName(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targetsByName[name]
	if !ok {
		return fmt.Errorf("未知のターゲットです: %s", name)
	}
	return s.activate(target.Hotkey)
}

// ActiveName は現在アクティブなターゲットの名前を返す。
// どのターゲットも選択されていなければ空文字を返す
func (s *VirtualKMSwitch) ActiveName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == 0 {
		return ""
	}
	return s.targets[s.active].Name
}

// InjectEvent は合成イベントを物理イベントと同じ分類から処理する。
// 相対移動は呼び出しごとに即座にコミットされる。外部スレッドから呼んでよい
func (s *VirtualKMSwitch) InjectEvent(ev *evdev.InputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.handleEvent(ev); err != nil {
		return err
	}
	return s.commitMotion()
}

// RouteEvent はイベントを通常経路で仮想デバイスへ転送する。
// コールバックが加工済みイベントを流し込むための入口で、
// イベントループの文脈から呼ばれることを前提にロックしない。
// 外部スレッドからは InjectEvent を使うこと
func (s *VirtualKMSwitch) RouteEvent(ev *evdev.InputEvent) error {
	return s.routeEvent(ev)
}

// Broadcast はキーイベントをすべてのターゲットへ届ける。コールバック文脈専用
func (s *VirtualKMSwitch) Broadcast(ev *evdev.InputEvent) error {
	for _, target := range s.targets {
		if err := writeKeyOrButton(target.Sink, ev); err != nil {
			return err
		}
	}
	return nil
}

// WriteKeyTo は指定ターゲットだけへキーイベントを届ける。コールバック文脈専用
func (s *VirtualKMSwitch) WriteKeyTo(name string, ev *evdev.InputEvent) error {
	target, ok := s.targetsByName[name]
	if !ok {
		return fmt.Errorf("未知のターゲットです: %s", name)
	}
	return writeKeyOrButton(target.Sink, ev)
}

// PhysicalKeyHeld は指定のキーのいずれかが物理キーボード上で
// いま押下中かどうかを返す
func (s *VirtualKMSwitch) PhysicalKeyHeld(codes ...evdev.EvCode) bool {
	state := s.kbd.ActiveKeys()
	for _, code := range codes {
		if state[code] {
			return true
		}
	}
	return false
}

// Run はソースの読み取りを開始し、イベントループを回す。
// Stop が呼ばれるまで、またはシンクへの書き込みが失敗するまでブロックする
func (s *VirtualKMSwitch) Run() error {
	for _, src := range s.sources {
		go src.Run(s.events, s.stopChan)
	}

	for {
		select {
		case <-s.stopChan:
			return nil
		case ev := <-s.events:
			if err := s.handleBatch(ev); err != nil {
				return err
			}
		}
		// まとめ書きの効果を高めるため少しだけ休む
		time.Sleep(s.yield)
	}
}

// Stop はイベントループとソースの読み取りを停止する
func (s *VirtualKMSwitch) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// 先頭のイベントに続けて、すでに届いているイベントをすべて処理してから
// 積算された移動量をコミットする。この順序がマウス移動のまとめ書きを
// 成立させている
func (s *VirtualKMSwitch) handleBatch(first evdev.InputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.handleEvent(&first); err != nil {
		return err
	}
	for {
		select {
		case ev := <-s.events:
			if err := s.handleEvent(&ev); err != nil {
				return err
			}
		default:
			return s.commitMotion()
		}
	}
}

// handleEvent はイベントを分類して処理する。優先順位は
// noswitch トグル → noswitch 判定 → 切り替えホットキー →
// ハードウェア復帰キー → コールバック → 通常ルーティング
func (s *VirtualKMSwitch) handleEvent(ev *evdev.InputEvent) error {
	// キーと相対移動以外はこの層では扱わない
	if ev.Type != evdev.EV_KEY && ev.Type != evdev.EV_REL {
		return nil
	}

	if ev.Type == evdev.EV_KEY {
		// noswitch モードのトグルは常に横取りする
		if s.noswitchToggle != 0 && ev.Code == s.noswitchToggle {
			if ev.Value == 1 {
				s.noswitch = !s.noswitch
				s.updateIndicator()
			}
			return nil
		}

		// noswitch 中は修飾キー以外を横取りせず素通しする。
		// 修飾キー自身は押下検出のために横取り可能なままにしておく
		if s.isNoswitch() && ev.Code != s.noswitchModifier {
			return s.routeEvent(ev)
		}

		// 切り替えホットキー。押下エッジで切り替え、他の値も転送はしない
		if _, ok := s.targets[ev.Code]; ok {
			if ev.Value == 1 {
				return s.activate(ev.Code)
			}
			return nil
		}

		// 専有を解除して物理デバイスへ戻すキー
		if s.hwReleaseKey != 0 && ev.Code == s.hwReleaseKey {
			if ev.Value == 1 {
				s.deactivate()
			}
			return nil
		}
	}

	// 登録されたコールバックを登録順にすべて呼び出し、イベントを消費する。
	// 転送したいコールバックは RouteEvent を自分で呼ぶ
	if cbs, ok := s.callbacks[CallbackKey{Type: ev.Type, Code: ev.Code}]; ok {
		for _, cb := range cbs {
			cb(ev)
		}
		return nil
	}

	return s.routeEvent(ev)
}

// noswitch 判定は毎イベント、ハードウェアの実態を参照する。
// 修飾キーはイベントの合間に離されている可能性があるため、
// ルーターの導出状態をキャッシュしてはならない
func (s *VirtualKMSwitch) isNoswitch() bool {
	if s.noswitch {
		return true
	}
	if s.noswitchModifier == 0 {
		return false
	}
	return s.kbd.ActiveKeys()[s.noswitchModifier]
}

func (s *VirtualKMSwitch) updateIndicator() {
	if err := s.kbd.SetLED(evdev.LED_SCROLLL, s.noswitch); err != nil {
		log.Printf("noswitch インジケーターの更新に失敗しました: %v", err)
	}
}

func (s *VirtualKMSwitch) activate(hotkey evdev.EvCode) error {
	target := s.targets[hotkey]
	if s.active == 0 {
		s.grabAll()
	}
	s.active = hotkey
	log.Printf("ターゲットを切り替えました: %s", target.Name)

	// 新しくアクティブになったターゲットの通知キーを全ターゲットへ送り、
	// どこがアクティブになったかを各ターゲット側に伝える
	if target.NotifyKey != 0 {
		for _, each := range s.targets {
			if err := each.Sink.PressAndRelease(target.NotifyKey); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *VirtualKMSwitch) deactivate() {
	for _, src := range s.sources {
		if err := src.Release(); err != nil {
			log.Printf("専有解除に失敗しました: %v", err)
		}
	}
	s.active = 0
	log.Println("物理デバイスの操作を OS に戻しました")
}

// 専有は権限の問題であって分類の正しさには影響しないため、
// 失敗しても致命的にはしない
func (s *VirtualKMSwitch) grabAll() {
	for _, src := range s.sources {
		if err := src.Grab(); err != nil {
			log.Printf("専有に失敗しましたが継続します: %v", err)
		}
	}
}

// routeEvent は通常ルーティングを行う。アクティブターゲットがなければ
// イベントは破棄される
func (s *VirtualKMSwitch) routeEvent(ev *evdev.InputEvent) error {
	if s.active == 0 {
		return nil
	}
	active := s.targets[s.active]

	switch ev.Type {
	case evdev.EV_KEY:
		return s.routeKey(active, ev)
	case evdev.EV_REL:
		switch ev.Code {
		case evdev.REL_X, evdev.REL_Y:
			active.Sink.QueueMove(ev.Code, ev.Value)
		case evdev.REL_WHEEL, evdev.REL_HWHEEL:
			// スクロールは離散的なステップなのでまとめずに送る
			return active.Sink.Scroll(ev.Code, ev.Value)
		}
	}
	return nil
}

// ターゲット切り替え後もキーが押しっぱなしにならないようにするための
// 引き渡し規則。解放イベントは非アクティブでも押下中のターゲットへ届け、
// 他のターゲットがまだ押下中のコードの押下イベントはアクティブへ送らない。
// これにより物理キーが切り替え後に離されても、押下を受けたターゲット側で
// 必ず解放される
func (s *VirtualKMSwitch) routeKey(active *Target, ev *evdev.InputEvent) error {
	for _, target := range s.targets {
		if target == active || !target.Sink.Holds(ev.Code) {
			continue
		}
		if ev.Value == 0 {
			return writeKeyOrButton(target.Sink, ev)
		}
		// リピートも押下として扱い、他ターゲットが押下中の間は送らない
		return nil
	}
	return writeKeyOrButton(active.Sink, ev)
}

func (s *VirtualKMSwitch) commitMotion() error {
	for _, target := range s.targets {
		if err := target.Sink.CommitMove(); err != nil {
			return err
		}
	}
	return nil
}

func writeKeyOrButton(sink Sink, ev *evdev.InputEvent) error {
	if isMouseButton(ev.Code) {
		return sink.WriteMouseButton(ev.Code, ev.Value)
	}
	return sink.WriteKey(ev.Code, ev.Value)
}

// BTN_LEFT から BTN_EXTRA までをマウスボタンとして扱う
func isMouseButton(code evdev.EvCode) bool {
	return code >= evdev.BTN_LEFT && code <= evdev.BTN_EXTRA
}
