package switcher

import (
	"log"

	evdev "github.com/holoplot/go-evdev"
)

// このファイルのハンドラーは AddCallback に登録して使う部品で、
// 設定ファイルから組み立てられる。いずれもイベントループの文脈で
// 同期的に呼ばれる。

// NewBroadcastHandler は受け取ったイベントをそのまま全ターゲットへ
// 届けるコールバックを返す（VoIP のミュートキーを全 VM で効かせる用途など）
func NewBroadcastHandler(s *VirtualKMSwitch) Callback {
	return func(ev *evdev.InputEvent) {
		if err := s.Broadcast(ev); err != nil {
			log.Printf("ブロードキャストに失敗しました: %v", err)
		}
	}
}

// NewTargetKeyHandler はアクティブターゲットに関係なく、特定の
// ターゲットだけへイベントを届けるコールバックを返す
// （クリップボード連携キーを特定の VM に固定する用途など）
func NewTargetKeyHandler(s *VirtualKMSwitch, target string) Callback {
	return func(ev *evdev.InputEvent) {
		if err := s.WriteKeyTo(target, ev); err != nil {
			log.Printf("ターゲットへの送信に失敗しました[target=%s]: %v", target, err)
		}
	}
}

// ChordHandler は修飾キーとの同時押しをそのまま通し、単独押しでは別の
// コードへ割り当て直して全ターゲットへ届ける状態機械。
// Alt+F4 を通常のキー操作として通しつつ、単独の F4 をテンキーへ
// 割り当て直すといった使い方をする。
//
// 状態は chordActive のみ。修飾キーと共に押下された時点で true になり、
// そのキーが解放されるまで通常経路を維持する。修飾キーがキーの解放前に
// 離されても、進行中の同時押しが割り当て直しに化けることはない
type ChordHandler struct {
	sw          *VirtualKMSwitch
	modifiers   []evdev.EvCode
	remap       evdev.EvCode
	chordActive bool
}

// NewChordHandler は同時押し判定用の修飾キー群と、単独押し時の
// 割り当て先コードを指定してハンドラーを作成する
func NewChordHandler(sw *VirtualKMSwitch, modifiers []evdev.EvCode, remap evdev.EvCode) *ChordHandler {
	return &ChordHandler{sw: sw, modifiers: modifiers, remap: remap}
}

// Handle はコールバックとして登録する
func (h *ChordHandler) Handle(ev *evdev.InputEvent) {
	if (ev.Value == 1 && h.sw.PhysicalKeyHeld(h.modifiers...)) || h.chordActive {
		h.chordActive = ev.Value != 0
		if err := h.sw.RouteEvent(ev); err != nil {
			log.Printf("同時押しの転送に失敗しました: %v", err)
		}
		return
	}

	remapped := *ev
	remapped.Code = h.remap
	if err := h.sw.Broadcast(&remapped); err != nil {
		log.Printf("割り当て直したキーの送信に失敗しました: %v", err)
	}
}

// NewWheelHandler はキーの押下エッジを水平スクロール1ステップへ
// 変換するコールバックを返す（テンキーを横スクロールに使う用途）
func NewWheelHandler(sw *VirtualKMSwitch, value int32) Callback {
	return func(ev *evdev.InputEvent) {
		// 押下エッジのみ。リピートと解放は無視する
		if ev.Value != 1 {
			return
		}
		scroll := evdev.InputEvent{Type: evdev.EV_REL, Code: evdev.REL_HWHEEL, Value: value}
		if err := sw.RouteEvent(&scroll); err != nil {
			log.Printf("スクロールの転送に失敗しました: %v", err)
		}
	}
}
