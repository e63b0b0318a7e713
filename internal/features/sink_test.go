package features

import (
	"testing"

	evdev "github.com/holoplot/go-evdev"
)

// 仮想デバイスの代わりに書き込まれたイベントを記録するフェイク
type fakeWriter struct {
	events []evdev.InputEvent
}

func (w *fakeWriter) WriteOne(ev *evdev.InputEvent) error {
	w.events = append(w.events, *ev)
	return nil
}

func newTestGroup() (*VirtualInputGroup, *fakeWriter, *fakeWriter) {
	kbd := &fakeWriter{}
	mouse := &fakeWriter{}
	g := &VirtualInputGroup{
		name:  "test",
		kbd:   kbd,
		mouse: mouse,
		held:  make(map[evdev.EvCode]bool),
	}
	return g, kbd, mouse
}

func TestWriteKeyTracksHeldKeys(t *testing.T) {
	g, kbd, _ := newTestGroup()

	if err := g.WriteKey(evdev.KEY_A, 1); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if !g.Holds(evdev.KEY_A) {
		t.Error("押下後は押下中であること")
	}

	// リピートは押下継続として扱う
	if err := g.WriteKey(evdev.KEY_A, 2); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if !g.Holds(evdev.KEY_A) {
		t.Error("リピート後も押下中であること")
	}

	if err := g.WriteKey(evdev.KEY_A, 0); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if g.Holds(evdev.KEY_A) {
		t.Error("解放後は押下中でないこと")
	}

	// 重複した解放でも壊れない
	if err := g.WriteKey(evdev.KEY_A, 0); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if g.Holds(evdev.KEY_A) {
		t.Error("重複解放後も押下中でないこと")
	}

	// キー1件ごとに EV_KEY + SYN_REPORT が書かれる
	if len(kbd.events) != 8 {
		t.Errorf("書き込まれたイベント数が想定と異なります: %d", len(kbd.events))
	}
	if kbd.events[1].Type != evdev.EV_SYN || kbd.events[1].Code != evdev.SYN_REPORT {
		t.Errorf("キーの直後に同期イベントが書かれること: %+v", kbd.events[1])
	}
}

func TestPressAndRelease(t *testing.T) {
	g, kbd, _ := newTestGroup()

	if err := g.PressAndRelease(evdev.KEY_KP1); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if g.Holds(evdev.KEY_KP1) {
		t.Error("押下と解放の後は押下中でないこと")
	}

	values := []int32{}
	for _, ev := range kbd.events {
		if ev.Type == evdev.EV_KEY {
			values = append(values, ev.Value)
		}
	}
	if len(values) != 2 || values[0] != 1 || values[1] != 0 {
		t.Errorf("押下と解放が順に書かれること: %v", values)
	}
}

func TestWriteMouseButtonTracksHeldButtons(t *testing.T) {
	g, _, mouse := newTestGroup()

	if err := g.WriteMouseButton(evdev.BTN_LEFT, 1); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if !g.Holds(evdev.BTN_LEFT) {
		t.Error("押下後は押下中であること")
	}
	if len(mouse.events) != 2 || mouse.events[0].Type != evdev.EV_KEY || mouse.events[0].Code != evdev.BTN_LEFT {
		t.Errorf("ボタンイベントが仮想マウスへ書かれること: %+v", mouse.events)
	}
}

func TestCommitMoveCoalescesQueuedMotion(t *testing.T) {
	g, _, mouse := newTestGroup()

	g.QueueMove(evdev.REL_X, 3)
	g.QueueMove(evdev.REL_X, 4)
	g.QueueMove(evdev.REL_Y, -2)
	if len(mouse.events) != 0 {
		t.Fatal("コミット前には何も書かれないこと")
	}

	if err := g.CommitMove(); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	// REL_X + REL_Y + SYN_REPORT の3件
	if len(mouse.events) != 3 {
		t.Fatalf("書き込まれたイベント数が想定と異なります: %d", len(mouse.events))
	}
	if mouse.events[0].Code != evdev.REL_X || mouse.events[0].Value != 7 {
		t.Errorf("X 方向の移動が積算されること: %+v", mouse.events[0])
	}
	if mouse.events[1].Code != evdev.REL_Y || mouse.events[1].Value != -2 {
		t.Errorf("Y 方向の移動が積算されること: %+v", mouse.events[1])
	}
	if mouse.events[2].Type != evdev.EV_SYN {
		t.Errorf("最後に同期イベントが書かれること: %+v", mouse.events[2])
	}

	// コミット後は積算がリセットされる
	if err := g.CommitMove(); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(mouse.events) != 3 {
		t.Error("積算がないときは何も書かれないこと")
	}
}

func TestCommitMoveSingleAxis(t *testing.T) {
	g, _, mouse := newTestGroup()

	g.QueueMove(evdev.REL_Y, 5)
	if err := g.CommitMove(); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if len(mouse.events) != 2 {
		t.Fatalf("書き込まれたイベント数が想定と異なります: %d", len(mouse.events))
	}
	if mouse.events[0].Code != evdev.REL_Y || mouse.events[0].Value != 5 {
		t.Errorf("Y 方向の移動だけが書かれること: %+v", mouse.events[0])
	}
}

func TestScrollWritesImmediately(t *testing.T) {
	g, _, mouse := newTestGroup()

	if err := g.Scroll(evdev.REL_WHEEL, -1); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if len(mouse.events) != 2 {
		t.Fatalf("書き込まれたイベント数が想定と異なります: %d", len(mouse.events))
	}
	if mouse.events[0].Type != evdev.EV_REL || mouse.events[0].Code != evdev.REL_WHEEL || mouse.events[0].Value != -1 {
		t.Errorf("スクロールが即座に書かれること: %+v", mouse.events[0])
	}
}
