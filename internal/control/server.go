// Package control は外部プロセスからの切り替え要求を受け付ける
// 行ベースの TCP リスナーを提供する。プロトコルは1行目が認証トークン、
// 2行目が「ターゲット名 [ポインタのY座標]」で、1コネクション1コマンド。
// 応答は一切返さない
package control

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"
)

// Switcher は制御リスナーが呼び出すルーターの操作。
// どちらもスレッド安全であること
type Switcher interface {
	SetActiveByName(name string) error
	InjectEvent(ev *evdev.InputEvent) error
}

const (
	// 1行の最大長。これを超える入力は不正とみなして切断する
	maxLineLength = 0x2000
	// 縦方向の移動を分割するときの1ステップの最大量
	moveStep = 100
)

// Server は制御リスナー
type Server struct {
	addr  string
	auth  []byte
	sw    Switcher
	nudge map[string]int32

	mu    sync.Mutex
	ln    net.Listener
	lastY int
}

// NewServer は制御リスナーを作成する。認証トークンは tokenPath の
// ファイルから読み込み、前後の空白を除いてバイト列として比較する。
// nudge はターゲットごとの画面端から離す移動量（省略可）
func NewServer(addr, tokenPath string, nudge map[string]int32, sw Switcher) (*Server, error) {
	token, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("認証トークンの読み込みに失敗しました[path=%s]: %w", tokenPath, err)
	}
	auth := bytes.TrimSpace(token)
	if len(auth) == 0 {
		return nil, fmt.Errorf("認証トークンが空です[path=%s]", tokenPath)
	}
	return &Server{addr: addr, auth: auth, sw: sw, nudge: nudge, lastY: -1}, nil
}

// Start はリスナーを開始し、受け付けをバックグラウンドで続ける
func (s *Server) Start() error {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("制御リスナーの開始に失敗しました[addr=%s]: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	log.Printf("制御リスナーを開始します: %s", ln.Addr())
	go s.acceptLoop(ln)
	return nil
}

// Stop はリスナーを停止する
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

// Addr は待ち受け中のアドレスを返す
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// 再起動直後でも同じポートで待ち受けられるよう SO_REUSEADDR を立てる
func reuseAddr(network, address string, c syscall.RawConn) error {
	var soErr error
	if err := c.Control(func(fd uintptr) {
		soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return soErr
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// リスナーが閉じられた
			return
		}
		go s.handleConn(conn)
	}
}

// 認証に失敗した場合は何も応答せずに切断する。認証されていない相手に
// 返すべきエラーチャネルは存在しない
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(io.LimitReader(conn, maxLineLength*2))

	token, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	if !bytes.Equal(bytes.TrimSpace([]byte(token)), s.auth) {
		return
	}

	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	name := fields[0]
	if err := s.sw.SetActiveByName(name); err != nil {
		log.Printf("切り替え要求を処理できませんでした: %v", err)
		return
	}

	// ポインタを画面端から少しだけ離す
	if dx := s.nudge[name]; dx != 0 {
		s.injectMove(evdev.REL_X, dx)
	}

	if len(fields) < 2 {
		return
	}
	y, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	s.moveVertical(y)
}

// 制御側のポインタ位置に受け側のポインタを近づける。前回の位置が
// 分かっている場合のみ、その差分を最大 moveStep ずつに分割して送る。
// 1ステップの注入が1回のフラッシュに対応するため、受け側では
// なめらかな移動として観測される
func (s *Server) moveVertical(currentY int) {
	s.mu.Lock()
	lastY := s.lastY
	s.lastY = currentY
	s.mu.Unlock()

	if lastY < 0 {
		return
	}

	left := currentY - lastY
	for left != 0 {
		step := left
		if step > moveStep {
			step = moveStep
		}
		if step < -moveStep {
			step = -moveStep
		}
		s.injectMove(evdev.REL_Y, int32(step))
		left -= step
	}
}

func (s *Server) injectMove(code evdev.EvCode, delta int32) {
	ev := evdev.InputEvent{Type: evdev.EV_REL, Code: code, Value: delta}
	if err := s.sw.InjectEvent(&ev); err != nil {
		log.Printf("移動イベントの注入に失敗しました: %v", err)
	}
}
