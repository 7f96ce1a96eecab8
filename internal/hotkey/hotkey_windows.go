//go:build windows

package hotkey

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
	"time"
	"unsafe"
)

const (
	modNoRepeat = 0x4000
	wmHotkey    = 0x0312
	wmQuit      = 0x0012
	hotkeyID    = 1
)

var (
	user32                 = syscall.NewLazyDLL("user32.dll")
	kernel32               = syscall.NewLazyDLL("kernel32.dll")
	procRegisterHotKey     = user32.NewProc("RegisterHotKey")
	procUnregisterHotKey   = user32.NewProc("UnregisterHotKey")
	procGetMessageW        = user32.NewProc("GetMessageW")
	procPostThreadMessageW = user32.NewProc("PostThreadMessageW")
	procGetCurrentThreadID = kernel32.NewProc("GetCurrentThreadId")
)

type msg struct {
	Hwnd    uintptr
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	PtX     int32
	PtY     int32
}

// register runs a message loop on a locked OS thread. RegisterHotKey binds
// the hotkey to the calling thread, so everything happens on that goroutine.
func register(ctx context.Context, combo Combo, press func()) error {
	type registered struct {
		threadID uintptr
		err      error
	}
	ready := make(chan registered, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		tid, _, _ := procGetCurrentThreadID.Call()
		r, _, callErr := procRegisterHotKey.Call(0, hotkeyID, uintptr(combo.Mod|modNoRepeat), uintptr(combo.VK))
		if r == 0 {
			ready <- registered{err: fmt.Errorf("hotkey: RegisterHotKey failed (already in use?): %v", callErr)}
			return
		}
		defer procUnregisterHotKey.Call(0, hotkeyID)
		ready <- registered{threadID: tid}

		var m msg
		for {
			ret, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&m)), 0, 0, 0)
			if int32(ret) <= 0 {
				// 0 is WM_QUIT, -1 an error
				return
			}
			if m.Message == wmHotkey && m.WParam == hotkeyID {
				press()
			}
		}
	}()

	select {
	case res := <-ready:
		if res.err != nil {
			return res.err
		}
		go func() {
			<-ctx.Done()
			procPostThreadMessageW.Call(res.threadID, wmQuit, 0, 0)
		}()
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("hotkey: timeout registering %v", combo)
	}
}
