// Package hotkey turns a global key press into toggle requests.
package hotkey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnsupported is returned by Register on platforms without global hotkeys.
// The daemon stays controllable over the bus and HTTP.
var ErrUnsupported = errors.New("hotkey: global hotkeys are not supported on this platform")

// Modifier masks, as RegisterHotKey expects them.
const (
	ModAlt   uint32 = 0x0001
	ModCtrl  uint32 = 0x0002
	ModShift uint32 = 0x0004
	ModWin   uint32 = 0x0008
)

// Combo is a parsed key combination: a modifier mask and a virtual-key code.
type Combo struct {
	Mod uint32
	VK  uint32
}

var namedKeys = map[string]uint32{
	"esc":       0x1B,
	"escape":    0x1B,
	"space":     0x20,
	"enter":     0x0D,
	"return":    0x0D,
	"tab":       0x09,
	"backspace": 0x08,
	"insert":    0x2D,
	"delete":    0x2E,
	"home":      0x24,
	"end":       0x23,
	"pageup":    0x21,
	"pagedown":  0x22,
	"left":      0x25,
	"up":        0x26,
	"right":     0x27,
	"down":      0x28,
	"pause":     0x13,
	"scroll":    0x91,
	"add":       0x6B,
	"plus":      0x6B,
	"subtract":  0x6D,
	"minus":     0x6D,
}

// Parse accepts combinations such as "F9", "ctrl+shift+d" or "alt+space".
func Parse(s string) (Combo, error) {
	if strings.TrimSpace(s) == "" {
		return Combo{}, errors.New("hotkey: empty key")
	}
	parts := strings.Split(s, "+")
	for i := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(parts[i]))
	}
	var combo Combo
	for _, p := range parts[:len(parts)-1] {
		switch p {
		case "alt", "menu":
			combo.Mod |= ModAlt
		case "ctrl", "control":
			combo.Mod |= ModCtrl
		case "shift":
			combo.Mod |= ModShift
		case "win", "meta", "super":
			combo.Mod |= ModWin
		default:
			return Combo{}, fmt.Errorf("hotkey: unknown modifier %q in %q", p, s)
		}
	}

	key := parts[len(parts)-1]
	if len(key) == 1 {
		ch := key[0]
		switch {
		case ch >= 'a' && ch <= 'z':
			combo.VK = uint32(ch - 'a' + 'A')
			return combo, nil
		case ch >= '0' && ch <= '9':
			combo.VK = uint32(ch)
			return combo, nil
		}
	}
	if n, ok := strings.CutPrefix(key, "f"); ok {
		if v, err := strconv.Atoi(n); err == nil && v >= 1 && v <= 24 {
			combo.VK = 0x70 + uint32(v-1)
			return combo, nil
		}
	}
	for _, prefix := range []string{"numpad", "num", "kp"} {
		if n, ok := strings.CutPrefix(key, prefix); ok {
			if v, err := strconv.Atoi(n); err == nil && v >= 0 && v <= 9 {
				combo.VK = 0x60 + uint32(v)
				return combo, nil
			}
		}
	}
	if vk, ok := namedKeys[key]; ok {
		combo.VK = vk
		return combo, nil
	}
	return Combo{}, fmt.Errorf("hotkey: unsupported key %q", s)
}

// Debouncer lets through at most one press per interval.
type Debouncer struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval, now: time.Now}
}

// Allow reports whether a press at this moment should be acted on.
func (d *Debouncer) Allow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.interval {
		return false
	}
	d.last = now
	return true
}

// Listen registers key and calls press once per debounced key press until
// ctx is cancelled. Registration failures are returned immediately.
func Listen(ctx context.Context, key string, debounce time.Duration, press func()) error {
	combo, err := Parse(key)
	if err != nil {
		return err
	}
	d := NewDebouncer(debounce)
	return register(ctx, combo, func() {
		if d.Allow() {
			press()
		}
	})
}
