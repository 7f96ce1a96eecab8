// Package keyboard types text through synthetic key events. Letters, digits,
// space and newline are sent as keystrokes; anything else is pasted through
// the clipboard, which is restored afterwards.
package keyboard

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
	"unicode"

	"github.com/atotto/clipboard"
	"github.com/micmonay/keybd_event"

	"github.com/loqalabs/kevio/internal/inject"
)

// settle is how long the clipboard needs before and after a paste.
const settle = 80 * time.Millisecond

type keystroke struct {
	key   int
	shift bool
}

var letterKeys = [26]int{
	keybd_event.VK_A, keybd_event.VK_B, keybd_event.VK_C, keybd_event.VK_D, keybd_event.VK_E,
	keybd_event.VK_F, keybd_event.VK_G, keybd_event.VK_H, keybd_event.VK_I, keybd_event.VK_J,
	keybd_event.VK_K, keybd_event.VK_L, keybd_event.VK_M, keybd_event.VK_N, keybd_event.VK_O,
	keybd_event.VK_P, keybd_event.VK_Q, keybd_event.VK_R, keybd_event.VK_S, keybd_event.VK_T,
	keybd_event.VK_U, keybd_event.VK_V, keybd_event.VK_W, keybd_event.VK_X, keybd_event.VK_Y,
	keybd_event.VK_Z,
}

var digitKeys = [10]int{
	keybd_event.VK_0, keybd_event.VK_1, keybd_event.VK_2, keybd_event.VK_3, keybd_event.VK_4,
	keybd_event.VK_5, keybd_event.VK_6, keybd_event.VK_7, keybd_event.VK_8, keybd_event.VK_9,
}

// lookup maps r to a keystroke when it can be typed directly.
func lookup(r rune) (keystroke, bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return keystroke{key: letterKeys[r-'a']}, true
	case r >= 'A' && r <= 'Z':
		return keystroke{key: letterKeys[r-'A'], shift: true}, true
	case r >= '0' && r <= '9':
		return keystroke{key: digitKeys[r-'0']}, true
	case r == ' ':
		return keystroke{key: keybd_event.VK_SPACE}, true
	case r == '\n':
		return keystroke{key: keybd_event.VK_ENTER}, true
	}
	return keystroke{}, false
}

// chunk is either a single keystroke or a run of text to paste.
type chunk struct {
	stroke keystroke
	paste  string
}

func plan(text string) []chunk {
	var (
		out []chunk
		run []rune
	)
	flush := func() {
		if len(run) > 0 {
			out = append(out, chunk{paste: string(run)})
			run = run[:0]
		}
	}
	for _, r := range text {
		if ks, ok := lookup(r); ok {
			flush()
			out = append(out, chunk{stroke: ks})
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		run = append(run, r)
	}
	flush()
	return out
}

type Injector struct {
	kb     keybd_event.KeyBonding
	logger *slog.Logger
}

// New creates the virtual keyboard. On Linux this needs write access to
// /dev/uinput and the device takes a moment to appear.
func New(logger *slog.Logger) (*Injector, error) {
	kb, err := keybd_event.NewKeyBonding()
	if err != nil {
		return nil, fmt.Errorf("create virtual keyboard: %w", err)
	}
	if runtime.GOOS == "linux" {
		time.Sleep(2 * time.Second)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{kb: kb, logger: logger.With(slog.String("component", "keyboard"))}, nil
}

func (k *Injector) Inject(ctx context.Context, text string, pace inject.Pacer) error {
	for _, c := range plan(text) {
		if err := pace.Wait(ctx); err != nil {
			return err
		}
		if c.paste != "" {
			if err := k.paste(c.paste); err != nil {
				return err
			}
			continue
		}
		k.kb.Clear()
		k.kb.HasSHIFT(c.stroke.shift)
		k.kb.SetKeys(c.stroke.key)
		if err := k.kb.Launching(); err != nil {
			return fmt.Errorf("send key: %w", err)
		}
	}
	return nil
}

func (k *Injector) paste(text string) error {
	orig, readErr := clipboard.ReadAll()
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("write clipboard: %w", err)
	}
	time.Sleep(settle)

	k.kb.Clear()
	k.kb.HasSHIFT(false)
	k.kb.HasCTRL(true)
	k.kb.SetKeys(keybd_event.VK_V)
	err := k.kb.Launching()
	k.kb.HasCTRL(false)
	if err != nil {
		return fmt.Errorf("send paste shortcut: %w", err)
	}
	time.Sleep(settle)
	if readErr == nil {
		if err := clipboard.WriteAll(orig); err != nil {
			k.logger.Debug("restore clipboard failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

var _ inject.Injector = (*Injector)(nil)
