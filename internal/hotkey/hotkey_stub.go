//go:build !windows

package hotkey

import "context"

func register(context.Context, Combo, func()) error {
	return ErrUnsupported
}
