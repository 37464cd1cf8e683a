package health

import (
	"context"

	"github.com/adamkimmins/polybot/pkg/provider/tts"
)

// DirChecker is implemented by components backed by a directory that must
// stay readable, such as the voice resolver.
type DirChecker interface {
	Check(ctx context.Context) error
}

// Voices reports whether the voices directory is readable.
func Voices(d DirChecker) Checker {
	return Checker{Name: "voices", Check: d.Check}
}

// Engine reports whether the synthesis backend is reachable. Engines that do
// not implement [tts.Pinger] are assumed healthy.
func Engine(e tts.Engine) Checker {
	return Checker{
		Name: "engine",
		Check: func(ctx context.Context) error {
			if p, ok := e.(tts.Pinger); ok {
				return p.Ping(ctx)
			}
			return nil
		},
	}
}
