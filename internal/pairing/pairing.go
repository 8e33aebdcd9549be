// Package pairing shows pairing codes to the operator so a device can link the relay.
package pairing

import (
	"io"
	"os"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"
)

// Renderer displays a pairing code.
type Renderer interface {
	Render(code string)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(code string)

func (f RendererFunc) Render(code string) {
	f(code)
}

// TerminalRenderer draws pairing codes as half-block QR codes.
type TerminalRenderer struct {
	mu  sync.Mutex
	out io.Writer
}

func NewTerminalRenderer(out io.Writer) *TerminalRenderer {
	if out == nil {
		out = os.Stdout
	}
	return &TerminalRenderer{out: out}
}

func (r *TerminalRenderer) Render(code string) {
	if code == "" {
		return
	}
	log.Info().Str("code", code).Msg("pairing.Render scan the code below to link this relay")
	r.mu.Lock()
	defer r.mu.Unlock()
	qrterminal.GenerateWithConfig(code, qrterminal.Config{
		Level:          qrterminal.L,
		Writer:         r.out,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		QuietZone:      1,
	})
}

// Discard ignores pairing codes.
var Discard Renderer = RendererFunc(func(string) {})
