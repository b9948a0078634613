//go:build no_automation

package automation

import (
	"errors"
	"log/slog"

	"rgbw-ctrl/internal/router"
)

var errDisabled = errors.New("automation disabled")

// Library is a no-op when built with no_automation.
type Library struct{}

func NewLibrary(_ string) (*Library, error)        { return nil, errDisabled }
func (l *Library) List() ([]*Script, error)        { return nil, nil }
func (l *Library) Get(_ string) (*Script, error)   { return nil, errDisabled }
func (l *Library) Save(_ *Script) (*Script, error) { return nil, errDisabled }
func (l *Library) Delete(_ string) error           { return errDisabled }

// Engine is a no-op when built with no_automation.
type Engine struct{}

func NewEngine(_ *router.Router, _ *Library, _ *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                        {}
func (e *Engine) Stop()                         {}
func (e *Engine) ReloadScript(_ string) error   { return nil }
func (e *Engine) StopScript(_ string)           {}
func (e *Engine) RunScript(_ string) *RunResult { return &RunResult{Error: errDisabled.Error()} }
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}
