package automation

import "errors"

var (
	// ErrScriptNotFound is returned for an ID with no stored script.
	ErrScriptNotFound = errors.New("script not found")
	// ErrInvalidScript marks a malformed ID, header or Lua chunk.
	ErrInvalidScript = errors.New("invalid script")
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// Script is one automation: metadata plus Lua source.
type Script struct {
	ID      string     `json:"id"`
	Meta    ScriptMeta `json:"meta"`
	LuaCode string     `json:"lua_code"`
}

// RunResult is the outcome of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}
