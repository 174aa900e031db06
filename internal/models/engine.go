// Package models defines the domain types shared across the capture engine.
package models

import "fmt"

// Engine identifies a target AI answer engine.
type Engine string

const (
	EngineChatGPT    Engine = "chatgpt"
	EnginePerplexity Engine = "perplexity"
	EngineGemini     Engine = "gemini"
	EngineGrok       Engine = "grok"
)

// AllEngines lists every supported engine.
var AllEngines = []Engine{EngineChatGPT, EnginePerplexity, EngineGemini, EngineGrok}

// Valid reports whether e names a supported engine.
func (e Engine) Valid() bool {
	switch e {
	case EngineChatGPT, EnginePerplexity, EngineGemini, EngineGrok:
		return true
	}
	return false
}

func (e Engine) String() string {
	return string(e)
}

// ParseEngine converts a string to an Engine, rejecting unknown names.
func ParseEngine(s string) (Engine, error) {
	e := Engine(s)
	if !e.Valid() {
		return "", fmt.Errorf("unknown engine %q", s)
	}
	return e, nil
}

// Mode selects how a capture is executed.
type Mode string

const (
	ModeBrowser Mode = "browser"
	ModeAPI     Mode = "api"
	ModeHybrid  Mode = "hybrid"
)

// Valid reports whether m names a supported execution mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeBrowser, ModeAPI, ModeHybrid:
		return true
	}
	return false
}
