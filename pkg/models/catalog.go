// Package models lists the supported LLMs and builds providers for them.
package models

import (
	"fmt"
	"sort"
)

// Group is the API family a model is served through.
type Group int

const (
	GroupOpenAI Group = iota
	GroupGemini
	GroupOllama
)

func (g Group) String() string {
	switch g {
	case GroupOpenAI:
		return "openai"
	case GroupGemini:
		return "gemini"
	case GroupOllama:
		return "ollama"
	default:
		return fmt.Sprintf("group(%d)", int(g))
	}
}

// Model is one catalog entry.
type Model struct {
	// Name is the short catalog name, e.g. "Gpt4o".
	Name string
	// ID is the model id sent to the API.
	ID          string
	Group       Group
	ContextSize int
	// NoTemperature is set for models that reject a temperature parameter.
	NoTemperature bool
}

const ctx64k = 65536

var catalog = []Model{
	{Name: "Gpt4o", ID: "gpt-4o", Group: GroupOpenAI, ContextSize: ctx64k},
	{Name: "Gpt4oMini", ID: "gpt-4o-mini", Group: GroupOpenAI, ContextSize: ctx64k},
	{Name: "O3Mini", ID: "o3-mini", Group: GroupOpenAI, ContextSize: ctx64k, NoTemperature: true},
	{Name: "Gemini20Flash", ID: "gemini-2.0-flash-exp", Group: GroupGemini, ContextSize: ctx64k},
	{Name: "Gemini20FlashThink", ID: "gemini-2.0-flash-thinking-exp-01-21", Group: GroupGemini, ContextSize: ctx64k, NoTemperature: true},
	{Name: "Gemini20Pro", ID: "gemini-2.0-pro-exp-02-05", Group: GroupGemini, ContextSize: ctx64k},
	{Name: "Phi3", ID: "phi3:latest", Group: GroupOllama, ContextSize: ctx64k},
	{Name: "Arrowpro", ID: "hawkclaws/datapilot-arrowpro-7b-robinhood:latest", Group: GroupOllama, ContextSize: ctx64k},
	{Name: "LlamaTranslate", ID: "7shi/llama-translate:8b-q4_K_M", Group: GroupOllama, ContextSize: ctx64k},
	{Name: "DeepSeekV3", ID: "nezahatkorkmaz/deepseek-v3:latest", Group: GroupOllama, ContextSize: ctx64k},
	{Name: "DeepSeekR1_1B", ID: "deepseek-r1:1.5b", Group: GroupOllama, ContextSize: ctx64k},
	{Name: "DeepSeekR1_tool_call_7B", ID: "MFDoom/deepseek-r1-tool-calling:7b", Group: GroupOllama, ContextSize: ctx64k},
	{Name: "DeepSeekR1_tool_call_1B", ID: "MFDoom/deepseek-r1-tool-calling:1.5b", Group: GroupOllama, ContextSize: ctx64k},
}

// All returns the catalog in declaration order.
func All() []Model {
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a model by catalog name or API id.
func Lookup(name string) (Model, bool) {
	for _, m := range catalog {
		if m.Name == name || m.ID == name {
			return m, true
		}
	}
	return Model{}, false
}

// IDs returns every API id, sorted.
func IDs() []string {
	ids := make([]string, 0, len(catalog))
	for _, m := range catalog {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

// Lite returns the cheaper model used for page extraction alongside m:
// gpt-4o-mini for the OpenAI family, gemini-2.0-flash-exp otherwise.
func Lite(m Model) Model {
	id := "gemini-2.0-flash-exp"
	if m.Group == GroupOpenAI {
		id = "gpt-4o-mini"
	}
	lite, _ := Lookup(id)
	return lite
}
