// Package parser separates reasoning output from the answer in LLM streams.
package parser

import (
	"strings"

	"github.com/entrhq/webpilot/pkg/llm"
)

// openTags and closeTags are the reasoning delimiters emitted by the
// supported models: deepseek-r1 uses <think>, prompted models <thinking>.
var (
	openTags  = map[string]bool{"<think>": true, "<thinking>": true}
	closeTags = map[string]bool{"</think>": true, "</thinking>": true}
)

// maxTagLen bounds how much text is held back while a '<' might start a tag.
const maxTagLen = len("</thinking>")

// ThinkingParser splits streamed content into reasoning and message chunks.
// Tags may be split across chunks; text that only looks like the start of a
// tag is released as soon as it cannot become one.
type ThinkingParser struct {
	text       strings.Builder
	tag        strings.Builder
	inTag      bool
	inThinking bool

	thinking *llm.StreamChunk
	message  *llm.StreamChunk
}

// NewThinkingParser creates a parser in message mode.
func NewThinkingParser() *ThinkingParser {
	return &ThinkingParser{}
}

// Parse consumes one content delta and returns what can be emitted so far.
// Either result may be nil.
func (p *ThinkingParser) Parse(content string) (thinkingChunk, messageChunk *llm.StreamChunk) {
	for _, ch := range content {
		switch {
		case ch == '<':
			if p.inTag {
				// The previous '<' did not open a tag.
				p.emit(p.tag.String())
			}
			p.flushText()
			p.inTag = true
			p.tag.Reset()
			p.tag.WriteRune(ch)

		case p.inTag && ch == '>':
			p.tag.WriteRune(ch)
			p.closeTag()

		case p.inTag:
			p.tag.WriteRune(ch)
			if p.tag.Len() > maxTagLen {
				p.inTag = false
				p.text.WriteString(p.tag.String())
				p.tag.Reset()
			}

		default:
			p.text.WriteRune(ch)
		}
	}
	p.flushText()
	return p.take()
}

func (p *ThinkingParser) closeTag() {
	tag := p.tag.String()
	p.tag.Reset()
	p.inTag = false

	switch {
	case openTags[tag]:
		p.inThinking = true
	case closeTags[tag]:
		p.inThinking = false
	default:
		p.emit(tag)
	}
}

func (p *ThinkingParser) flushText() {
	if p.text.Len() == 0 {
		return
	}
	p.emit(p.text.String())
	p.text.Reset()
}

// emit appends text to the pending chunk of the current mode.
func (p *ThinkingParser) emit(text string) {
	if text == "" {
		return
	}
	target, typ := &p.message, llm.ContentTypeMessage
	if p.inThinking {
		target, typ = &p.thinking, llm.ContentTypeThinking
	}
	if *target == nil {
		*target = &llm.StreamChunk{Type: typ}
	}
	(*target).Content += text
}

func (p *ThinkingParser) take() (thinkingChunk, messageChunk *llm.StreamChunk) {
	thinkingChunk, messageChunk = p.thinking, p.message
	p.thinking, p.message = nil, nil
	return thinkingChunk, messageChunk
}

// IsInThinking reports whether the parser is inside a reasoning block.
func (p *ThinkingParser) IsInThinking() bool {
	return p.inThinking
}

// Flush releases held-back text at the end of a stream.
func (p *ThinkingParser) Flush() (thinkingChunk, messageChunk *llm.StreamChunk) {
	if p.inTag {
		p.inTag = false
		p.emit(p.tag.String())
		p.tag.Reset()
	}
	p.flushText()
	return p.take()
}

// Reset prepares the parser for a new stream.
func (p *ThinkingParser) Reset() {
	p.text.Reset()
	p.tag.Reset()
	p.inTag = false
	p.inThinking = false
	p.thinking, p.message = nil, nil
}

// Strip removes reasoning blocks from a complete response.
func Strip(content string) string {
	p := NewThinkingParser()
	var out strings.Builder
	if _, m := p.Parse(content); m != nil {
		out.WriteString(m.Content)
	}
	if _, m := p.Flush(); m != nil {
		out.WriteString(m.Content)
	}
	return strings.TrimSpace(out.String())
}
