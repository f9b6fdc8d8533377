package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"plotLines/backend/internal/document"
)

var ErrMalformedStep = errors.New("malformed step")

type Kind string

const (
	KindInsertText        Kind = "insertText"
	KindDeleteText        Kind = "deleteText"
	KindSetLineType       Kind = "setLineType"
	KindToggleInlineStyle Kind = "toggleInlineStyle"
)

// Record 命令在网络和存储中的扁平形式
type Record struct {
	Type     Kind                  `json:"type"`
	At       *document.Pos         `json:"at,omitempty"`
	Text     document.RichText     `json:"text,omitempty"`
	Range    *document.Range       `json:"range,omitempty"`
	Line     *int                  `json:"line,omitempty"`
	LineType document.LineType     `json:"lineType,omitempty"`
	Style    document.Style        `json:"style,omitempty"`
	Restore  *[]document.StyleSpan `json:"restore,omitempty"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedStep, fmt.Sprintf(format, args...))
}

// Decode 未知类型或缺字段返回 ErrMalformedStep
func Decode(rec Record) (Command, error) {
	switch rec.Type {
	case KindInsertText:
		if rec.At == nil {
			return nil, malformed("insertText needs at")
		}
		return &InsertText{At: *rec.At, Text: rec.Text}, nil
	case KindDeleteText:
		if rec.Range == nil {
			return nil, malformed("deleteText needs range")
		}
		return &DeleteText{Range: *rec.Range}, nil
	case KindSetLineType:
		if rec.Line == nil || !rec.LineType.Valid() {
			return nil, malformed("setLineType needs line and a known lineType")
		}
		return &SetLineType{Line: *rec.Line, Type: rec.LineType}, nil
	case KindToggleInlineStyle:
		if rec.Range == nil || !rec.Style.Valid() {
			return nil, malformed("toggleInlineStyle needs range and a known style")
		}
		c := &ToggleInlineStyle{Style: rec.Style, Range: *rec.Range}
		if rec.Restore != nil {
			c.Restore = append([]document.StyleSpan{}, (*rec.Restore)...)
		}
		return c, nil
	default:
		return nil, malformed("unknown type %q", rec.Type)
	}
}

func Encode(c Command) (json.RawMessage, error) {
	return json.Marshal(c.Record())
}

func EncodeAll(cmds []Command) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(cmds))
	for _, c := range cmds {
		raw, err := Encode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func Parse(raw []byte) (Command, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStep, err)
	}
	return Decode(rec)
}

// ParseAll 尽量解析每个步骤，坏的跳过并合并到返回的错误里
func ParseAll(raws []json.RawMessage) ([]Command, error) {
	cmds := make([]Command, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		c, err := Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", i, err))
			continue
		}
		cmds = append(cmds, c)
	}
	return cmds, errors.Join(errs...)
}
