// Package command 把文档修改包装成可序列化、可逆、可重定位的步骤，种类是封闭的
package command

import (
	"plotLines/backend/internal/document"
)

type Command interface {
	// Execute 执行并记录 Invert 需要的状态
	Execute(d *document.Document) error
	// 必须在 Execute 之后调用
	Invert() Command
	// Map 返回经 m 重定位的副本，不带执行时记录的状态
	Map(m Mapping) Command
	Record() Record

	sealed()
}

type InsertText struct {
	At   document.Pos
	Text document.RichText
}

func (*InsertText) sealed() {}

func (c *InsertText) Execute(d *document.Document) error {
	return d.InsertText(c.Text, c.At)
}

func (c *InsertText) Invert() Command {
	return &DeleteText{Range: document.Range{Start: c.At, End: document.EndOf(c.At, c.Text)}}
}

func (c *InsertText) Map(m Mapping) Command {
	return &InsertText{At: m.MapPos(c.At), Text: c.Text}
}

// 插入点之前的位置不动，其余位置后移到插入内容之后
func (c *InsertText) MapPos(p document.Pos) document.Pos {
	n := len(c.Text)
	if n == 0 || p.Less(c.At) {
		return p
	}
	if p.Line != c.At.Line {
		return document.Pos{Line: p.Line + n - 1, Ch: p.Ch}
	}
	if n == 1 {
		return document.Pos{Line: p.Line, Ch: p.Ch + c.Text[0].Len()}
	}
	return document.Pos{Line: p.Line + n - 1, Ch: c.Text[n-1].Len() + p.Ch - c.At.Ch}
}

func (c *InsertText) Record() Record {
	at := c.At
	return Record{Type: KindInsertText, At: &at, Text: c.Text}
}

type DeleteText struct {
	Range document.Range

	removed document.RichText
}

func (*DeleteText) sealed() {}

func (c *DeleteText) Execute(d *document.Document) error {
	removed, err := d.DeleteText(c.Range)
	if err != nil {
		return err
	}
	c.removed = removed
	return nil
}

func (c *DeleteText) Invert() Command {
	return &InsertText{At: c.Range.Normalize().Start, Text: c.removed}
}

func (c *DeleteText) Map(m Mapping) Command {
	return &DeleteText{Range: m.MapRange(c.Range)}
}

// 范围内的位置收拢到起点，之后的位置前移
func (c *DeleteText) MapPos(p document.Pos) document.Pos {
	r := c.Range.Normalize()
	switch {
	case p.Less(r.Start):
		return p
	case p.Less(r.End):
		return r.Start
	case p.Line == r.End.Line:
		return document.Pos{Line: r.Start.Line, Ch: r.Start.Ch + p.Ch - r.End.Ch}
	default:
		return document.Pos{Line: p.Line - (r.End.Line - r.Start.Line), Ch: p.Ch}
	}
}

func (c *DeleteText) Record() Record {
	r := c.Range
	return Record{Type: KindDeleteText, Range: &r}
}

type SetLineType struct {
	Line int
	Type document.LineType

	prev document.LineType
}

func (*SetLineType) sealed() {}

func (c *SetLineType) Execute(d *document.Document) error {
	prev, err := d.SetLineType(c.Line, c.Type)
	if err != nil {
		return err
	}
	c.prev = prev
	return nil
}

func (c *SetLineType) Invert() Command {
	return &SetLineType{Line: c.Line, Type: c.prev}
}

func (c *SetLineType) Map(m Mapping) Command {
	return &SetLineType{Line: m.MapLine(c.Line), Type: c.Type}
}

func (c *SetLineType) Record() Record {
	line := c.Line
	return Record{Type: KindSetLineType, Line: &line, LineType: c.Type}
}

// ToggleInlineStyle 切换 Range 上的 Style；带 Restore 时改为写回记录的逐字符状态（Invert 产生的就是这种）
type ToggleInlineStyle struct {
	Style   document.Style
	Range   document.Range
	Restore []document.StyleSpan

	prior []document.StyleSpan
}

func (*ToggleInlineStyle) sealed() {}

func (c *ToggleInlineStyle) restoring() bool { return c.Restore != nil }

func (c *ToggleInlineStyle) Execute(d *document.Document) error {
	var (
		prior []document.StyleSpan
		err   error
	)
	if c.restoring() {
		prior, err = d.RestoreInlineStyle(c.Style, c.Range, c.Restore)
	} else {
		prior, err = d.ToggleInlineStyle(c.Style, c.Range)
	}
	if err != nil {
		return err
	}
	if prior == nil {
		prior = []document.StyleSpan{}
	}
	c.prior = prior
	return nil
}

func (c *ToggleInlineStyle) Invert() Command {
	restore := c.prior
	if restore == nil {
		restore = []document.StyleSpan{}
	}
	return &ToggleInlineStyle{Style: c.Style, Range: c.Range, Restore: restore}
}

// 只移动范围；范围变大时 Restore 不变，多出的字符不处理
func (c *ToggleInlineStyle) Map(m Mapping) Command {
	return &ToggleInlineStyle{Style: c.Style, Range: m.MapRange(c.Range), Restore: c.Restore}
}

func (c *ToggleInlineStyle) Record() Record {
	r := c.Range
	rec := Record{Type: KindToggleInlineStyle, Range: &r, Style: c.Style}
	if c.restoring() {
		spans := c.Restore
		rec.Restore = &spans
	}
	return rec
}

var (
	_ Mapper = (*InsertText)(nil)
	_ Mapper = (*DeleteText)(nil)
)

// MapperOf 不影响位置的命令返回 nil
func MapperOf(c Command) Mapper {
	switch v := c.(type) {
	case *InsertText:
		return v
	case *DeleteText:
		return v
	}
	return nil
}
