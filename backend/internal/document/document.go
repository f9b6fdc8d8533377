// Package document 剧本行存储，所有编辑命令最终都落在这里；不关心版本和网络
package document

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrInvalidLine     = errors.New("line index out of range")
	ErrInvalidPosition = errors.New("position out of range")
	ErrUnknownLineType = errors.New("unknown line type")
	ErrUnknownStyle    = errors.New("unknown inline style")
)

type LineType string

const (
	SceneHeading  LineType = "scene-heading"
	Action        LineType = "action"
	Character     LineType = "character"
	Parenthetical LineType = "parenthetical"
	Dialogue      LineType = "dialogue"
	Transition    LineType = "transition"
	Shot          LineType = "shot"
)

func (t LineType) Valid() bool {
	switch t {
	case SceneHeading, Action, Character, Parenthetical, Dialogue, Transition, Shot:
		return true
	}
	return false
}

// Line 一行剧本：类型 + 样式片段
type Line struct {
	Type     LineType  `json:"type"`
	Segments []TextRun `json:"segments"`
}

func (l Line) Len() int { return runsLen(l.Segments) }

func (l Line) Text() string {
	var b strings.Builder
	for _, r := range l.Segments {
		b.WriteString(r.Text)
	}
	return b.String()
}

func (l Line) clone() Line {
	return Line{Type: l.Type, Segments: append([]TextRun(nil), l.Segments...)}
}

// RichText 可跨多行的片段：插入时第一段接到插入点所在行，后面每段各自成为新行
type RichText []Line

// PlainText 按 "\n" 切分字符串，新行使用 lineType
func PlainText(s string, lineType LineType) RichText {
	parts := strings.Split(s, "\n")
	rt := make(RichText, len(parts))
	for i, p := range parts {
		rt[i] = Line{Type: lineType}
		if p != "" {
			rt[i].Segments = []TextRun{{Text: p}}
		}
	}
	return rt
}

func (rt RichText) Text() string {
	parts := make([]string, len(rt))
	for i, l := range rt {
		parts[i] = l.Text()
	}
	return strings.Join(parts, "\n")
}

func (rt RichText) empty() bool {
	return len(rt) == 0 || (len(rt) == 1 && rt[0].Len() == 0)
}

// Document 有序的行列表，零值不可用，用 New 创建
type Document struct {
	lines []Line
}

func New() *Document {
	return &Document{lines: []Line{{Type: Action}}}
}

// FromLines 复制 lines 并规整每行的样式片段
func FromLines(lines []Line) *Document {
	d := &Document{lines: make([]Line, 0, len(lines))}
	for _, l := range lines {
		if !l.Type.Valid() {
			l.Type = Action
		}
		d.lines = append(d.lines, Line{Type: l.Type, Segments: normalize(l.Segments)})
	}
	if len(d.lines) == 0 {
		d.lines = []Line{{Type: Action}}
	}
	return d
}

func (d *Document) LineCount() int { return len(d.lines) }

func (d *Document) Line(i int) (Line, bool) {
	if i < 0 || i >= len(d.lines) {
		return Line{}, false
	}
	return d.lines[i].clone(), true
}

func (d *Document) Lines() []Line {
	out := make([]Line, len(d.lines))
	for i, l := range d.lines {
		out[i] = l.clone()
	}
	return out
}

// 第 i 行的 rune 长度，越界返回 0
func (d *Document) LineLength(i int) int {
	if i < 0 || i >= len(d.lines) {
		return 0
	}
	return d.lines[i].Len()
}

func (d *Document) Text() string {
	parts := make([]string, len(d.lines))
	for i, l := range d.lines {
		parts[i] = l.Text()
	}
	return strings.Join(parts, "\n")
}

// 文档末尾位置
func (d *Document) End() Pos {
	last := len(d.lines) - 1
	return Pos{Line: last, Ch: d.lines[last].Len()}
}

func (d *Document) Clone() *Document {
	return &Document{lines: d.Lines()}
}

// Replace 原地替换内容，持有 d 的地方都能看到新状态
func (d *Document) Replace(other *Document) {
	d.lines = other.Lines()
}

func (d *Document) Equal(other *Document) bool {
	if len(d.lines) != len(other.lines) {
		return false
	}
	for i := range d.lines {
		a, b := d.lines[i], other.lines[i]
		if a.Type != b.Type || len(a.Segments) != len(b.Segments) {
			return false
		}
		for j := range a.Segments {
			if a.Segments[j] != b.Segments[j] {
				return false
			}
		}
	}
	return true
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.lines)
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var lines []Line
	if err := json.Unmarshal(b, &lines); err != nil {
		return err
	}
	*d = *FromLines(lines)
	return nil
}

func (d *Document) checkPos(p Pos) error {
	if p.Line < 0 || p.Line >= len(d.lines) {
		return ErrInvalidLine
	}
	if p.Ch < 0 || p.Ch > d.lines[p.Line].Len() {
		return ErrInvalidPosition
	}
	return nil
}

func (d *Document) checkRange(r Range) error {
	if err := d.checkPos(r.Start); err != nil {
		return err
	}
	return d.checkPos(r.End)
}

// InsertText 在 pos 插入 rt；多行片段会把目标行切开：行首保留原类型，行尾接在最后一个新行后面
func (d *Document) InsertText(rt RichText, pos Pos) error {
	if err := d.checkPos(pos); err != nil {
		return err
	}
	if rt.empty() {
		return nil
	}
	line := d.lines[pos.Line]
	left, right := splitRuns(line.Segments, pos.Ch)

	if len(rt) == 1 {
		d.lines[pos.Line].Segments = normalize(concatRuns(left, rt[0].Segments, right))
		return nil
	}

	n := len(rt)
	repl := make([]Line, 0, n)
	repl = append(repl, Line{Type: line.Type, Segments: normalize(concatRuns(left, rt[0].Segments))})
	for _, mid := range rt[1 : n-1] {
		repl = append(repl, Line{Type: lineTypeOr(mid.Type, line.Type), Segments: normalize(mid.Segments)})
	}
	last := rt[n-1]
	repl = append(repl, Line{Type: lineTypeOr(last.Type, line.Type), Segments: normalize(concatRuns(last.Segments, right))})

	lines := make([]Line, 0, len(d.lines)+n-1)
	lines = append(lines, d.lines[:pos.Line]...)
	lines = append(lines, repl...)
	lines = append(lines, d.lines[pos.Line+1:]...)
	d.lines = lines
	return nil
}

// DeleteText 删除 r 并返回被删内容；跨行删除时首行头部与末行尾部合并
func (d *Document) DeleteText(r Range) (RichText, error) {
	r = r.Normalize()
	if err := d.checkRange(r); err != nil {
		return nil, err
	}
	if r.Empty() {
		return RichText{{Type: d.lines[r.Start.Line].Type}}, nil
	}
	removed, err := d.RichTextInRange(r)
	if err != nil {
		return nil, err
	}

	first := d.lines[r.Start.Line]
	head, _ := splitRuns(first.Segments, r.Start.Ch)
	_, tail := splitRuns(d.lines[r.End.Line].Segments, r.End.Ch)
	merged := Line{Type: first.Type, Segments: normalize(concatRuns(head, tail))}

	lines := make([]Line, 0, len(d.lines)-(r.End.Line-r.Start.Line))
	lines = append(lines, d.lines[:r.Start.Line]...)
	lines = append(lines, merged)
	lines = append(lines, d.lines[r.End.Line+1:]...)
	d.lines = lines
	return removed, nil
}

// 返回修改前的行类型
func (d *Document) SetLineType(i int, t LineType) (LineType, error) {
	if i < 0 || i >= len(d.lines) {
		return "", ErrInvalidLine
	}
	if !t.Valid() {
		return "", ErrUnknownLineType
	}
	prev := d.lines[i].Type
	d.lines[i].Type = t
	return prev, nil
}

// RichTextInRange 复制 r 覆盖的带样式内容，每行一段，保留来源行的类型
func (d *Document) RichTextInRange(r Range) (RichText, error) {
	r = r.Normalize()
	if err := d.checkRange(r); err != nil {
		return nil, err
	}
	if r.Start.Line == r.End.Line {
		l := d.lines[r.Start.Line]
		return RichText{{Type: l.Type, Segments: sliceRuns(l.Segments, r.Start.Ch, r.End.Ch)}}, nil
	}
	out := make(RichText, 0, r.End.Line-r.Start.Line+1)
	first := d.lines[r.Start.Line]
	out = append(out, Line{Type: first.Type, Segments: sliceRuns(first.Segments, r.Start.Ch, first.Len())})
	for i := r.Start.Line + 1; i < r.End.Line; i++ {
		out = append(out, d.lines[i].clone())
	}
	last := d.lines[r.End.Line]
	out = append(out, Line{Type: last.Type, Segments: sliceRuns(last.Segments, 0, r.End.Ch)})
	return out, nil
}

func lineTypeOr(t, fallback LineType) LineType {
	if t.Valid() {
		return t
	}
	return fallback
}
