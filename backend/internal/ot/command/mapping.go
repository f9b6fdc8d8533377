package command

import "plotLines/backend/internal/document"

// Mapper 把一次编辑之前的位置换算成之后的位置
type Mapper interface {
	MapPos(p document.Pos) document.Pos
}

type Mapping []Mapper

func (m Mapping) Append(ms ...Mapper) Mapping {
	out := make(Mapping, 0, len(m)+len(ms))
	out = append(out, m...)
	return append(out, ms...)
}

func (m Mapping) MapPos(p document.Pos) document.Pos {
	for _, mp := range m {
		p = mp.MapPos(p)
	}
	return p
}

func (m Mapping) MapRange(r document.Range) document.Range {
	r = r.Normalize()
	return document.Range{Start: m.MapPos(r.Start), End: m.MapPos(r.End)}.Normalize()
}

func (m Mapping) MapLine(line int) int {
	return m.MapPos(document.Pos{Line: line}).Line
}

// Mirrored 部分条目成对出现：Mirror[i] = k 表示第 k 条重新插入了第 i 条删掉的文本，
// 落在这段文本里的位置跨过这一对，不会被收拢
type Mirrored struct {
	Maps   Mapping
	Mirror map[int]int
}

func (m *Mirrored) Add(mp Mapper) int {
	m.Maps = append(m.Maps, mp)
	return len(m.Maps) - 1
}

func (m *Mirrored) SetMirror(deleted, reinserted int) {
	if m.Mirror == nil {
		m.Mirror = make(map[int]int)
	}
	m.Mirror[deleted] = reinserted
}

func (m *Mirrored) MapPos(p document.Pos) document.Pos {
	var held map[int]document.Pos
	for i, mp := range m.Maps {
		if off, ok := held[i]; ok {
			if ins, ok := mp.(*InsertText); ok {
				p = offsetFrom(ins.At, off)
				continue
			}
		}
		if k, ok := m.Mirror[i]; ok {
			if d, ok := mp.(*DeleteText); ok {
				r := d.Range.Normalize()
				if !p.Less(r.Start) && !r.End.Less(p) {
					if held == nil {
						held = make(map[int]document.Pos)
					}
					held[k] = offsetIn(r.Start, p)
				}
			}
		}
		p = mp.MapPos(p)
	}
	return p
}

func offsetIn(start, p document.Pos) document.Pos {
	if p.Line == start.Line {
		return document.Pos{Ch: p.Ch - start.Ch}
	}
	return document.Pos{Line: p.Line - start.Line, Ch: p.Ch}
}

func offsetFrom(start, off document.Pos) document.Pos {
	if off.Line == 0 {
		return document.Pos{Line: start.Line, Ch: start.Ch + off.Ch}
	}
	return document.Pos{Line: start.Line + off.Line, Ch: off.Ch}
}
