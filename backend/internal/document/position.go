package document

type Pos struct {
	Line int `json:"line"`
	Ch   int `json:"ch"`
}

func (p Pos) Less(o Pos) bool {
	if p.Line != o.Line {
		return p.Line < o.Line
	}
	return p.Ch < o.Ch
}

// Range 左闭右开
type Range struct {
	Start Pos `json:"start"`
	End   Pos `json:"end"`
}

func (r Range) Normalize() Range {
	if r.End.Less(r.Start) {
		return Range{Start: r.End, End: r.Start}
	}
	return r
}

func (r Range) Empty() bool {
	return r.Start == r.End
}

// EndOf rt 插入到 at 之后末尾所在的位置
func EndOf(at Pos, rt RichText) Pos {
	switch len(rt) {
	case 0:
		return at
	case 1:
		return Pos{Line: at.Line, Ch: at.Ch + rt[0].Len()}
	default:
		return Pos{Line: at.Line + len(rt) - 1, Ch: rt[len(rt)-1].Len()}
	}
}
