package document

type Style string

const (
	Bold      Style = "bold"
	Italic    Style = "italic"
	Underline Style = "underline"
)

func (s Style) Valid() bool {
	switch s {
	case Bold, Italic, Underline:
		return true
	}
	return false
}

func (r TextRun) Has(s Style) bool {
	switch s {
	case Bold:
		return r.Bold
	case Italic:
		return r.Italic
	case Underline:
		return r.Underline
	}
	return false
}

func (r TextRun) with(s Style, on bool) TextRun {
	switch s {
	case Bold:
		r.Bold = on
	case Italic:
		r.Italic = on
	case Underline:
		r.Underline = on
	}
	return r
}

// StyleSpan 连续 Len 个字符某个样式是否开启，换行不计数
type StyleSpan struct {
	Len int  `json:"len"`
	On  bool `json:"on"`
}

// ToggleInlineStyle 若 r 内全部字符已有 s 则清除，否则全部加上；返回修改前 s 在 r 上的状态
func (d *Document) ToggleInlineStyle(s Style, r Range) ([]StyleSpan, error) {
	if !s.Valid() {
		return nil, ErrUnknownStyle
	}
	r = r.Normalize()
	if err := d.checkRange(r); err != nil {
		return nil, err
	}
	prior := d.styleFlags(s, r)
	if len(prior) == 0 {
		return nil, nil
	}
	target := false
	for _, on := range prior {
		if !on {
			target = true
			break
		}
	}
	d.applyFlags(s, r, func(int) (bool, bool) { return target, true })
	return compressFlags(prior), nil
}

// RestoreInlineStyle 按 spans 逐字符写回 s，返回被替换的状态；超出 spans 的字符保持不变
func (d *Document) RestoreInlineStyle(s Style, r Range, spans []StyleSpan) ([]StyleSpan, error) {
	if !s.Valid() {
		return nil, ErrUnknownStyle
	}
	r = r.Normalize()
	if err := d.checkRange(r); err != nil {
		return nil, err
	}
	prior := d.styleFlags(s, r)
	if len(prior) == 0 {
		return nil, nil
	}
	want := expandSpans(spans)
	d.applyFlags(s, r, func(i int) (bool, bool) {
		if i < len(want) {
			return want[i], true
		}
		return false, false
	})
	return compressFlags(prior), nil
}

func (d *Document) lineSpan(line int, r Range) (int, int) {
	a, b := 0, d.lines[line].Len()
	if line == r.Start.Line {
		a = r.Start.Ch
	}
	if line == r.End.Line {
		b = r.End.Ch
	}
	return a, b
}

func (d *Document) styleFlags(s Style, r Range) []bool {
	var flags []bool
	for line := r.Start.Line; line <= r.End.Line; line++ {
		a, b := d.lineSpan(line, r)
		for _, run := range sliceRuns(d.lines[line].Segments, a, b) {
			for range []rune(run.Text) {
				flags = append(flags, run.Has(s))
			}
		}
	}
	return flags
}

// applyFlags 逐字符改写 s，next 返回 ok=false 的字符不动
func (d *Document) applyFlags(s Style, r Range, next func(i int) (on bool, ok bool)) {
	idx := 0
	for line := r.Start.Line; line <= r.End.Line; line++ {
		a, b := d.lineSpan(line, r)
		if a == b {
			continue
		}
		segs := d.lines[line].Segments
		left, rest := splitRuns(segs, a)
		mid, right := splitRuns(rest, b-a)
		var styled []TextRun
		for _, run := range mid {
			for _, ch := range []rune(run.Text) {
				c := run
				c.Text = string(ch)
				if on, ok := next(idx); ok {
					c = c.with(s, on)
				}
				styled = append(styled, c)
				idx++
			}
		}
		d.lines[line].Segments = normalize(concatRuns(left, styled, right))
	}
}

func compressFlags(flags []bool) []StyleSpan {
	var spans []StyleSpan
	for _, on := range flags {
		if n := len(spans); n > 0 && spans[n-1].On == on {
			spans[n-1].Len++
			continue
		}
		spans = append(spans, StyleSpan{Len: 1, On: on})
	}
	return spans
}

func expandSpans(spans []StyleSpan) []bool {
	var flags []bool
	for _, sp := range spans {
		for i := 0; i < sp.Len; i++ {
			flags = append(flags, sp.On)
		}
	}
	return flags
}
