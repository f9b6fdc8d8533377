package document

type TextRun struct {
	Text      string `json:"text"`
	Bold      bool   `json:"bold,omitempty"`
	Italic    bool   `json:"italic,omitempty"`
	Underline bool   `json:"underline,omitempty"`
}

func (r TextRun) Len() int { return len([]rune(r.Text)) }

func (r TextRun) sameStyle(o TextRun) bool {
	return r.Bold == o.Bold && r.Italic == o.Italic && r.Underline == o.Underline
}

func runsLen(runs []TextRun) int {
	n := 0
	for _, r := range runs {
		n += r.Len()
	}
	return n
}

// normalize 去掉空片段并合并样式相同的相邻片段，返回新切片
func normalize(runs []TextRun) []TextRun {
	var out []TextRun
	for _, r := range runs {
		if r.Text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].sameStyle(r) {
			out[n-1].Text += r.Text
			continue
		}
		out = append(out, r)
	}
	return out
}

func concatRuns(parts ...[]TextRun) []TextRun {
	var out []TextRun
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func splitRuns(runs []TextRun, ch int) (left, right []TextRun) {
	pos := 0
	for i, r := range runs {
		rs := []rune(r.Text)
		if ch <= pos {
			right = append(right, runs[i:]...)
			return left, right
		}
		if ch < pos+len(rs) {
			cut := ch - pos
			a, b := r, r
			a.Text, b.Text = string(rs[:cut]), string(rs[cut:])
			left = append(left, a)
			right = append(right, b)
			right = append(right, runs[i+1:]...)
			return left, right
		}
		left = append(left, r)
		pos += len(rs)
	}
	return left, right
}

func sliceRuns(runs []TextRun, from, to int) []TextRun {
	_, tail := splitRuns(runs, from)
	mid, _ := splitRuns(tail, to-from)
	return normalize(mid)
}
