package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"plotLines/backend/internal/document"
	"plotLines/backend/internal/ot/command"
)

var errUsage = errors.New("usage")

const helpText = `commands:
  insert <line> <ch> <text...>          insert text ("\n" starts a new line)
  delete <line> <ch> <line> <ch>        delete a range
  type <line> <lineType>                scene-heading|action|character|parenthetical|dialogue|transition|shot
  style <style> <line> <ch> <line> <ch> toggle bold|italic|underline over a range
  cursor <line> <ch>                    move the shared cursor
  undo | redo
  show | dump | who | version | save
  help | quit`

func atoi(fields []string) ([]int, error) {
	out := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: %q is not a position", errUsage, f)
		}
		out[i] = n
	}
	return out, nil
}

func rangeOf(fields []string) (document.Range, error) {
	if len(fields) != 4 {
		return document.Range{}, fmt.Errorf("%w: want <line> <ch> <line> <ch>", errUsage)
	}
	n, err := atoi(fields)
	if err != nil {
		return document.Range{}, err
	}
	return document.Range{
		Start: document.Pos{Line: n[0], Ch: n[1]},
		End:   document.Pos{Line: n[2], Ch: n[3]},
	}, nil
}

// parseEdit 把一行输入解析成编辑命令；不是编辑命令时返回 nil, nil
func parseEdit(line string) (command.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}
	args := fields[1:]
	switch fields[0] {
	case "insert":
		if len(args) < 3 {
			return nil, fmt.Errorf("%w: insert <line> <ch> <text...>", errUsage)
		}
		n, err := atoi(args[:2])
		if err != nil {
			return nil, err
		}
		// 去掉命令和坐标，正文内部的空白保留
		rest := strings.TrimSpace(line)
		for i := 0; i < 3; i++ {
			_, rest, _ = strings.Cut(rest, " ")
			rest = strings.TrimLeft(rest, " ")
		}
		raw := strings.ReplaceAll(rest, `\n`, "\n")
		return &command.InsertText{
			At:   document.Pos{Line: n[0], Ch: n[1]},
			Text: document.PlainText(raw, document.Action),
		}, nil
	case "delete":
		r, err := rangeOf(args)
		if err != nil {
			return nil, err
		}
		return &command.DeleteText{Range: r}, nil
	case "type":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: type <line> <lineType>", errUsage)
		}
		n, err := atoi(args[:1])
		if err != nil {
			return nil, err
		}
		t := document.LineType(args[1])
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", document.ErrUnknownLineType, args[1])
		}
		return &command.SetLineType{Line: n[0], Type: t}, nil
	case "style":
		if len(args) != 5 {
			return nil, fmt.Errorf("%w: style <style> <line> <ch> <line> <ch>", errUsage)
		}
		s := document.Style(args[0])
		if !s.Valid() {
			return nil, fmt.Errorf("%w: %q", document.ErrUnknownStyle, args[0])
		}
		r, err := rangeOf(args[1:])
		if err != nil {
			return nil, err
		}
		return &command.ToggleInlineStyle{Style: s, Range: r}, nil
	}
	return nil, nil
}

// render 按行输出，行首带行号和行类型
func render(d *document.Document) string {
	var b strings.Builder
	for i, l := range d.Lines() {
		fmt.Fprintf(&b, "%3d %-14s %s\n", i, l.Type, l.Text())
	}
	return b.String()
}
