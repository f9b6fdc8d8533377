// Package undo 单个编辑会话的本地撤销/重做历史；撤销本身也只是一次本地编辑
package undo

import (
	"plotLines/backend/internal/ot/command"
)

const DefaultDepth = 100

// Editor 以本地编辑方式执行命令，按执行顺序返回逆操作
type Editor interface {
	LocalEdit(cmds []command.Command) ([]command.Command, error)
}

type Stack struct {
	depth int
	undo  [][]command.Command
	redo  [][]command.Command
}

func New(depth int) *Stack {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Stack{depth: depth}
}

// Record 压入一次用户操作的逆操作，清空重做栈
func (s *Stack) Record(inverses []command.Command) {
	if len(inverses) == 0 {
		return
	}
	s.undo = s.push(s.undo, inverses)
	s.redo = nil
}

func (s *Stack) CanUndo() bool { return len(s.undo) > 0 }
func (s *Stack) CanRedo() bool { return len(s.redo) > 0 }

func (s *Stack) Undo(ed Editor) (bool, error) {
	batch, ok := pop(&s.undo)
	if !ok {
		return false, nil
	}
	inv, err := ed.LocalEdit(reversed(batch))
	if len(inv) > 0 {
		s.redo = s.push(s.redo, inv)
	}
	return true, err
}

func (s *Stack) Redo(ed Editor) (bool, error) {
	batch, ok := pop(&s.redo)
	if !ok {
		return false, nil
	}
	inv, err := ed.LocalEdit(reversed(batch))
	if len(inv) > 0 {
		s.undo = s.push(s.undo, inv)
	}
	return true, err
}

// 别人编辑之后重定位栈内所有命令
func (s *Stack) Map(m command.Mapping) {
	if len(m) == 0 {
		return
	}
	for _, batches := range [][][]command.Command{s.undo, s.redo} {
		for _, b := range batches {
			for i, c := range b {
				b[i] = c.Map(m)
			}
		}
	}
}

func (s *Stack) Clear() {
	s.undo, s.redo = nil, nil
}

func (s *Stack) push(stack [][]command.Command, batch []command.Command) [][]command.Command {
	stack = append(stack, batch)
	if over := len(stack) - s.depth; over > 0 {
		stack = append([][]command.Command(nil), stack[over:]...)
	}
	return stack
}

func pop(stack *[][]command.Command) ([]command.Command, bool) {
	n := len(*stack)
	if n == 0 {
		return nil, false
	}
	b := (*stack)[n-1]
	*stack = (*stack)[:n-1]
	return b, true
}

func reversed(cmds []command.Command) []command.Command {
	out := make([]command.Command, len(cmds))
	for i, c := range cmds {
		out[len(cmds)-1-i] = c
	}
	return out
}
