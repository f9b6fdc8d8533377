// Package ot 协作的客户端部分：本地编辑先乐观应用，再变基到服务端先接受的步骤之上
package ot

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"

	"plotLines/backend/internal/document"
	"plotLines/backend/internal/ot/command"
)

// Rebaseable 一个未确认的本地步骤及其逆操作
type Rebaseable struct {
	Step     command.Command
	Inverted command.Command
	Origin   string
}

// Sendable 待发送批次，服务端回应前原样重发
type Sendable struct {
	Version  uint64
	Steps    []json.RawMessage
	ClientID string
}

// Result 一次 ReceiveRemote 的结果；Mapping 把调用前的位置映射到合并后的文档
type Result struct {
	Confirmed int
	Applied   int
	Dropped   int
	Mapping   command.Mapping
}

// Engine 已确认版本 + 未确认队列；非并发安全，只能由一个 goroutine 持有
type Engine struct {
	clientID    string
	version     uint64
	doc         *document.Document
	unconfirmed []Rebaseable
}

func NewEngine(doc *document.Document, version uint64, clientID string) *Engine {
	if doc == nil {
		doc = document.New()
	}
	return &Engine{clientID: clientID, version: version, doc: doc}
}

func (e *Engine) Version() uint64              { return e.version }
func (e *Engine) ClientID() string             { return e.clientID }
func (e *Engine) Document() *document.Document { return e.doc }

func (e *Engine) Unconfirmed() []Rebaseable {
	return append([]Rebaseable(nil), e.unconfirmed...)
}

// LocalEdit 依次执行 cmds，成功的入队；按执行顺序返回它们的逆操作
func (e *Engine) LocalEdit(cmds []command.Command) ([]command.Command, error) {
	origin := uuid.NewString()
	inverses := make([]command.Command, 0, len(cmds))
	var errs []error
	for _, c := range cmds {
		if err := c.Execute(e.doc); err != nil {
			errs = append(errs, err)
			continue
		}
		inv := c.Invert()
		e.unconfirmed = append(e.unconfirmed, Rebaseable{Step: c, Inverted: inv, Origin: origin})
		inverses = append(inverses, inv)
	}
	return inverses, errors.Join(errs...)
}

func (e *Engine) SendableSteps() (*Sendable, bool) {
	if len(e.unconfirmed) == 0 {
		return nil, false
	}
	steps := make([]json.RawMessage, 0, len(e.unconfirmed))
	for _, r := range e.unconfirmed {
		raw, err := command.Encode(r.Step)
		if err != nil {
			log.Printf("ot encode step failed: client=%s err=%v", e.clientID, err)
			return nil, false
		}
		steps = append(steps, raw)
	}
	return &Sendable{Version: e.version, Steps: steps, ClientID: e.clientID}, true
}

// ReceiveRemote 应用服务端接受的一批步骤；开头属于本客户端的是自己的回显，只确认队首对应的步骤
func (e *Engine) ReceiveRemote(steps []json.RawMessage, authorIDs []string) Result {
	total := len(steps)
	ours := 0
	for ours < len(authorIDs) && ours < total && ours < len(e.unconfirmed) && authorIDs[ours] == e.clientID {
		ours++
	}
	e.unconfirmed = e.unconfirmed[ours:]
	steps = steps[ours:]

	res := Result{Confirmed: ours}
	if len(steps) == 0 {
		e.version += uint64(total)
		return res
	}

	work := e.doc.Clone()

	// 从最新的开始撤回：每个逆操作只在它对应步骤产生的文档上有效
	undone := make([]command.Mapper, len(e.unconfirmed))
	for i := len(e.unconfirmed) - 1; i >= 0; i-- {
		inv := e.unconfirmed[i].Inverted
		if err := inv.Execute(work); err != nil {
			log.Printf("ot revert step failed: client=%s origin=%s err=%v", e.clientID, e.unconfirmed[i].Origin, err)
			continue
		}
		undone[i] = command.MapperOf(inv)
	}

	var remote []command.Mapper
	for i, raw := range steps {
		c, err := command.Parse(raw)
		if err == nil {
			err = c.Execute(work)
		}
		if err != nil {
			res.Dropped++
			log.Printf("ot remote step dropped: client=%s index=%d err=%v", e.clientID, ours+i, err)
			continue
		}
		res.Applied++
		if mp := command.MapperOf(c); mp != nil {
			remote = append(remote, mp)
		}
	}

	redone := make([]command.Mapper, len(e.unconfirmed))
	rebased := make([]Rebaseable, 0, len(e.unconfirmed))
	for i, r := range e.unconfirmed {
		m := rebaseMapping(undone, remote, redone, i)
		step := r.Step.Map(command.Mapping{m})
		if err := step.Execute(work); err != nil {
			log.Printf("ot rebase step dropped: client=%s origin=%s err=%v", e.clientID, r.Origin, err)
			continue
		}
		rebased = append(rebased, Rebaseable{Step: step, Inverted: step.Invert(), Origin: r.Origin})
		redone[i] = command.MapperOf(step)
	}
	res.Mapping = command.Mapping{rebaseMapping(undone, remote, redone, len(e.unconfirmed))}

	e.version += uint64(total)
	e.unconfirmed = rebased
	e.doc.Replace(work)
	return res
}

// rebaseMapping 位置先经逆操作退回，再过远端步骤，最后经重放的步骤前进；撤回与重放互为镜像
func rebaseMapping(undone, remote, redone []command.Mapper, n int) *command.Mirrored {
	m := &command.Mirrored{}
	at := make([]int, n)
	for j := n - 1; j >= 0; j-- {
		at[j] = -1
		if undone[j] != nil {
			at[j] = m.Add(undone[j])
		}
	}
	for _, mp := range remote {
		m.Add(mp)
	}
	for j := 0; j < n; j++ {
		if redone[j] == nil {
			continue
		}
		k := m.Add(redone[j])
		if at[j] >= 0 {
			m.SetMirror(at[j], k)
		}
	}
	return m
}

// ConfirmedDocument 撤回全部未确认步骤后的文档，即服务端在 Version 时的内容
func (e *Engine) ConfirmedDocument() *document.Document {
	d := e.doc.Clone()
	for i := len(e.unconfirmed) - 1; i >= 0; i-- {
		if err := e.unconfirmed[i].Inverted.Execute(d); err != nil {
			log.Printf("ot confirmed view revert failed: client=%s err=%v", e.clientID, err)
		}
	}
	return d
}

// Reset 丢弃本地状态
func (e *Engine) Reset(doc *document.Document, version uint64) {
	e.doc.Replace(doc)
	e.version = version
	e.unconfirmed = nil
}
