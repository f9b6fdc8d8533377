package collab

import (
	"encoding/json"
	"fmt"

	"plotLines/backend/internal/document"
	"plotLines/backend/internal/entity"
	"plotLines/backend/internal/ot/command"
)

// 文档内容缓冲区：服务端持有的已确认内容 = 最新快照 + 之后所有步骤重放
type buffer struct {
	doc *document.Document
}

func newBuffer(snap *entity.Snapshot, steps []entity.OTStep) (*buffer, error) {
	b := &buffer{doc: document.New()}
	next := uint64(1)
	if snap != nil {
		if err := json.Unmarshal(snap.ContentJSON, b.doc); err != nil {
			return nil, fmt.Errorf("decode snapshot %d: %w", snap.SnapshotVersion, err)
		}
		next = snap.OTVersion + 1
	}
	for _, st := range steps {
		// 版本必须连续，否则说明日志被截断或并发写入了
		if st.Version != next {
			return nil, fmt.Errorf("step log gap: want version %d, got %d", next, st.Version)
		}
		c, err := command.Parse(st.StepJSON)
		if err == nil {
			err = c.Execute(b.doc)
		}
		if err != nil {
			return nil, fmt.Errorf("replay step %d: %w", st.Version, err)
		}
		next++
	}
	return b, nil
}

// preview 在副本上执行整批命令，任何一步失败都不影响当前内容
func (b *buffer) preview(cmds []command.Command) (*document.Document, error) {
	d := b.doc.Clone()
	for i, c := range cmds {
		if err := c.Execute(d); err != nil {
			return nil, fmt.Errorf("%w: step %d does not apply: %v", command.ErrMalformedStep, i, err)
		}
	}
	return d, nil
}

func (b *buffer) commit(d *document.Document) { b.doc = d }

func (b *buffer) marshal() ([]byte, error) { return json.Marshal(b.doc) }
