package cache

import "fmt"

// 键语义：
// - roomKey(docID):           房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID):          房间内 userId→username 映射（Hash）
// - cursorKey(docID, userID): 光标位置（String，带 TTL）
// - snapshotKey(docID):       最新快照（String，JSON 或空值标记）
// - stepsChannel(docID):      已提交步骤的跨实例广播频道（Pub/Sub）

// {docID:...} 作为 hash tag，同一文档的键落在同一个 slot

const (
	keyRoomFmt     = "presence:room:{docID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt    = "presence:room:names:{docID:%s}" // Hash<userId -> username>
	keyCursorFmt   = "presence:cursor:{docID:%s}:%d"  // String
	keySnapshotFmt = "snapshot:{docID:%s}"            // String
	channelFmt     = "collab:steps:%s"                // Pub/Sub
	channelPattern = "collab:steps:*"
)

func roomKey(docID string) string                  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string                 { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID string, userID uint64) string { return fmt.Sprintf(keyCursorFmt, docID, userID) }
func snapshotKey(docID string) string              { return fmt.Sprintf(keySnapshotFmt, docID) }
func stepsChannel(docID string) string             { return fmt.Sprintf(channelFmt, docID) }
