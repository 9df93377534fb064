// eventlog.go — JSONL 事件日志读取。
//
// 主存储是 attempt_events 表, 但 host 侧也会落一份 JSONL 审计日志;
// cmd/replay 读这种文件离线重建转写稿。每行一个对象:
//
//	{"seq":1,"receivedAt":"...","event":{...attempt/event params...}}
//
// 读取只负责还原原始 params, 解码统一走 DecodeEvent —
// 回放与实时必须共用同一条解码路径。
package agenthost

import (
	"bufio"
	"encoding/json"
	"io"
	"time"

	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
	"github.com/agent-console/go-console-v2/pkg/logger"
)

// maxEventLogLine 单行上限。快照事件可能携带整条长消息。
const maxEventLogLine = 1 << 20

// LoggedEvent 日志中的一条记录, Event 保持原始字节。
type LoggedEvent struct {
	Seq        int64           `json:"seq"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Event      json.RawMessage `json:"event"`
}

// ReadEventLog 顺序读完一个 JSONL 流。坏行记日志跳过 —
// 审计日志可能在进程被杀时截断, 半行不该让整次回放失败。
func ReadEventLog(r io.Reader) ([]LoggedEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventLogLine)

	var out []LoggedEvent
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec LoggedEvent
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Warn("event log line skipped",
				logger.FieldLine, line, logger.FieldError, err)
			continue
		}
		if len(rec.Event) == 0 {
			logger.Warn("event log line without event", logger.FieldLine, line)
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return out, apperrors.Wrap(err, "agenthost.ReadEventLog", "scan")
	}
	return out, nil
}
