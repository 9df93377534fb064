// sse.go — SSE 扇出与 handler。
//
// EventBus 是面板自己的进程内扇出器: BridgeBus 把消息总线的全部流量
// 灌进来, 每个 SSE 客户端一条带缓冲的通道。发布方永不阻塞 —— 慢客户端
// 丢消息, 面板是检视窗口而不是可靠订阅者。
package dashboard

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-console/go-console-v2/pkg/logger"
)

// sseClientBuffer 单客户端通道容量。
const sseClientBuffer = 32

// Event 一条 SSE 事件。Type 对应消息总线的消息类型。
type Event struct {
	Type string
	Data any
}

// EventBus SSE 扇出器。
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

// NewEventBus 创建扇出器。
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]chan Event)}
}

// Publish 广播事件, 满通道直接丢。
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe 订阅。
func (b *EventBus) Subscribe(id string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, sseClientBuffer)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe 取消订阅。
//
// 不关闭 ch —— sseHandler 经 ctx.Done() 退出, 无引用的通道由 GC 回收;
// 关了反而会让并发中的 Publish 往关闭通道上发。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// sseHandler 把订阅流写成 text/event-stream, 静默期按配置间隔发 ping。
func (s *Server) sseHandler(c *gin.Context) {
	clientID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := s.events.Subscribe(clientID)
	defer func() {
		s.events.Unsubscribe(clientID)
		logger.Info("dashboard: sse client disconnected", logger.FieldConn, clientID)
	}()

	logger.Info("dashboard: sse client connected", logger.FieldConn, clientID)
	keepalive := s.sseKeepalive()

	c.Stream(func(w io.Writer) bool {
		timer := time.NewTimer(keepalive)
		defer timer.Stop()

		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(evt.Type, evt.Data)
			return true
		case <-timer.C:
			c.SSEvent("ping", "keepalive")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
