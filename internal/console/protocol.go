// protocol.go — JSON-RPC 2.0 协议类型定义。
//
// 规范: https://www.jsonrpc.org/specification
//
//	Request:      {"jsonrpc":"2.0", "id":1, "method":"...", "params":{...}}
//	Response:     {"jsonrpc":"2.0", "id":1, "result":{...}}
//	Error:        {"jsonrpc":"2.0", "id":1, "error":{"code":..., "message":"..."}}
//	Notification: {"jsonrpc":"2.0", "method":"...", "params":{...}}
package console

import (
	"context"
	"encoding/json"

	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
)

const jsonrpcVersion = "2.0"

// Request JSON-RPC 2.0 请求。
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response JSON-RPC 2.0 响应。
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// Notification JSON-RPC 2.0 通知 (无 id, 服务端主动推送)。
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError JSON-RPC 2.0 错误。
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// 标准 JSON-RPC 2.0 错误码。
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeOverloaded     = -32001
)

// --- 便捷构造函数 ---

// newResult 成功响应。
func newResult(id any, result any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: result}
}

// newError 错误响应。
func newError(id any, code int, msg string) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: msg}}
}

// newErrorData 带 data 的错误响应。
func newErrorData(id any, code int, msg string, data any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: msg, Data: data}}
}

// newNotification 通知。
func newNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// ========================================
// Handler 包装器
// ========================================

// sessionHandler JSON-RPC 方法处理器。每个连接绑定一个 Session,
// 分发时把该连接的会话注入。
type sessionHandler func(ctx context.Context, sess *Session, params json.RawMessage) (any, error)

// typedHandler 将强类型函数包装为 sessionHandler
// (json.RawMessage → 泛型参数自动解析)。
//
// 功能:
//   - nil params → 使用零值 struct
//   - 无效 JSON → 返回 "invalid params" 错误
//   - handler 签名即文档, 类型安全
func typedHandler[P any](fn func(ctx context.Context, sess *Session, p P) (any, error)) sessionHandler {
	return func(ctx context.Context, sess *Session, raw json.RawMessage) (any, error) {
		var p P
		if raw != nil {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "TypedHandler", "invalid params: %v", err)
			}
		}
		return fn(ctx, sess, p)
	}
}
