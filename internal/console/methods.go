// methods.go — 浏览器可调用的 JSON-RPC 方法。
//
// 方法按会话语义分组: 附着、attempt 生命周期、提问应答、视图查询。
// 所有方法作用于调用方自己的会话视图, 不同连接互不可见。
package console

import (
	"context"
	"encoding/json"
	"strings"

	apperrors "github.com/agent-console/go-console-v2/pkg/errors"
)

// registerMethods 注册所有 JSON-RPC 方法。
func (s *Server) registerMethods() {
	s.methods = make(map[string]sessionHandler)

	// § 1. 会话
	s.methods["session/attach"] = typedHandler(s.sessionAttachTyped)

	// § 2. attempt 生命周期
	s.methods["attempt/start"] = typedHandler(s.attemptStartTyped)
	s.methods["attempt/cancel"] = typedHandler(s.attemptCancelTyped)

	// § 3. 提问应答
	s.methods["question/answer"] = typedHandler(s.questionAnswerTyped)
	s.methods["question/cancel"] = s.questionCancel

	// § 4. 视图查询
	s.methods["transcript/get"] = s.transcriptGet
	s.methods["channel/state"] = s.channelState
}

// ========================================
// § 1. 会话
// ========================================

type attachParams struct {
	TaskID string `json:"taskId"`
}

// sessionAttachTyped 把会话切到指定 task 并返回视图完整快照。
// 重复附着同一 task 等价于一次全量重建, 可用作浏览器侧的强制刷新。
func (s *Server) sessionAttachTyped(ctx context.Context, sess *Session, p attachParams) (any, error) {
	if strings.TrimSpace(p.TaskID) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "console.sessionAttach", "taskId is required")
	}
	if err := sess.Attach(ctx, p.TaskID); err != nil {
		return nil, err
	}
	return sess.State(), nil
}

// ========================================
// § 2. attempt 生命周期
// ========================================

type startParams struct {
	TaskID        string   `json:"taskId,omitempty"`
	Prompt        string   `json:"prompt"`
	DisplayPrompt string   `json:"displayPrompt,omitempty"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
}

func (s *Server) attemptStartTyped(ctx context.Context, sess *Session, p startParams) (any, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "console.attemptStart", "prompt is required")
	}
	attemptID, err := sess.Start(ctx, p.TaskID, p.Prompt, p.DisplayPrompt, p.AttachmentIDs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"attemptId": attemptID}, nil
}

type cancelParams struct {
	AttemptID string `json:"attemptId,omitempty"`
}

func (s *Server) attemptCancelTyped(ctx context.Context, sess *Session, p cancelParams) (any, error) {
	if err := sess.CancelAttempt(ctx, p.AttemptID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// ========================================
// § 3. 提问应答
// ========================================

type answerParams struct {
	AttemptID  string   `json:"attemptId,omitempty"`
	ToolCallID string   `json:"toolCallId,omitempty"`
	Answers    []string `json:"answers"`
}

// questionAnswerTyped 答复悬挂提问。attemptId/toolCallId 缺省指当前悬挂者;
// 提问原文以跟踪器记录为准, 请求里带的 prompts 回显被忽略。
func (s *Server) questionAnswerTyped(ctx context.Context, sess *Session, p answerParams) (any, error) {
	if len(p.Answers) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "console.questionAnswer", "answers is required")
	}
	if err := sess.Answer(ctx, p.AttemptID, p.ToolCallID, p.Answers); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) questionCancel(ctx context.Context, sess *Session, _ json.RawMessage) (any, error) {
	if err := sess.CancelQuestion(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

// ========================================
// § 4. 视图查询
// ========================================

func (s *Server) transcriptGet(_ context.Context, sess *Session, _ json.RawMessage) (any, error) {
	return sess.State(), nil
}

func (s *Server) channelState(_ context.Context, sess *Session, _ json.RawMessage) (any, error) {
	return map[string]any{"connected": sess.connected()}, nil
}
