// handler.go — 面板 REST API。
//
// 全部端点只读; 唯一接收 SQL 的 /db-query 由 ValidateReadOnlyQuery
// 把关 (单语句 + SELECT/WITH 白名单 + 写关键词拒绝)。
package dashboard

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agent-console/go-console-v2/internal/store"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	api := s.router.Group("/api")

	api.GET("/attempts", s.listAttempts)
	api.GET("/attempts/:id", s.getAttempt)
	api.GET("/attempts/:id/events", s.listAttemptEvents)
	api.GET("/attempts/:id/turns", s.listAttemptTurns)
	api.GET("/attempts/:id/answers", s.listAttemptAnswers)

	api.GET("/system-log", s.listSystemLog)
	api.GET("/system-log/filters", s.systemLogFilters)

	api.POST("/db-query", s.dbQuery)

	api.GET("/events", s.sseHandler)

	s.router.Static("/static", "./static")
	s.router.GET("/", func(c *gin.Context) { c.File("./static/index.html") })
}

// queryLimit 从 query 读分页参数, 越界回落。
func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

// ========================================
// Attempts
// ========================================

func (s *Server) listAttempts(c *gin.Context) {
	items, err := s.stores.Attempt.List(c.Request.Context(),
		c.Query("task_id"), c.Query("status"), c.Query("keyword"), queryLimit(c, 100))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) getAttempt(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	item, err := s.stores.Attempt.Get(ctx, id)
	if err != nil {
		serverError(c, err)
		return
	}
	if item == nil {
		notFound(c, "attempt not found: "+id)
		return
	}
	count, err := s.stores.AttemptEvent.CountByAttempt(ctx, id)
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, gin.H{"attempt": item, "event_count": count})
}

// listAttemptEvents 默认取最近 N 条; 带 after_seq 时走增量游标
// (与会话补拉同一条查询路径)。
func (s *Server) listAttemptEvents(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if v := c.Query("after_seq"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(c, "invalid_request", "after_seq must be an integer")
			return
		}
		items, err := s.stores.AttemptEvent.ListAfter(ctx, id, after)
		if err != nil {
			serverError(c, err)
			return
		}
		success(c, items)
		return
	}

	items, err := s.stores.AttemptEvent.ListRecent(ctx, id, queryLimit(c, s.eventLogLimit()))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) listAttemptTurns(c *gin.Context) {
	items, err := s.stores.AttemptTurn.ListByAttempt(c.Request.Context(),
		c.Param("id"), queryLimit(c, 200))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) listAttemptAnswers(c *gin.Context) {
	items, err := s.stores.AttemptAnswer.ListByAttempt(c.Request.Context(), c.Param("id"))
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

// ========================================
// System log
// ========================================

func (s *Server) listSystemLog(c *gin.Context) {
	items, err := s.stores.SystemLog.List(c.Request.Context(), store.ListParams{
		Level:      c.Query("level"),
		Logger:     c.Query("logger"),
		Source:     c.Query("source"),
		Component:  c.Query("component"),
		AttemptID:  c.Query("attempt_id"),
		TaskID:     c.Query("task_id"),
		SessionID:  c.Query("session_id"),
		EventKind:  c.Query("event_kind"),
		ToolCallID: c.Query("tool_call_id"),
		Keyword:    c.Query("keyword"),
		Limit:      queryLimit(c, s.systemLogLimit()),
	})
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, items)
}

func (s *Server) systemLogFilters(c *gin.Context) {
	filters, err := s.stores.SystemLog.ListFilterValues(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	success(c, filters)
}

// ========================================
// DB query
// ========================================

func (s *Server) dbQuery(c *gin.Context) {
	var req struct {
		SQL   string `json:"sql"`
		Limit int    `json:"limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	rows, err := s.stores.DBQuery.Query(c.Request.Context(), req.SQL, req.Limit)
	if err != nil {
		if errors.Is(err, store.ErrReadOnlyViolation) ||
			errors.Is(err, store.ErrMultiStatement) ||
			errors.Is(err, store.ErrDangerousSQL) {
			badRequest(c, "forbidden_sql", err.Error())
			return
		}
		badRequest(c, "query_error", err.Error())
		return
	}
	success(c, rows)
}
