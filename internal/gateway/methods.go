package gateway

import (
	"context"
	"encoding/json"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/veyra/internal/cron"
	"github.com/harun/veyra/pkg/lane"
)

const methodTimeout = 10 * time.Second

// registerBuiltinMethods wires the engine surface into the RPC router.
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("health", s.methodHealth)
	_ = s.router.RegisterMethod("status", s.methodStatus)
	_ = s.router.RegisterMethod("chat.send", s.methodChatSend)
	_ = s.router.RegisterMethod("approvals.list", s.methodApprovalsList)
	_ = s.router.RegisterMethod("approvals.resolve", s.methodApprovalsResolve)
	_ = s.router.RegisterMethod("runs.get", s.methodRunsGet)
	_ = s.router.RegisterMethod("runs.list", s.methodRunsList)

	if s.cron != nil {
		_ = s.router.RegisterMethod("jobs.list", s.methodJobsList)
		_ = s.router.RegisterMethod("jobs.add", s.methodJobsAdd)
		_ = s.router.RegisterMethod("jobs.remove", s.methodJobsRemove)
		_ = s.router.RegisterMethod("jobs.run", s.methodJobsRun)
	}
}

func (s *Server) methodHealth(_ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"status": "ok"}, nil
}

func (s *Server) methodStatus(_ map[string]interface{}) (interface{}, error) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	return map[string]interface{}{
		"methods": s.router.Methods(),
		"clients": clientCount,
	}, nil
}

// methodChatSend enqueues an inbound message into its session lane.
// The response reports whether the message started a run or merged
// into one already executing.
func (s *Server) methodChatSend(params map[string]interface{}) (interface{}, error) {
	sessionKey := stringParam(params, "session_key")
	text := stringParam(params, "text")
	if sessionKey == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "session_key is required"}
	}
	if text == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "text is required"}
	}

	messageID := stringParam(params, "message_id")
	if messageID == "" {
		messageID, _ = gonanoid.New()
	}

	chatID := stringParam(params, "chat_id")
	if chatID == "" {
		chatID = sessionKey
	}

	ctx, cancel := context.WithTimeout(context.Background(), methodTimeout)
	defer cancel()

	result, err := s.scheduler.Enqueue(ctx, sessionKey, lane.QueueEntry{
		Kind:          lane.KindUser,
		Text:          text,
		SourceChannel: "gateway",
		ChatID:        chatID,
		MessageID:     messageID,
		ActorID:       stringParam(params, "actor_id"),
		ThreadID:      stringParam(params, "thread_id"),
		EnqueuedAt:    time.Now(),
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"result":      string(result),
		"session_key": sessionKey,
		"message_id":  messageID,
	}, nil
}

func (s *Server) methodApprovalsList(params map[string]interface{}) (interface{}, error) {
	sessionKey := stringParam(params, "session_key")
	if sessionKey == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "session_key is required"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), methodTimeout)
	defer cancel()

	pending, err := s.approvals.ListPending(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"approvals": pending}, nil
}

// methodApprovalsResolve resolves a pending approval and, when the
// owning run is suspended, enqueues its resumption. Resolution is
// first-writer-wins: a second resolve reports resolved=false.
func (s *Server) methodApprovalsResolve(params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "id")
	decision := stringParam(params, "decision")
	if id == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "id is required"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), methodTimeout)
	defer cancel()

	response := stringParam(params, "response")

	var resolved bool
	var err error
	switch decision {
	case "approve":
		resolved, err = s.approvals.Approve(ctx, id, response)
	case "reject":
		resolved, err = s.approvals.Reject(ctx, id, response)
	default:
		return nil, &RPCError{Code: InvalidParams, Message: "decision must be 'approve' or 'reject'"}
	}
	if err != nil {
		return nil, err
	}

	resumed := false
	if resolved {
		if resumeErr := s.resumer.ResumeFromApproval(ctx, id); resumeErr != nil {
			// The run may still be live and waiting in-process; only
			// suspended runs need an explicit resume.
			s.logger.Debug().Err(resumeErr).Str("approvalId", id).Msg("No suspended run to resume")
		} else {
			resumed = true
		}
	}

	return map[string]interface{}{
		"resolved": resolved,
		"resumed":  resumed,
	}, nil
}

func (s *Server) methodRunsGet(params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "id")
	if id == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "id is required"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), methodTimeout)
	defer cancel()

	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"run": run}, nil
}

func (s *Server) methodRunsList(params map[string]interface{}) (interface{}, error) {
	sessionKey := stringParam(params, "session_key")
	if sessionKey == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "session_key is required"}
	}

	limit := intParam(params, "limit", 20)

	ctx, cancel := context.WithTimeout(context.Background(), methodTimeout)
	defer cancel()

	runs, err := s.runs.ListBySession(ctx, sessionKey, limit)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"runs": runs}, nil
}

func (s *Server) methodJobsList(_ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"jobs": s.cron.ListJobs(nil)}, nil
}

func (s *Server) methodJobsAdd(params map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	var addParams cron.AddParams
	if err := json.Unmarshal(raw, &addParams); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	job, err := s.cron.AddJob(addParams)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{"job": job}, nil
}

func (s *Server) methodJobsRemove(params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "id")
	if id == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "id is required"}
	}

	if err := s.cron.RemoveJob(id); err != nil {
		return nil, err
	}

	return map[string]interface{}{"removed": true}, nil
}

func (s *Server) methodJobsRun(params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "id")
	if id == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "id is required"}
	}

	if err := s.cron.RunJob(id); err != nil {
		return nil, err
	}

	return map[string]interface{}{"fired": true}, nil
}

func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	v, _ := params[key].(string)
	return v
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
