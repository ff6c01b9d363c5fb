package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hollis-ng/research-chat/internal/chat"
	"github.com/hollis-ng/research-chat/internal/common"
	"github.com/hollis-ng/research-chat/internal/httpapi/middleware"
	"github.com/hollis-ng/research-chat/internal/models"
	"github.com/hollis-ng/research-chat/internal/ratelimit"
	"gorm.io/gorm"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    0,
		"message": "ok",
		"data":    data,
	})
}

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

type messageBody struct {
	ID    string          `json:"id"`
	Parts json.RawMessage `json:"parts" binding:"required"`
}

type sendMessageReq struct {
	ChatID  string      `json:"chat_id" binding:"required"`
	Message messageBody `json:"message" binding:"required"`
}

func setRateHeaders(c *gin.Context, dec ratelimit.Decision) {
	if dec.Unlimited {
		c.Header("X-RateLimit-Limit", "unlimited")
		c.Header("X-RateLimit-Remaining", "unlimited")
	} else {
		c.Header("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining()))
	}
	c.Header("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
}

// admitAndCheckpoint runs the shared front half of the chat endpoints:
// quota admission, request accounting, and the first upsert that durably
// stores the user's message before any generation is attempted. It writes
// the error response itself and reports whether the caller may continue.
func (h *Handler) admitAndCheckpoint(c *gin.Context, uid uint64, req sendMessageReq, endpoint string) bool {
	var user models.User
	if err := h.DB.First(&user, uid).Error; err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return false
	}

	dec, err := h.Limiter.Admit(c.Request.Context(), &user)
	if err != nil {
		log.Printf("admit failed uid=%d err=%v", uid, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return false
	}
	setRateHeaders(c, dec)
	if !dec.Allowed {
		fail(c, http.StatusTooManyRequests, 42901, dec.Reason)
		return false
	}
	if !dec.Unlimited {
		if err := h.Limiter.Record(c.Request.Context(), uid, endpoint); err != nil {
			log.Printf("record request failed uid=%d err=%v", uid, err)
			fail(c, http.StatusInternalServerError, 50001, "internal error")
			return false
		}
	}

	_, err = h.ChatSvc.SaveUserTurn(c.Request.Context(), uid, req.ChatID, chat.MessageInput{
		ID:    req.Message.ID,
		Role:  chat.RoleUser,
		Parts: req.Message.Parts,
	})
	if err != nil {
		if errors.Is(err, chat.ErrChatOwnership) {
			fail(c, http.StatusForbidden, 40301, "chat belongs to another user")
			return false
		}
		log.Printf("save user turn failed uid=%d chat_id=%s err=%v", uid, req.ChatID, err)
		fail(c, http.StatusInternalServerError, 50001, "failed to save message")
		return false
	}
	return true
}

// SendChatMessage streams the assistant reply over SSE. The user message is
// persisted before streaming starts, the stream id is registered for resume,
// and the full reply is persisted when streaming ends.
func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if !h.admitAndCheckpoint(c, uid, req, "chat") {
		return
	}

	streamID, err := common.NewULID()
	if err != nil {
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if err := h.Streams.Append(c.Request.Context(), req.ChatID, streamID); err != nil {
		log.Printf("append stream failed chat_id=%s err=%v", req.ChatID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Header("X-Stream-ID", streamID)

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	chunks, done, msgIDCh, errs := h.ChatSvc.StreamReply(ctx, uid, req.ChatID)

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	flusher, okf := c.Writer.(http.Flusher)
	if !okf {
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	writeJSON("start", gin.H{
		"type":      "start",
		"stream_id": streamID,
	})

	for {
		select {
		case ch, okc := <-chunks:
			if !okc {
				chunks = nil
				continue
			}
			writeJSON("chunk", gin.H{
				"type":  "chunk",
				"delta": ch,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case err := <-errs:
			if err == nil {
				continue
			}
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeJSON("error", gin.H{
					"type":    "error",
					"message": "chat not found",
				})
				return
			}
			writeJSON("error", gin.H{
				"type":    "error",
				"message": err.Error(),
			})
			return

		case <-done:
			var mid string
			select {
			case mid = <-msgIDCh:
			default:
			}
			writeJSON("done", gin.H{
				"type":       "done",
				"stream_id":  streamID,
				"message_id": mid,
			})
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) GetChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("chat_id")
	ch, msgs, err := h.ChatSvc.GetChat(c.Request.Context(), uid, chatID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50002, "failed to load chat")
		return
	}

	ok(c, gin.H{
		"chat":     ch,
		"messages": msgs,
	})
}

func (h *Handler) ListChats(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chats, err := h.ChatSvc.ListChats(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list chats")
		return
	}

	ok(c, gin.H{"chats": chats})
}

// GetChatStreams lets a reconnecting client ask which generation attempts
// exist for a chat. The newest id is the one eligible for resumption; the
// client correlates with the persisted messages to decide what is missing.
func (h *Handler) GetChatStreams(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	chatID := c.Param("chat_id")
	if _, _, err := h.ChatSvc.GetChat(c.Request.Context(), uid, chatID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40404, "chat not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50002, "failed to load chat")
		return
	}

	ids, err := h.Streams.StreamIDs(c.Request.Context(), chatID)
	if err != nil {
		fail(c, http.StatusInternalServerError, 50002, "failed to list streams")
		return
	}

	var mostRecent string
	if len(ids) > 0 {
		mostRecent = ids[0]
	}
	ok(c, gin.H{
		"stream_ids":            ids,
		"most_recent_stream_id": mostRecent,
	})
}

// SendChatMessageAsync persists the user turn, creates a generation job
// (idempotency-key aware) and enqueues it for the worker.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	if !h.admitAndCheckpoint(c, uid, req, "chat_async") {
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		log.Printf("[SendChatMessageAsync] NewULID failed uid=%d chat_id=%s err=%v", uid, req.ChatID, err)
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		UserID:         uid,
		ChatID:         req.ChatID,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	created := true
	if idempoKeyPtr == nil {
		if err := h.ChatSvc.CreateJob(c.Request.Context(), j); err != nil {
			log.Printf("[SendChatMessageAsync] CreateJob failed uid=%d chat_id=%s job_id=%s err=%v", uid, req.ChatID, jobID, err)
			fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
	} else {
		var job *chat.Job
		job, created, err = h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), j)
		if err != nil {
			log.Printf("[SendChatMessageAsync] CreateJobOrGetExisting failed uid=%d chat_id=%s job_id=%s key=%s err=%v", uid, req.ChatID, jobID, idempoKey, err)
			fail(c, http.StatusInternalServerError, 50001, "internal error")
			return
		}
		j = job
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			log.Printf("[SendChatMessageAsync] PublishJob failed uid=%d chat_id=%s job_id=%s err=%v", uid, req.ChatID, j.ID, err)
			fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	ok(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.UserID != uid {
		// hide existence
		fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	ok(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"chat_id":           j.ChatID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"pong": true})
}
