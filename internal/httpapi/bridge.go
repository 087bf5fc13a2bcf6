package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/rtbridge/internal/client"
	"github.com/ent0n29/rtbridge/internal/journal"
	"github.com/ent0n29/rtbridge/internal/policy"
	"github.com/ent0n29/rtbridge/internal/protocol"
	"github.com/ent0n29/rtbridge/internal/reconnect"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 2 << 20
)

// handleSessionWS bridges one browser websocket to one upstream realtime
// session: client frames are translated into upstream events, upstream
// deltas stream back as gateway frames, and everything lands in the journal.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if s.opener == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "session opener not configured")
		return
	}
	if err := s.journal.StartSession(r.Context(), sessionID); err != nil {
		respondError(w, http.StatusInternalServerError, "journal_error", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.countSession("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rt, err := s.opener.OpenSession(ctx)
	if err != nil {
		log.Printf("session %s: upstream dial failed: %v", sessionID, err)
		s.writeDirect(conn, protocol.ServerError{
			Type:      protocol.TypeServerError,
			Code:      "upstream_unavailable",
			Retryable: true,
			Detail:    err.Error(),
		})
		_ = s.journal.FinishSession(context.Background(), sessionID, journal.StatusError, "upstream dial failed", 0)
		return
	}
	connectedAt := time.Now()

	b := &wsBridge{
		server:    s,
		sessionID: sessionID,
		rt:        rt,
		outbound:  make(chan any, 256),
	}
	b.subscribe()
	b.journalEvent(journal.KindSessionStart, "", rt.Session().ID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-b.outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					if s.metrics != nil {
						s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					}
					cancel()
					return
				}
			}
		}
	}()

	// Terminal upstream failure unblocks the read loop by closing the socket.
	go func() {
		select {
		case <-ctx.Done():
		case <-rt.Done():
			if err := rt.Err(); err != nil {
				b.send(protocol.ServerError{
					Type:      protocol.TypeServerError,
					Code:      errorCode(err),
					Retryable: false,
					Detail:    err.Error(),
				})
				b.journalEvent(journal.KindErrorEvent, "", err.Error())
			}
			// Closing the queue lets the writer drain every buffered frame
			// and exit, so the error frame reaches the client before the
			// socket goes down.
			b.closeOutbound()
			<-writerDone
			cancel()
			conn.Close()
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	status := journal.StatusCompleted
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, perr := protocol.ParseClientMessage(data)
		if perr != nil {
			b.send(protocol.ServerError{
				Type:      protocol.TypeServerError,
				Code:      "invalid_message",
				Retryable: false,
				Detail:    perr.Error(),
			})
			continue
		}
		if done := b.handleClientMessage(parsed); done {
			break
		}
	}

	cancel()
	if err := rt.Close(); err != nil {
		log.Printf("session %s: close upstream: %v", sessionID, err)
	}
	<-writerDone

	if rt.Err() != nil {
		status = journal.StatusError
	}
	summary := b.summarize()
	b.journalEvent(journal.KindSessionEnd, "", summary)
	if err := s.journal.FinishSession(context.Background(), sessionID, status, summary, time.Since(connectedAt)); err != nil {
		log.Printf("session %s: finish journal: %v", sessionID, err)
	}
	s.countSession("ws_disconnected")
	log.Printf("session %s ended: status=%s duration=%s", sessionID, status, time.Since(connectedAt).Round(time.Millisecond))
}

// wsBridge holds the per-connection state shared between the upstream
// subscriber callbacks and the gateway read loop.
type wsBridge struct {
	server    *Server
	sessionID string
	rt        RealtimeSession
	outbound  chan any

	mu           sync.Mutex
	outClosed    bool
	responseText strings.Builder
	userMsgs     int
	assistantMsg int
	audioSeq     int
}

func (b *wsBridge) subscribe() {
	b.rt.Subscribe(protocol.TypeResponseTextDelta, func(evt protocol.InboundEvent) {
		var delta protocol.ResponseTextDelta
		if err := json.Unmarshal(evt.Raw, &delta); err != nil || delta.Delta == "" {
			return
		}
		b.mu.Lock()
		b.responseText.WriteString(delta.Delta)
		b.mu.Unlock()
		b.send(protocol.ServerText{Type: protocol.TypeServerText, Content: delta.Delta, Chunk: true})
	})

	b.rt.Subscribe(protocol.TypeResponseAudioDelta, func(evt protocol.InboundEvent) {
		var delta protocol.ResponseAudioDelta
		if err := json.Unmarshal(evt.Raw, &delta); err != nil || delta.AudioBase64 == "" {
			return
		}
		b.mu.Lock()
		b.audioSeq++
		seq := b.audioSeq
		b.mu.Unlock()
		b.send(protocol.ServerAudioChunk{
			Type:        protocol.TypeServerAudioChunk,
			Seq:         seq,
			Format:      delta.Format,
			AudioBase64: delta.AudioBase64,
		})
	})

	b.rt.Subscribe(protocol.TypeResponseDone, func(evt protocol.InboundEvent) {
		var done protocol.ResponseDone
		_ = json.Unmarshal(evt.Raw, &done)

		b.mu.Lock()
		text := b.responseText.String()
		b.responseText.Reset()
		if text != "" {
			b.assistantMsg++
		}
		b.mu.Unlock()

		if text != "" {
			b.journalEvent(journal.KindAssistant, "assistant", text)
		}
		b.send(protocol.ServerDone{Type: protocol.TypeServerDone, Reason: done.Reason})
	})

	b.rt.Subscribe(protocol.TypeToolCall, func(evt protocol.InboundEvent) {
		var call protocol.ToolCall
		if err := json.Unmarshal(evt.Raw, &call); err != nil || call.ToolCallID == "" {
			return
		}
		b.journalToolEvent(journal.KindToolCall, call.ToolCallID, call.ToolName, string(call.Arguments))
		b.send(protocol.ServerToolUse{
			Type:       protocol.TypeServerToolUse,
			ToolCallID: call.ToolCallID,
			ToolName:   call.ToolName,
			Arguments:  call.Arguments,
		})
	})

	b.rt.Subscribe(protocol.TypeUpstreamError, func(evt protocol.InboundEvent) {
		var ue protocol.UpstreamError
		if err := json.Unmarshal(evt.Raw, &ue); err != nil {
			return
		}
		b.journalEvent(journal.KindErrorEvent, "", fmt.Sprintf("%s: %s", ue.Code, ue.Message))
		b.send(protocol.ServerError{
			Type:      protocol.TypeServerError,
			Code:      ue.Code,
			Retryable: reconnect.RetryableUpstreamCode(ue.Code),
			Detail:    ue.Message,
		})
	})

	b.rt.SubscribeUnknown(func(evt protocol.InboundEvent) {
		log.Printf("session %s: unknown upstream event %q", b.sessionID, evt.Type)
	})
}

// handleClientMessage translates one gateway frame into upstream events.
// Returns true when the client asked to close the session.
func (b *wsBridge) handleClientMessage(parsed any) bool {
	switch msg := parsed.(type) {
	case protocol.ClientText:
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			return false
		}
		b.mu.Lock()
		b.userMsgs++
		b.mu.Unlock()
		// The journal outlives the session; mask PII there but send the
		// user's words upstream untouched.
		redacted, _ := policy.RedactPII(content)
		b.journalEvent(journal.KindUserMessage, "user", redacted)
		if err := b.rt.SendText(content); err != nil {
			b.reportSubmitError(err)
			return false
		}
		if err := b.rt.CreateResponse(""); err != nil {
			b.reportSubmitError(err)
		}
	case protocol.ClientAudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
		if err != nil {
			b.send(protocol.ServerError{
				Type:   protocol.TypeServerError,
				Code:   "invalid_audio",
				Detail: "pcm16_base64 is not valid base64",
			})
			return false
		}
		if err := b.rt.AppendAudio(pcm, msg.SampleRate); err != nil {
			b.reportSubmitError(err)
		}
	case protocol.ClientToolResult:
		b.journalToolEvent(journal.KindToolResult, msg.ToolCallID, msg.ToolName, string(msg.Result))
		if err := b.rt.SendToolResult(msg.ToolCallID, msg.ToolName, msg.Result); err != nil {
			b.reportSubmitError(err)
		}
	case protocol.ClientControl:
		switch msg.Action {
		case "commit":
			if err := b.rt.CommitInput(); err != nil {
				b.reportSubmitError(err)
			}
		case "close":
			return true
		default:
			b.send(protocol.ServerError{
				Type:   protocol.TypeServerError,
				Code:   "unknown_action",
				Detail: fmt.Sprintf("unsupported control action %q", msg.Action),
			})
		}
	}
	return false
}

func (b *wsBridge) reportSubmitError(err error) {
	code := "submit_failed"
	retryable := false
	if errors.Is(err, client.ErrBackpressure) {
		// Fail-fast by contract; the browser client retries or drops.
		code = "backpressure"
		retryable = true
	}
	b.send(protocol.ServerError{
		Type:      protocol.TypeServerError,
		Code:      code,
		Retryable: retryable,
		Detail:    err.Error(),
	})
}

// send queues a frame for the writer without ever blocking the upstream
// read loop. A full queue drops the frame and counts it.
func (b *wsBridge) send(msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outClosed {
		return
	}
	select {
	case b.outbound <- msg:
	default:
		if b.server.metrics != nil {
			b.server.metrics.WSWriteErrors.WithLabelValues("queue_full").Inc()
		}
	}
}

// closeOutbound stops accepting frames and closes the queue; the writer
// drains what is buffered and exits.
func (b *wsBridge) closeOutbound() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outClosed {
		return
	}
	b.outClosed = true
	close(b.outbound)
}

func (b *wsBridge) journalEvent(kind, role, content string) {
	_, err := b.server.journal.AppendEvent(context.Background(), journal.EventRecord{
		SessionID: b.sessionID,
		Kind:      kind,
		Role:      role,
		Content:   content,
	})
	if err != nil {
		log.Printf("session %s: journal %s: %v", b.sessionID, kind, err)
	}
}

func (b *wsBridge) journalToolEvent(kind, toolCallID, toolName, content string) {
	_, err := b.server.journal.AppendEvent(context.Background(), journal.EventRecord{
		SessionID:  b.sessionID,
		Kind:       kind,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Content:    content,
	})
	if err != nil {
		log.Printf("session %s: journal %s: %v", b.sessionID, kind, err)
	}
}

func (b *wsBridge) summarize() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("%d user messages, %d assistant responses", b.userMsgs, b.assistantMsg)
}

func (s *Server) writeDirect(conn *websocket.Conn, msg any) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil && s.metrics != nil {
		s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
	}
}

func (s *Server) countSession(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func errorCode(err error) string {
	if errors.Is(err, reconnect.ErrUnrecoverable) {
		return "unrecoverable"
	}
	var uerr *client.UpstreamError
	if errors.As(err, &uerr) {
		return uerr.Code
	}
	return "session_failed"
}
