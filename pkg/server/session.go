package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/kadirpekel/geoassist/pkg/agent"
	"github.com/kadirpekel/geoassist/pkg/analysis"
	"github.com/kadirpekel/geoassist/pkg/assistant"
	"github.com/kadirpekel/geoassist/pkg/maps"
)

// session is one WebSocket conversation. It owns its assistant and map
// state; turns run on the read-loop goroutine, so a session never processes
// two turns at once.
type session struct {
	id           string
	conn         *websocket.Conn
	assistant    *assistant.Assistant
	mapState     *maps.Handler
	writeTimeout time.Duration
	onFigure     func(maps.Figure)
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	figureVersion uint64
}

// run reads inbound frames until the socket closes or the session context
// is cancelled.
func (s *session) run() {
	defer s.close()
	s.log.Info("Session opened")

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("Invalid frame", "error", err)
			continue
		}
		if frame.Type != frameUser {
			s.log.Warn("Skipping frame", "type", frame.Type)
			continue
		}

		s.turn(frame.Message)
	}
}

// turn echoes the user message, runs one assistant turn, and flushes the
// figure when the map changed. Successful replies reach the client through
// the succeeded kernel event; failed turns are reported here from the
// returned canned reply. Either way a turn ends with exactly one
// ai_response.
func (s *session) turn(message string) {
	s.send(messageFrame{Type: frameUserMessage, Message: message})

	reply, err := s.assistant.Chat(s.ctx, message)
	if err != nil {
		s.log.Error("Turn failed", "error", err)
		if reply == "" {
			reply = turnFailedReply
		}
		s.send(messageFrame{Type: frameAIResponse, Message: reply})
	}

	if version := s.mapState.Version(); version != s.figureVersion {
		s.figureVersion = version
		figure := s.mapState.Figure()
		if s.onFigure != nil {
			s.onFigure(figure)
		}
		s.send(figureFrame{Type: frameFigureUpdate, Figure: figure})
	}
}

// onAgentEvent forwards kernel events. Tool dispatches become tool frames;
// the final succeeded event carries the reply. Turn-level errors produce no
// frame here: turn reports them from Chat's return value.
func (s *session) onAgentEvent(evt agent.Event) {
	switch {
	case evt.ToolCall != "":
		s.send(toolFrame{
			Type:     frameTool,
			ToolCall: evt.ToolCall,
			ToolArgs: evt.ToolArgs,
			Status:   evt.Status,
		})
	case evt.Status == agent.StatusSucceeded:
		s.send(messageFrame{Type: frameAIResponse, Message: evt.Message})
	}
}

func (s *session) onAnalysisEvent(evt analysis.Event) {
	s.send(analysisFrame{Type: frameAnalysis, Event: evt})
}

// send marshals and writes one frame. Emitters call this from inside the
// turn; the write timeout keeps a stalled client from blocking the turn
// forever.
func (s *session) send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Warn("Failed to marshal frame", "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.log.Warn("Failed to send frame", "error", err)
	}
}

func (s *session) close() {
	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	s.log.Info("Session closed")
}
