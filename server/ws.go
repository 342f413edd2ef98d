package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fetchd/fetchd/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// clientMessage is a control message from a UI client
type clientMessage struct {
	Type  string `json:"type"` // join-job, leave-job
	JobID string `json:"jobId"`
}

// workerMessage is one event fed back from an external worker process
type workerMessage struct {
	Type       string           `json:"type"` // progress, completed, failed, job-update
	JobID      string           `json:"jobId"`
	Stage      models.Stage     `json:"stage,omitempty"`
	Progress   float64          `json:"progress,omitempty"`
	Speed      string           `json:"speed,omitempty"`
	ETASec     int              `json:"eta,omitempty"`
	TotalBytes int64            `json:"totalBytes,omitempty"`
	Filename   string           `json:"filename,omitempty"`
	OutputPath string           `json:"outputPath,omitempty"`
	Size       int64            `json:"size,omitempty"`
	ErrorCode  models.ErrorCode `json:"errorCode,omitempty"`
	Message    string           `json:"message,omitempty"`
	Status     models.JobStatus `json:"status,omitempty"`
}

// handleClientWS upgrades a UI client and pumps its subscribed rooms
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := s.bus.Subscribe("")
	defer conn.Close()

	// Writer: one goroutine owns the connection's write side
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader: join/leave control messages
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "join-job":
			room := models.RoomForJob(msg.JobID)
			s.bus.Join(sub, room)
			s.writeAck(conn, room)
		case "leave-job":
			room := models.RoomForJob(msg.JobID)
			s.bus.Leave(sub, room)
			s.writeAck(conn, room)
		}
	}

	// Closing the subscription ends the writer goroutine
	s.bus.Unsubscribe(sub)
	<-done
}

func (s *Server) writeAck(conn *websocket.Conn, room string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(map[string]any{"ok": true, "room": room}); err != nil {
		s.logger.Debug("ack write failed", "room", room, "error", err)
	}
}

// handleWorkerWS accepts the authenticated worker back-channel. Events
// converge on the progress pipeline exactly like in-process workers.
func (s *Server) handleWorkerWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WorkerToken == "" || r.Header.Get("x-worker-token") != s.cfg.WorkerToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.logger.Info("worker channel connected", "remote", r.RemoteAddr)

	pipeline := s.orch.Pipeline()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("worker channel closed", "remote", r.RemoteAddr)
			return
		}
		var msg workerMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.JobID == "" {
			continue
		}
		switch msg.Type {
		case models.EventProgress:
			pipeline.OnProgress(msg.JobID, models.ProgressDelta{
				Progress:    msg.Progress,
				HasProgress: true,
				Stage:       msg.Stage,
				Speed:       msg.Speed,
				ETASec:      msg.ETASec,
				TotalBytes:  msg.TotalBytes,
			})
		case models.EventCompleted:
			pipeline.OnCompleted(msg.JobID, msg.Filename, msg.OutputPath, msg.Size)
		case models.EventFailed:
			pipeline.OnFailed(msg.JobID, msg.ErrorCode, msg.Message)
		case models.EventJobUpdate:
			pipeline.OnJobUpdate(msg.JobID, models.JobUpdateEvent{
				JobID:    msg.JobID,
				Status:   msg.Status,
				Stage:    msg.Stage,
				Progress: msg.Progress,
			})
		}
	}
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
