package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/w1xm/bsc_raster/shutter"
	"github.com/w1xm/bsc_raster/stage"
)

// Run states reported in Status.Run.State.
const (
	StateConnecting  = "connecting"
	StateConfiguring = "configuring"
	StateRastering   = "rastering"
	StateDone        = "done"
	StateFailed      = "failed"
)

type RunStatus struct {
	ID      string    `json:"id"`
	State   string    `json:"state"`
	Error   string    `json:"error,omitempty"`
	Started time.Time `json:"started"`
}

type Status struct {
	Run     RunStatus            `json:"run"`
	Axes    map[int]stage.Status `json:"axes"`
	Shutter *shutter.Status      `json:"shutter,omitempty"`
}

type Server struct {
	mu   sync.Mutex
	stop context.CancelFunc

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     Status
	version    uint64
}

func NewServer(runID string) *Server {
	s := &Server{
		status: Status{
			Run: RunStatus{
				ID:      runID,
				State:   StateConnecting,
				Started: time.Now(),
			},
			Axes: make(map[int]stage.Status),
		},
		version: 1,
	}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

// SetStop registers the function that aborts the current run.
func (s *Server) SetStop(stop context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop = stop
}

func (s *Server) Router(reg prometheus.Gatherer) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/api/status", http.HandlerFunc(s.StatusHandler)).Methods(http.MethodGet)
	r.Handle("/api/ws", http.HandlerFunc(s.StatusSocketHandler))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// snapshot must be called with statusMu held.
func (s *Server) snapshot() Status {
	status := s.status
	status.Axes = make(map[int]stage.Status, len(s.status.Axes))
	for k, v := range s.status.Axes {
		status.Axes[k] = v
	}
	if s.status.Shutter != nil {
		sh := *s.status.Shutter
		status.Shutter = &sh
	}
	return status
}

func (s *Server) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.snapshot()
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status := s.Status()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		log.Print(err)
		return
	}
	w.Write(data)
}

type Command struct {
	Command string `json:"command"`
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				break
			}
			switch msg.Command {
			case "stop":
				s.mu.Lock()
				if s.stop != nil {
					log.Printf("stop requested by %s", r.RemoteAddr)
					s.stop()
				}
				s.mu.Unlock()
			}
		}
	}()
	go func() {
		<-ctx.Done()
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	}()

	var seen uint64
	for {
		s.statusMu.RLock()
		for s.version == seen && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		status := s.snapshot()
		seen = s.version
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}

		data, err := json.Marshal(status)
		if err != nil {
			log.Print(err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Print(err)
			return
		}
	}
}

func (s *Server) update(f func(status *Status)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	f(&s.status)
	s.version++
	s.statusCond.Broadcast()
}

func (s *Server) stageCallback(status stage.Status) {
	s.update(func(st *Status) {
		st.Axes[status.Axis] = status
	})
}

func (s *Server) shutterCallback(status shutter.Status) {
	s.update(func(st *Status) {
		st.Shutter = &status
	})
}

func (s *Server) setState(state string, err error) {
	s.update(func(st *Status) {
		st.Run.State = state
		st.Run.Error = ""
		if err != nil {
			st.Run.Error = err.Error()
		}
	})
}
