// Package remote drives a content surface that lives in another process,
// typically a webview shell, over a websocket on a unix socket.
//
// Frames are JSON objects with a "type" field:
//
//	host → shell   init {scripts, page}, load {page}, eval {script}
//	shell → host   ipc {body}, navigated, closed
//
// Only one shell is connected at a time. A new connection replaces the
// previous one and receives the init scripts and the current page.
package remote

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/overlay/internal/infrastructure/logging"
	"github.com/GriffinCanCode/overlay/internal/shared/id"
	"github.com/GriffinCanCode/overlay/internal/surface"
)

// ErrNotConnected is returned by Evaluate while no shell is connected.
var ErrNotConnected = errors.New("no surface shell connected")

const (
	writeTimeout = 5 * time.Second
	// maxFrameBytes bounds frames read from the shell.
	maxFrameBytes = 16 << 20
)

const (
	frameInit      = "init"
	frameLoad      = "load"
	frameEval      = "eval"
	frameIPC       = "ipc"
	frameNavigated = "navigated"
	frameClosed    = "closed"
)

type frame struct {
	Type    string   `json:"type"`
	Scripts []string `json:"scripts,omitempty"`
	Page    string   `json:"page,omitempty"`
	Script  string   `json:"script,omitempty"`
	Body    string   `json:"body,omitempty"`
}

// Config configures the remote surface.
type Config struct {
	// Socket is the unix socket path shells connect to.
	Socket string
	// Token must be presented by shells as the token query parameter.
	Token string
	// InitScripts are sent to every shell on connect.
	InitScripts []string
}

// Surface is a content surface backed by a connected shell.
type Surface struct {
	cfg    Config
	logger *logging.Logger

	upgrader websocket.Upgrader
	server   *http.Server

	handlersMu sync.Mutex
	handlers   surface.Handlers

	// mu guards conn and page and serializes writes.
	mu     sync.Mutex
	conn   *websocket.Conn
	page   string
	loaded bool

	lnMu     sync.Mutex
	listener net.Listener

	done      chan struct{}
	closeOnce sync.Once
}

var _ surface.Surface = (*Surface)(nil)

// New creates a remote surface. Shells can connect once Listen and Serve
// have been called.
func New(cfg Config, logger *logging.Logger) *Surface {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Surface{
		cfg:    cfg,
		logger: logger.Named("remote"),
		upgrader: websocket.Upgrader{
			// Reachable only through a 0600 unix socket.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler shells connect to.
func (s *Surface) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/surface", s.handleConnection)
	return router
}

// Bind installs the event handlers.
func (s *Surface) Bind(h surface.Handlers) {
	s.handlersMu.Lock()
	s.handlers = h
	s.handlersMu.Unlock()
}

func (s *Surface) bound() surface.Handlers {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	return s.handlers
}

// Listen binds the unix socket, replacing a stale socket file.
func (s *Surface) Listen() error {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener != nil {
		return nil
	}

	if err := os.Remove(s.cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.cfg.Socket, err)
	}
	ln, err := net.Listen("unix", s.cfg.Socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Socket, err)
	}
	if err := os.Chmod(s.cfg.Socket, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict %s: %w", s.cfg.Socket, err)
	}
	s.listener = ln
	s.logger.Info("waiting for surface shell", zap.String("socket", s.cfg.Socket))
	return nil
}

// Serve accepts shell connections until ctx ends or the surface closes.
func (s *Surface) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.lnMu.Lock()
	ln := s.listener
	s.lnMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) || s.closed() {
		return nil
	}
	return err
}

func (s *Surface) handleConnection(c *gin.Context) {
	token := c.Query("token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
		s.logger.Warn("rejected surface shell with bad token")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	log := s.logger.With(zap.Stringer("connection", id.NewConnectionID()))

	if err := s.attach(log, conn); err != nil {
		log.Warn("failed to initialize surface shell", zap.Error(err))
		conn.Close()
		return
	}
	s.readLoop(log, conn)
}

// attach makes conn the active shell and sends it the init frame.
func (s *Surface) attach(log *logging.Logger, conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		log.Info("replacing previous surface shell")
		s.conn.Close()
	}
	s.conn = conn
	log.Info("surface shell connected")

	init := frame{Type: frameInit, Scripts: s.cfg.InitScripts}
	if s.loaded {
		init.Page = s.page
	}
	return s.writeLocked(init)
}

func (s *Surface) detach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	conn.Close()
}

func (s *Surface) readLoop(log *logging.Logger, conn *websocket.Conn) {
	defer s.detach(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("surface shell read failed", zap.Error(err))
			} else {
				log.Info("surface shell disconnected")
			}
			return
		}

		var f frame
		if err := sonic.Unmarshal(data, &f); err != nil {
			log.Warn("dropping malformed frame from surface shell", zap.Error(err))
			continue
		}

		h := s.bound()
		switch f.Type {
		case frameIPC:
			if h.Message != nil {
				h.Message([]byte(f.Body))
			}
		case frameNavigated:
			if h.Navigated != nil {
				h.Navigated()
			}
		case frameClosed:
			log.Info("surface shell closed the window")
			s.Close()
			return
		default:
			log.Warn("unknown frame from surface shell", zap.String("type", f.Type))
		}
	}
}

// Load asks the shell to navigate to page. With no shell connected the
// page is remembered and sent when one connects.
func (s *Surface) Load(page string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.page = page
	s.loaded = true
	if s.conn == nil {
		return nil
	}
	return s.writeLocked(frame{Type: frameLoad, Page: page})
}

// Evaluate sends script to the shell. It does not wait for the script to
// run.
func (s *Surface) Evaluate(script string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		return surface.ErrNotLoaded
	}
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.writeLocked(frame{Type: frameEval, Script: script})
}

func (s *Surface) writeLocked(f frame) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Type, err)
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Type, err)
	}
	return nil
}

// Connected reports whether a shell is attached.
func (s *Surface) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Surface) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the surface is closed.
func (s *Surface) Done() <-chan struct{} {
	return s.done
}

// Close disconnects the shell, stops accepting connections and removes
// the socket file.
func (s *Surface) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()

		s.lnMu.Lock()
		if s.listener != nil {
			s.listener.Close()
			os.Remove(s.cfg.Socket)
		}
		s.lnMu.Unlock()
	})
	return nil
}
