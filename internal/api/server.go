package api

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"Blockwise/internal/coap"
	"Blockwise/internal/delivery"
	"Blockwise/internal/endpoint"
	"Blockwise/internal/logger"
	"Blockwise/internal/reassembly"
	"Blockwise/internal/transfer"
)

const (
	// maxBlockPayload bounds a gateway request body.
	maxBlockPayload = 64 << 10

	// headerBlock1 carries the hex-encoded Block1 option on gateway requests and responses.
	headerBlock1 = "Block1"

	// headerCode carries the CoAP response code on gateway responses.
	headerCode = "X-CoAP-Code"
)

// CoAPStats exposes the UDP endpoint counters.
type CoAPStats interface {
	Stats() coap.ServerStats
}

// Config configures the HTTP server.
type Config struct {
	Addr     string             // Addr is the HTTP listen address
	Composer *endpoint.Composer // Composer handles gateway uploads
	CoAP     CoAPStats          // CoAP is optional and reported by /status
}

// Server is the HTTP API server.
type Server struct {
	addr     string             // addr is the HTTP listen address
	composer *endpoint.Composer // composer handles gateway uploads
	coap     CoAPStats          // coap provides UDP endpoint counters
	started  time.Time          // started is when the server was created
	engine   *gin.Engine        // engine routes requests
	server   *http.Server       // server is the underlying HTTP server
	listener net.Listener       // listener is bound by Start
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	s := &Server{
		addr:     cfg.Addr,
		composer: cfg.Composer,
		coap:     cfg.CoAP,
		started:  time.Now(),
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/transfers", s.handleTransfers)
	s.engine.GET("/deliveries", s.handleDeliveries)
	s.engine.GET("/deliveries/*path", s.handleDelivery)
	s.engine.PUT("/blocks/*path", s.handleBlock)
	s.engine.POST("/blocks/*path", s.handleBlock)

	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(c *gin.Context) {
	engine := s.composer.Engine()

	store, err := engine.Store().Stats(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "store unavailable")
		logger.Warn("store stats failed", "error", err)
		return
	}

	status := gin.H{
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"engine": engine.Stats(),
		"store":  store,
	}

	if s.coap != nil {
		status["coap"] = s.coap.Stats()
	}

	c.JSON(http.StatusOK, status)
}

// transferView is the JSON form of an in-progress transfer.
type transferView struct {
	Tag          string    `json:"tag"`
	Sender       string    `json:"sender"`
	Size         int       `json:"size"`
	Blocks       int       `json:"blocks"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
}

// handleTransfers handles GET /transfers requests.
func (s *Server) handleTransfers(c *gin.Context) {
	lister, ok := s.composer.Engine().Store().(reassembly.TransferLister)
	if !ok {
		writeError(c, http.StatusNotImplemented, "store cannot list transfers")
		return
	}

	infos := lister.Transfers()
	views := make([]transferView, len(infos))

	for i, info := range infos {
		views[i] = transferView{
			Tag:          hex.EncodeToString([]byte(info.ID.Tag)),
			Sender:       info.ID.Sender.String(),
			Size:         info.Size,
			Blocks:       info.Blocks,
			Created:      info.Created,
			LastActivity: info.LastActivity,
		}
	}

	c.JSON(http.StatusOK, views)
}

// handleDeliveries handles GET /deliveries requests.
func (s *Server) handleDeliveries(c *gin.Context) {
	sink := s.composer.Sink()
	if sink == nil {
		writeError(c, http.StatusNotImplemented, "deliveries disabled")
		return
	}

	recs, err := sink.List()
	if err != nil {
		logger.Error("list deliveries", "error", err)
		writeError(c, http.StatusInternalServerError, "list failed")
		return
	}

	if recs == nil {
		recs = []delivery.Record{}
	}

	c.JSON(http.StatusOK, recs)
}

// handleDelivery handles GET /deliveries/*path requests with the latest body for path.
func (s *Server) handleDelivery(c *gin.Context) {
	sink := s.composer.Sink()
	if sink == nil {
		writeError(c, http.StatusNotImplemented, "deliveries disabled")
		return
	}

	path := strings.Trim(c.Param("path"), "/")

	rec, body, err := sink.Latest(path)
	if errors.Is(err, delivery.ErrNotFound) {
		writeError(c, http.StatusNotFound, "no delivery for path")
		return
	}
	if err != nil {
		logger.Error("load delivery", "path", path, "error", err)
		writeError(c, http.StatusInternalServerError, "load failed")
		return
	}

	c.Header("X-Delivery-Seq", fmt.Sprintf("%d", rec.Seq))
	c.Header("X-Delivery-Digest", rec.Digest)
	c.Data(http.StatusOK, "application/octet-stream", body)
}

// handleBlock handles PUT|POST /blocks/*path gateway uploads.
func (s *Server) handleBlock(c *gin.Context) {
	var blockOpt []byte

	if raw := c.GetHeader(headerBlock1); raw != "" {
		opt, err := hex.DecodeString(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "Block1 header must be hex")
			return
		}
		blockOpt = opt
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBlockPayload+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(payload) > maxBlockPayload {
		writeError(c, http.StatusRequestEntityTooLarge, "block too large")
		return
	}

	// Keyed on the host only: a client may reconnect from a new port mid-upload.
	sender, _ := netip.ParseAddrPort(c.Request.RemoteAddr)

	md := transfer.Metadata{
		Path:   strings.Trim(c.Param("path"), "/"),
		Sender: netip.AddrPortFrom(sender.Addr().Unmap(), 0),
		ETag:   []byte(c.GetHeader("ETag")),
	}

	resp := s.composer.Handle(c.Request.Context(), md, blockOpt, payload)

	c.Header(headerCode, resp.Code.String())
	if len(resp.Block1) > 0 {
		c.Header(headerBlock1, hex.EncodeToString(resp.Block1))
	}

	switch resp.Code {
	case coap.Continue:
		c.Status(http.StatusAccepted)
	case coap.Changed:
		if resp.Delivery != nil {
			c.JSON(http.StatusOK, resp.Delivery)
			return
		}
		c.Status(http.StatusOK)
	default:
		writeError(c, httpStatus(resp.Code), resp.Diagnostic)
	}
}

// httpStatus maps an error response code to HTTP.
func httpStatus(code coap.Code) int {
	switch code {
	case coap.BadRequest, coap.BadOption:
		return http.StatusBadRequest
	case coap.MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case coap.RequestEntityTooLarge:
		return http.StatusRequestEntityTooLarge
	case coap.ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes an error response.
func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
