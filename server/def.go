package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"OnnxAsyncDet/logger"
	"OnnxAsyncDet/pool"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server exposes the async facade over HTTP and WebSocket.
type Server struct {
	svc       *pool.AsyncDetector
	modelDir  string
	closeCh   chan struct{}
	closeOnce sync.Once
}

func New(svc *pool.AsyncDetector, modelDir string) *Server {
	return &Server{
		svc:      svc,
		modelDir: modelDir,
		closeCh:  make(chan struct{}),
	}
}

// CloseNotify fires once a shutdown request has been accepted over the API.
func (s *Server) CloseNotify() <-chan struct{} {
	return s.closeCh
}

func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/stats", s.handleStats)
	r.POST("/api/detect", s.handleDetect)
	r.POST("/api/detect/batch", s.handleDetectBatch)
	r.POST("/api/models/upload", s.handleUpload)
	r.POST("/api/shutdown", s.handleShutdown)
	r.GET("/ws/stream", s.handleStream)
	return r
}

// DecodeBase64Payload accepts a plain base64 string or a data URL
// (data:image/...;base64,xxxx) and returns the raw bytes.
func DecodeBase64Payload(b64 string) ([]byte, error) {
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(b64)
}

type detectRequest struct {
	Image string `json:"image"`
}

type batchRequest struct {
	Images    []string `json:"images"`
	BatchSize int      `json:"batchSize"`
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.svc.GetStats()})
}

// imageFromRequest pulls the image out of either a multipart "file" field or
// a JSON body with a base64 payload.
func (s *Server) imageFromRequest(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, err := c.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("file upload failed: %w", err)
		}
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return DecodeBase64Payload(req.Image)
}

func (s *Server) handleDetect(c *gin.Context) {
	data, err := s.imageFromRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image: " + err.Error()})
		return
	}
	fut, err := s.svc.DetectAsync(data)
	if err != nil {
		s.replyError(c, err)
		return
	}
	res, err := fut.Wait()
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

func (s *Server) handleDetectBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	images := make([][]byte, len(req.Images))
	for i, b64 := range req.Images {
		data, err := DecodeBase64Payload(b64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid image at index %d: %v", i, err)})
			return
		}
		images[i] = data
	}
	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = s.svc.DefaultBatchSize()
	}

	outcome, err := s.svc.DetectBatch(images, batchSize)
	var partial *pool.PartialBatchError
	if err != nil && !errors.As(err, &partial) {
		s.replyError(c, err)
		return
	}
	// Partial failure is still a 200: the caller inspects successful vs
	// total, the same contract the facade itself has.
	items := make([]gin.H, outcome.Total)
	for i, item := range outcome.Items {
		entry := gin.H{"index": item.Index}
		if item.OK() {
			entry["result"] = item.Result
		} else {
			entry["error"] = item.Err.Error()
		}
		items[i] = entry
	}
	c.JSON(http.StatusOK, gin.H{
		"total":      outcome.Total,
		"successful": outcome.Successful,
		"partial":    !outcome.FullySuccessful(),
		"elapsedMs":  outcome.Elapsed.Milliseconds(),
		"items":      items,
	})
}

func (s *Server) handleUpload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed: " + err.Error()})
		return
	}
	modelPath := filepath.Join(s.modelDir, filepath.Base(file.Filename))
	if err := c.SaveUploadedFile(file, modelPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save file: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": modelPath})
}

func (s *Server) handleShutdown(c *gin.Context) {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
	c.JSON(http.StatusOK, gin.H{"data": "shutting down"})
}

// handleStream feeds WebSocket frames through DetectAsync: text frames carry
// base64 images, binary frames raw bytes. Results are written back as they
// complete, tagged with a per-frame id, so a slow frame never stalls the
// read loop.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(20 * 1024 * 1024)

	var writeMu sync.Mutex
	var pending sync.WaitGroup
	writeJSON := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Log().Info("stream connection closed", zap.Error(err))
			break
		}
		var data []byte
		switch mt {
		case websocket.TextMessage:
			data, err = DecodeBase64Payload(string(msg))
			if err != nil {
				writeJSON(gin.H{"error": fmt.Sprintf("invalid image: %v", err)})
				continue
			}
		case websocket.BinaryMessage:
			data = msg
		default:
			writeJSON(gin.H{"error": "unsupported message type"})
			continue
		}

		frameID := uuid.NewString()
		fut, err := s.svc.DetectAsync(data)
		if err != nil {
			writeJSON(gin.H{"frame": frameID, "error": err.Error()})
			continue
		}
		pending.Add(1)
		go func(id string, f *pool.Future) {
			defer pending.Done()
			res, err := f.Wait()
			if err != nil {
				writeJSON(gin.H{"frame": id, "error": err.Error()})
				return
			}
			writeJSON(gin.H{"frame": id, "data": res})
		}(frameID, fut)
	}
	pending.Wait()
}

func (s *Server) replyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, pool.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, pool.ErrPoolClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, pool.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
