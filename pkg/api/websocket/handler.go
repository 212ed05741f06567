package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/aescanero/comfyrt/pkg/ports"
	"github.com/aescanero/comfyrt/pkg/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	bufferSize   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tooling only
	},
}

// frame is one outbound message
type frame struct {
	messageType int
	data        []byte
}

// Handler relays dispatched events to local websocket clients
type Handler struct {
	dispatcher ports.EventDispatcher
	kinds      []protocol.Kind
	logger     *zap.Logger
}

// NewHandler creates a relay for kinds. With no kinds every kind in the
// static union is relayed.
func NewHandler(dispatcher ports.EventDispatcher, logger *zap.Logger, kinds ...protocol.Kind) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(kinds) == 0 {
		kinds = protocol.KnownKinds()
	}
	return &Handler{
		dispatcher: dispatcher,
		kinds:      kinds,
		logger:     logger,
	}
}

// HandleEvents streams events to one client. The optional kinds query
// parameter narrows the stream to a comma-separated subset.
func (h *Handler) HandleEvents(c *gin.Context) {
	kinds := h.selectKinds(c.Query("kinds"))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	h.logger.Info("WebSocket connection established",
		zap.String("client", c.ClientIP()),
		zap.Int("kinds", len(kinds)))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	frames := make(chan frame, bufferSize)
	unsubscribe := h.subscribe(ctx, kinds, frames)
	defer unsubscribe()

	// reads only detect the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket connection closed", zap.String("client", c.ClientIP()))
			return
		case f := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(f.messageType, f.data); err != nil {
				h.logger.Error("failed to write message", zap.Error(err))
				return
			}
		}
	}
}

// subscribe registers one handler per kind and returns a func removing them
func (h *Handler) subscribe(ctx context.Context, kinds []protocol.Kind, ch chan<- frame) func() {
	ids := make(map[protocol.Kind]ports.SubscriptionID, len(kinds))

	for _, kind := range kinds {
		ids[kind] = h.dispatcher.Subscribe(kind, func(event ports.Event) {
			f, err := encode(event)
			if err != nil {
				h.logger.Error("failed to encode event",
					zap.String("kind", string(event.Kind)),
					zap.Error(err))
				return
			}

			// non-blocking so a slow client never stalls the dispatcher
			select {
			case ch <- f:
			case <-ctx.Done():
			default:
				h.logger.Warn("event channel full, dropping event",
					zap.String("kind", string(event.Kind)))
			}
		})
	}

	return func() {
		for kind, id := range ids {
			h.dispatcher.Unsubscribe(kind, id)
		}
	}
}

// selectKinds intersects the requested kinds with the relayed ones
func (h *Handler) selectKinds(query string) []protocol.Kind {
	if query == "" {
		return h.kinds
	}

	allowed := make(map[protocol.Kind]bool, len(h.kinds))
	for _, k := range h.kinds {
		allowed[k] = true
	}

	var kinds []protocol.Kind
	for _, name := range strings.Split(query, ",") {
		kind := protocol.Kind(strings.TrimSpace(name))
		if allowed[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// encode renders an event in the realtime wire format. Previews become
// binary frames; everything else is a {type, data} text frame.
func encode(event ports.Event) (frame, error) {
	if preview, ok := event.Payload.(*protocol.Preview); ok && preview != nil {
		return frame{
			messageType: websocket.BinaryMessage,
			data:        protocol.EncodePreview(protocol.SubtypeForMIME(preview.MIME), preview.Data),
		}, nil
	}

	data, err := protocol.EncodeText(event.Kind, event.Payload)
	if err != nil {
		return frame{}, err
	}
	return frame{messageType: websocket.TextMessage, data: data}, nil
}
