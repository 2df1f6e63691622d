package services

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cirx-backend/internal/models"
)

// WebSocket Upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Should check Origin in production environment
		return true
	},
}

// Connection is one websocket subscriber watching a transaction.
type Connection struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Conn          *websocket.Conn `json:"-"`
	Send          chan []byte     `json:"-"`
	LastPing      time.Time       `json:"last_ping"`
}

// PushMessage is the frame sent to subscribers.
type PushMessage struct {
	Type          string      `json:"type"`
	Timestamp     string      `json:"timestamp"`
	MessageID     string      `json:"message_id"`
	TransactionID string      `json:"transaction_id"`
	Data          interface{} `json:"data"`
}

// SwapStatusUpdateData is the payload for status_update frames.
type SwapStatusUpdateData struct {
	TransactionID    string            `json:"transaction_id"`
	OldStatus        models.SwapStatus `json:"old_status"`
	NewStatus        models.SwapStatus `json:"new_status"`
	CirxTransferTxID string            `json:"cirx_transfer_tx_id,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	UserMessage      string            `json:"user_message"`
	Progress         int               `json:"progress"`
}

// User-friendly status message mapping
var swapStatusMessages = map[models.SwapStatus]struct {
	Message  string
	Progress int
}{
	models.StatusPendingPaymentVerification: {"💰 Payment submitted, verifying on chain...", 20},
	models.StatusPaymentVerified:            {"✅ Payment verified, preparing CIRX transfer...", 50},
	models.StatusCirxTransferPending:        {"⚡ CIRX transfer in progress...", 70},
	models.StatusCirxTransferInitiated:      {"⏳ CIRX transfer submitted, waiting for finality...", 90},
	models.StatusCompleted:                  {"🎉 Swap completed, CIRX delivered", 100},
	models.StatusFailedPaymentVerification:  {"❌ Payment verification failed", 0},
	models.StatusFailedCirxTransfer:         {"⚠️ CIRX transfer failed, support has been notified", 0},
}

// StatusPushService pushes swap status changes to websocket subscribers.
type StatusPushService struct {
	connections map[string]*Connection   // key: connectionID
	txConns     map[string][]*Connection // key: transactionID
	hub         chan PushMessage
	register    chan *Connection
	unregister  chan *Connection
	mutex       sync.RWMutex
}

// NewStatusPushService creates the push service and starts its hub loop.
func NewStatusPushService() *StatusPushService {
	service := &StatusPushService{
		connections: make(map[string]*Connection),
		txConns:     make(map[string][]*Connection),
		hub:         make(chan PushMessage, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
	}

	go service.run()
	return service
}

func (s *StatusPushService) run() {
	for {
		select {
		case conn := <-s.register:
			s.handleRegister(conn)

		case conn := <-s.unregister:
			s.handleUnregister(conn)

		case message := <-s.hub:
			s.handleBroadcast(message)
		}
	}
}

func (s *StatusPushService) handleRegister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.connections[conn.ID] = conn
	s.txConns[conn.TransactionID] = append(s.txConns[conn.TransactionID], conn)

	log.Printf("📱 WebSocket connection registered: tx=%s, connID=%s", conn.TransactionID, conn.ID)

	if conn.Send != nil {
		confirmMsg := PushMessage{
			Type:          "connection_established",
			Timestamp:     time.Now().Format(time.RFC3339),
			MessageID:     generateMessageID(),
			TransactionID: conn.TransactionID,
			Data: map[string]interface{}{
				"transaction_id": conn.TransactionID,
				"connection_id":  conn.ID,
				"message":        "Real-time status connection established",
			},
		}
		s.sendToConnection(conn, confirmMsg)
	}
}

func (s *StatusPushService) handleUnregister(conn *Connection) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.connections, conn.ID)

	if txConns, exists := s.txConns[conn.TransactionID]; exists {
		for i, c := range txConns {
			if c.ID == conn.ID {
				s.txConns[conn.TransactionID] = append(txConns[:i], txConns[i+1:]...)
				break
			}
		}
		if len(s.txConns[conn.TransactionID]) == 0 {
			delete(s.txConns, conn.TransactionID)
		}
	}

	if conn.Send != nil {
		close(conn.Send)
	}
	if conn.Conn != nil {
		conn.Conn.Close()
	}

	log.Printf("📱 WebSocket connection unregistered: tx=%s, connID=%s", conn.TransactionID, conn.ID)
}

func (s *StatusPushService) handleBroadcast(message PushMessage) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	txConns, exists := s.txConns[message.TransactionID]
	if !exists {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ Failed to marshal message: %v", err)
		return
	}

	for _, conn := range txConns {
		select {
		case conn.Send <- data:
		default:
			log.Printf("⚠️ Failed to send to connection: %s (channel full or closed)", conn.ID)
		}
	}
}

func (s *StatusPushService) sendToConnection(conn *Connection, message PushMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ Failed to marshal message: %v", err)
		return
	}

	select {
	case conn.Send <- data:
	default:
		log.Printf("⚠️ Failed to send to connection: %s", conn.ID)
	}
}

// BroadcastStatusUpdate pushes a status change to every subscriber of a
// transaction. Safe to call from any goroutine.
func (s *StatusPushService) BroadcastStatusUpdate(tx *models.Transaction, oldStatus models.SwapStatus) {
	data := SwapStatusUpdateData{
		TransactionID:    tx.ID,
		OldStatus:        oldStatus,
		NewStatus:        tx.SwapStatus,
		CirxTransferTxID: tx.CirxTransferTxID,
		FailureReason:    tx.FailureReason,
	}
	if msgInfo, exists := swapStatusMessages[tx.SwapStatus]; exists {
		data.UserMessage = msgInfo.Message
		data.Progress = msgInfo.Progress
	}

	s.hub <- PushMessage{
		Type:          "status_update",
		Timestamp:     time.Now().Format(time.RFC3339),
		MessageID:     generateMessageID(),
		TransactionID: tx.ID,
		Data:          data,
	}
}

// HandleWebSocket upgrades the request and subscribes it to a transaction.
func (s *StatusPushService) HandleWebSocket(w http.ResponseWriter, r *http.Request, transactionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed: %v", err)
		return
	}

	connection := &Connection{
		ID:            generateConnectionID(),
		TransactionID: transactionID,
		Conn:          conn,
		Send:          make(chan []byte, 256),
		LastPing:      time.Now(),
	}

	s.register <- connection

	go s.handleConnectionWrite(connection)
	go s.handleConnectionRead(connection)
}

func (s *StatusPushService) handleConnectionWrite(conn *Connection) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ Write message failed: %v", err)
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *StatusPushService) handleConnectionRead(conn *Connection) {
	defer func() {
		s.unregister <- conn
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.LastPing = time.Now()
		return nil
	})

	for {
		_, _, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket read error: %v", err)
			}
			break
		}
	}
}

// GetActiveConnections returns the number of live subscriber connections.
func (s *StatusPushService) GetActiveConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}

func generateConnectionID() string {
	return fmt.Sprintf("conn_%d", time.Now().UnixNano())
}

func generateMessageID() string {
	return fmt.Sprintf("msg_%d", time.Now().UnixNano())
}
