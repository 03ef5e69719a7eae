package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"github.com/subscope/subscope/broadcast"
	"github.com/subscope/subscope/core"
	"github.com/subscope/subscope/indexer"
	"github.com/subscope/subscope/pool"
	"github.com/subscope/subscope/utils"
	"nhooyr.io/websocket"
)

const writeTimeout = 5 * time.Second

// Server is the /blockchain live channel: clients join rooms and receive the
// broadcaster's fanout, plus direct replies to their commands.
type Server struct {
	broadcaster *broadcast.Broadcaster
	pool        *pool.Pool
	indexer     *indexer.Indexer
	log         utils.SimpleLogger
}

func NewServer(b *broadcast.Broadcaster, p *pool.Pool, idx *indexer.Indexer, log utils.SimpleLogger) *Server {
	return &Server{
		broadcaster: b,
		pool:        p,
		indexer:     idx,
		log:         log,
	}
}

type clientMessage struct {
	Command string `json:"command"`
	Address string `json:"address,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debugw("WebSocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	s.handle(r.Context(), conn)
}

func (s *Server) handle(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := s.broadcaster.Register()
	defer s.broadcaster.Unregister(sub)

	// Replies and fanout share one writer; a full reply buffer drops the
	// reply rather than stalling the reader.
	replies := make(chan broadcast.Message, 16)

	var wg conc.WaitGroup
	defer wg.Wait()
	wg.Go(func() {
		defer cancel()
		s.writeLoop(ctx, conn, sub, replies)
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Stop the writer before the deferred Wait, or it would idle
			// forever on a connection nobody reads from.
			cancel()
			return
		}
		s.dispatch(sub, replies, data)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sub *broadcast.Subscriber, replies chan broadcast.Message) {
	for {
		var msg broadcast.Message
		var ok bool
		select {
		case <-ctx.Done():
			return
		case msg, ok = <-sub.Recv():
		case msg, ok = <-replies:
		}
		if !ok {
			return
		}
		if err := s.write(ctx, conn, msg); err != nil {
			s.log.Debugw("Dropping live connection", "err", err)
			return
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg broadcast.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) dispatch(sub *broadcast.Subscriber, replies chan broadcast.Message, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		reply(replies, errorMessage("malformed command"))
		return
	}
	command, address := splitCommand(msg)

	switch command {
	case "ping":
		reply(replies, broadcast.Message{Event: "pong"})
	case "get:status":
		reply(replies, broadcast.Message{Event: "blockchain:status", Payload: s.status()})
	case "join:blocks":
		s.join(sub, replies, broadcast.RoomBlocks)
	case "leave:blocks":
		s.leave(sub, replies, broadcast.RoomBlocks)
	case "join:transactions":
		s.join(sub, replies, broadcast.RoomTransactions)
	case "leave:transactions":
		s.leave(sub, replies, broadcast.RoomTransactions)
	case "join:address":
		if !core.IsAddressLike(address) {
			reply(replies, errorMessage("invalid address"))
			return
		}
		s.join(sub, replies, broadcast.AddressRoom(address))
	case "leave:address":
		s.leave(sub, replies, broadcast.AddressRoom(address))
	default:
		reply(replies, errorMessage("unknown command "+command))
	}
}

// splitCommand also accepts the inline form "join:address(<addr>)".
func splitCommand(msg clientMessage) (command, address string) {
	command, address = msg.Command, msg.Address
	if open := strings.Index(command, "("); open != -1 && strings.HasSuffix(command, ")") {
		address = command[open+1 : len(command)-1]
		command = command[:open]
	}
	return command, address
}

func (s *Server) join(sub *broadcast.Subscriber, replies chan broadcast.Message, room broadcast.Room) {
	s.broadcaster.Join(sub, room)
	reply(replies, broadcast.Message{Event: "room:joined", Payload: string(room)})
}

func (s *Server) leave(sub *broadcast.Subscriber, replies chan broadcast.Message, room broadcast.Room) {
	s.broadcaster.Leave(sub, room)
	reply(replies, broadcast.Message{Event: "room:left", Payload: string(room)})
}

func (s *Server) status() map[string]any {
	return map[string]any{
		"endpoint":      s.pool.Endpoint(),
		"connections":   s.pool.ConnectedCount(),
		"lastProcessed": s.indexer.LastProcessed(),
		"subscribers":   s.broadcaster.SubscriberCount(),
	}
}

func reply(replies chan broadcast.Message, msg broadcast.Message) {
	select {
	case replies <- msg:
	default:
	}
}

func errorMessage(text string) broadcast.Message {
	return broadcast.Message{Event: "error", Payload: text}
}
