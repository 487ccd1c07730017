package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lumiclass/classbus/relay/service"
	"github.com/lumiclass/classbus/relay/wire"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 16384
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	BusService interface {
		Connect(ctx context.Context, userID string, w wire.Wire)
		Disconnect(ctx context.Context, userID string, w wire.Wire)
		Join(ctx context.Context, userID, channelID string) error
		Leave(ctx context.Context, userID, channelID string)
		Members(channelID string) []string
		Publish(ctx context.Context, userID, channelID string, payload []byte) error
		SendDirect(ctx context.Context, src, dst string, payload []byte)
	}

	// Authenticator validates a (userID, token) pair at handshake.
	Authenticator func(userID, token string) bool

	Config struct {
		Logger        *zerolog.Logger
		BusService    BusService
		ListenAddr    string
		Authenticator Authenticator
	}

	Server struct {
		svc  BusService
		auth Authenticator
		ws   *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "bus-server").Logger(),
		svc:    cfg.BusService,
		auth:   cfg.Authenticator,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.auth == nil {
		srv.auth = func(userID, token string) bool { return userID != "" && token != "" }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bus", srv.bus)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// Handler exposes the mux for tests running the relay on httptest.
func (srv *Server) WSHandler() http.Handler {
	return srv.Server.Handler
}

func (srv *Server) bus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	token := r.URL.Query().Get("token")
	if !srv.auth(userID, token) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	wr := wire.NewWire()
	ctx, cancel := context.WithCancel(context.TODO()) // long-living session context

	logger := srv.logger.With().
		Str("userID", userID).
		Str("sessionID", uuid.NewString()).
		Logger()

	srv.svc.Connect(ctx, userID, wr)
	logger.Debug().Msg("bus session created")

	go srv.handleWSConn(ctx, cancel, conn, userID, wr, &logger)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	userID string,
	wr wire.Wire,
	logger *zerolog.Logger,
) {
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		srv.receiver(ctx, wg, conn, userID, wr, logger)
		cancel()
	}()
	go func() {
		sender(ctx, wg, conn, wr.TX, logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, logger)

	dCtx, dCancel := context.WithTimeout(context.Background(), defaultWebSocketCloseWriteDeadline)
	srv.svc.Disconnect(dCtx, userID, wr)
	dCancel()
	logger.Debug().Msg("bus session ended")
}

// receiver parses inbound frames and applies them to the service,
// acking every frame that carries a sequence number.
func (srv *Server) receiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	userID string,
	wr wire.Wire,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		var f wire.Frame
		if err = json.Unmarshal(data, &f); err != nil {
			logger.Debug().Err(err).Msg("malformed frame dropped")
			continue
		}
		srv.applyFrame(ctx, userID, f, wr, logger)
	}
}

func (srv *Server) applyFrame(ctx context.Context, userID string, f wire.Frame, wr wire.Wire, logger *zerolog.Logger) {
	ack := wire.Frame{Op: wire.OpAck, Seq: f.Seq, Channel: f.Channel}

	switch f.Op {
	case wire.OpJoin:
		if err := srv.svc.Join(ctx, userID, f.Channel); err != nil {
			ack.Code = wire.CodeBadRequest
			if errors.Is(err, service.ErrChannelFull) {
				ack.Code = wire.CodeChannelFull
			}
			ack.Error = err.Error()
		}
	case wire.OpLeave:
		srv.svc.Leave(ctx, userID, f.Channel)
	case wire.OpMembers:
		ack.Members = srv.svc.Members(f.Channel)
	case wire.OpPub:
		if err := srv.svc.Publish(ctx, userID, f.Channel, f.Payload); err != nil {
			ack.Code = wire.CodeNotMember
			ack.Error = err.Error()
		}
	case wire.OpP2P:
		srv.svc.SendDirect(ctx, userID, f.DST, f.Payload)
	default:
		ack.Code = wire.CodeBadRequest
		ack.Error = "unknown op " + f.Op
		logger.Debug().Str("op", f.Op).Msg("unknown op")
	}

	if f.Seq == 0 {
		return
	}
	select {
	case wr.TX <- ack:
	case <-ctx.Done():
	}
}

func sender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan wire.Frame,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			if wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr := conn.WriteMessage(websocket.PingMessage, []byte{}); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}

		case f := <-tx:
			b, err := json.Marshal(&f)
			if err != nil {
				logger.Error().Err(err).Msg("failed to marshall outgoing frame")
				break SendLoop
			}
			if wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr := conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("websocket close failed")
	}
}
