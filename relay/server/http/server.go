package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type ChannelService interface {
	Channels() map[string]int
	Members(channelID string) []string
}

type ChannelInfo struct {
	ID      string `json:"channel_id"`
	Members int    `json:"members"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    ChannelService
	*http.Server
}

type Config struct {
	Logger         *zerolog.Logger
	ChannelService ChannelService
	ListenAddr     string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.ChannelService,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/channels", srv.listChannels)
	r.HandleFunc("GET /api/channels/{channelID}/members", srv.listMembers)
	r.HandleFunc("GET /healthz", srv.health)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) listChannels(w http.ResponseWriter, _ *http.Request) {
	channels := srv.svc.Channels()
	out := make([]ChannelInfo, 0, len(channels))
	for id, members := range channels {
		out = append(out, ChannelInfo{ID: id, Members: members})
	}
	srv.writeJSON(w, &GenericResponse{Data: out})
}

func (srv *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("channelID")
	if channelID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	srv.writeJSON(w, &GenericResponse{Data: srv.svc.Members(channelID)})
}

func (srv *Server) writeJSON(w http.ResponseWriter, resp *GenericResponse) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
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
