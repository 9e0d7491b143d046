// Package control serves the operator surface of the boards over HTTP:
// status, output writes, enable and channel table replacement.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hubertat/swboard/board"
	"github.com/hubertat/swboard/errcode"
)

const TokenHeader = "X-Token"
const httpTimeoutsMs = 3000
const maxBodyBytes = 64 << 10
const defaultRate = 20
const defaultBurst = 10

type Server struct {
	Token    string
	HttpAddr string
	// RequestsPerSecond throttles mutating and reading requests alike.
	RequestsPerSecond float64
	Burst             int

	boards  map[string]*board.Controller
	limiter *rate.Limiter
	server  *http.Server
	logger  *log.Logger

	serverErr chan error
}

func NewServer(addr, token string, boards []*board.Controller) *Server {
	cs := &Server{
		Token:    token,
		HttpAddr: addr,
		boards:   make(map[string]*board.Controller),
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "control",
			Level:  log.GetLevel(),
		}),
	}
	for _, bc := range boards {
		cs.boards[bc.Name()] = bc
	}
	return cs
}

func (cs *Server) Handler() http.Handler {
	rps := cs.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRate
	}
	burst := cs.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	cs.limiter = rate.NewLimiter(rate.Limit(rps), burst)

	router := httprouter.New()
	router.GET("/boards", cs.guard(cs.handleList))
	router.GET("/boards/:board", cs.guard(cs.handleStatus))
	router.POST("/boards/:board/outputs", cs.guard(cs.handleOutputs))
	router.POST("/boards/:board/enable", cs.guard(cs.handleEnable))
	router.POST("/boards/:board/clear", cs.guard(cs.handleClear))
	router.GET("/boards/:board/pins", cs.guard(cs.handlePins))
	router.PUT("/boards/:board/pins", cs.guard(cs.handleDefinePins))
	return router
}

// Start listens in the background; the returned channel carries the server
// exit error.
func (cs *Server) Start() <-chan error {
	httpTimeout := httpTimeoutsMs * time.Millisecond

	cs.server = &http.Server{
		Addr:              cs.HttpAddr,
		Handler:           cs.Handler(),
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      2 * httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	cs.serverErr = make(chan error, 1)
	go func() {
		cs.logger.Info("listening", "addr", cs.HttpAddr)
		cs.serverErr <- cs.server.ListenAndServe()
	}()
	return cs.serverErr
}

func (cs *Server) Close(ctx context.Context) error {
	if cs.server == nil {
		return nil
	}
	return cs.server.Shutdown(ctx)
}

func (cs *Server) guard(handle httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if subtle.ConstantTimeCompare([]byte(r.Header.Get(TokenHeader)), []byte(cs.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errcode.Reply{Code: errcode.Error, Message: "token mismatch"})
			return
		}
		if !cs.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errcode.Reply{Code: errcode.NotReady, Message: "too many requests"})
			return
		}
		handle(w, r, p)
	}
}

func (cs *Server) board(w http.ResponseWriter, p httprouter.Params) *board.Controller {
	bc, found := cs.boards[p.ByName("board")]
	if !found {
		writeJSON(w, http.StatusNotFound, errcode.Reply{Code: errcode.UnknownSignal, Message: "no board " + p.ByName("board")})
		return nil
	}
	return bc
}

func (cs *Server) handleList(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	names := make([]string, 0, len(cs.boards))
	for name := range cs.boards {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]board.Status, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, cs.boards[name].Status())
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (cs *Server) handleStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if bc := cs.board(w, p); bc != nil {
		writeJSON(w, http.StatusOK, bc.Status())
	}
}

func (cs *Server) handlePins(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if bc := cs.board(w, p); bc != nil {
		writeJSON(w, http.StatusOK, bc.Channels())
	}
}

func (cs *Server) handleOutputs(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	bc := cs.board(w, p)
	if bc == nil {
		return
	}

	values := map[string]int{}
	if err := decode(w, r, &values); err != nil {
		cs.reply(w, err)
		return
	}
	cs.reply(w, bc.SetOutputs(r.Context(), values))
}

type enableRequest struct {
	Enabled *bool `json:"enabled"`
}

func (cs *Server) handleEnable(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	bc := cs.board(w, p)
	if bc == nil {
		return
	}

	var req enableRequest
	if err := decode(w, r, &req); err != nil {
		cs.reply(w, err)
		return
	}
	if req.Enabled == nil {
		cs.reply(w, errcode.New(errcode.InvalidValue, "control.enable", "missing \"enabled\""))
		return
	}
	cs.reply(w, bc.Enable(r.Context(), *req.Enabled))
}

func (cs *Server) handleClear(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if bc := cs.board(w, p); bc != nil {
		cs.reply(w, bc.Clear(r.Context()))
	}
}

func (cs *Server) handleDefinePins(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	bc := cs.board(w, p)
	if bc == nil {
		return
	}

	var specs []board.ChannelSpec
	if err := decode(w, r, &specs); err != nil {
		cs.reply(w, err)
		return
	}
	cs.reply(w, bc.DefinePins(r.Context(), specs))
}

func (cs *Server) reply(w http.ResponseWriter, err error) {
	if err != nil {
		cs.logger.Warn("request failed", "err", err)
	}
	writeJSON(w, StatusOf(err), errcode.ReplyOf(err))
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errcode.Wrap(errcode.InvalidValue, "control.decode", err, "request body")
	}
	return nil
}

// StatusOf maps an error code onto the HTTP status returned with it.
func StatusOf(err error) int {
	switch errcode.Of(err) {
	case errcode.OK:
		return http.StatusOK
	case errcode.Range, errcode.InvalidValue, errcode.InvalidConfig:
		return http.StatusBadRequest
	case errcode.UnknownSignal:
		return http.StatusNotFound
	case errcode.NotReady:
		return http.StatusServiceUnavailable
	case errcode.Reentrancy:
		return http.StatusConflict
	case errcode.IO:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to write response", "err", errors.WithStack(err))
	}
}
