package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hubertat/swboard/attr"
	"github.com/hubertat/swboard/board"
	"github.com/hubertat/swboard/chips"
	"github.com/hubertat/swboard/drivers"
	"github.com/hubertat/swboard/errcode"
)

const testToken = "s3cret"

func newTestServer(t *testing.T) (*Server, *board.Controller, http.Handler) {
	t.Helper()

	md := &drivers.MockIoDriver{}
	md.Setup(context.Background())
	bc, err := board.NewController(board.Config{
		Name:     "out",
		Kind:     board.KindOutput,
		Chips:    1,
		Register: &chips.RegisterLines{Data: 1, Clock: 2, Latch: 3},
		Interval: "1h",
		Settle:   "0s",
		Channels: []board.ChannelSpec{
			{Name: "o0", Role: board.RoleOutput, Bit: 0},
			{Name: "o1", Role: board.RoleOutput, Bit: 1},
		},
	}, md, attr.NewStore(8), nil)
	if err != nil {
		t.Fatalf("NewController returned err: %v", err)
	}
	if err := bc.Init(context.Background()); err != nil {
		t.Fatalf("Init returned err: %v", err)
	}
	t.Cleanup(bc.Release)

	deadline := time.Now().Add(2 * time.Second)
	for bc.Status().Ticks < 1 || bc.Status().Scan.Busy {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first tick")
		}
		time.Sleep(time.Millisecond)
	}

	cs := NewServer(":0", testToken, []*board.Controller{bc})
	return cs, bc, cs.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, errcode.Reply) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(TokenHeader, testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var reply errcode.Reply
	json.Unmarshal(rec.Body.Bytes(), &reply)
	return rec, reply
}

func assertStatus(t testing.TB, rec *httptest.ResponseRecorder, want int) {
	t.Helper()

	if rec.Code != want {
		t.Errorf("got status %d want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func TestTokenRequired(t *testing.T) {
	_, _, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/boards", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusUnauthorized)

	req.Header.Set(TokenHeader, "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestStatusEndpoints(t *testing.T) {
	_, _, h := newTestServer(t)

	rec, _ := do(t, h, http.MethodGet, "/boards", "")
	assertStatus(t, rec, http.StatusOK)
	var statuses []board.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("bad list body: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Name != "out" || !statuses[0].Ready {
		t.Errorf("unexpected statuses %+v", statuses)
	}

	rec, _ = do(t, h, http.MethodGet, "/boards/out", "")
	assertStatus(t, rec, http.StatusOK)

	rec, reply := do(t, h, http.MethodGet, "/boards/nope", "")
	assertStatus(t, rec, http.StatusNotFound)
	if reply.Code != errcode.UnknownSignal {
		t.Errorf("got code %s", reply.Code)
	}

	rec, _ = do(t, h, http.MethodGet, "/boards/out/pins", "")
	assertStatus(t, rec, http.StatusOK)
	var specs []board.ChannelSpec
	json.Unmarshal(rec.Body.Bytes(), &specs)
	if len(specs) != 2 {
		t.Errorf("got %d channels want 2", len(specs))
	}
}

func TestSetOutputs(t *testing.T) {
	_, bc, h := newTestServer(t)

	rec, reply := do(t, h, http.MethodPost, "/boards/out/outputs", `{"o0": 1}`)
	assertStatus(t, rec, http.StatusOK)
	if reply.Code != errcode.OK {
		t.Errorf("got code %s", reply.Code)
	}
	bc.Tick(context.Background())
	if got := bc.Status().Register; got != "01" {
		t.Errorf("got register %q want 01", got)
	}

	tests := []struct {
		body   string
		status int
		code   errcode.Code
	}{
		{`{"o9": 1}`, http.StatusNotFound, errcode.UnknownSignal},
		{`{"o0": 3}`, http.StatusBadRequest, errcode.InvalidValue},
		{`[1, 2]`, http.StatusBadRequest, errcode.InvalidValue},
	}
	for _, tt := range tests {
		rec, reply := do(t, h, http.MethodPost, "/boards/out/outputs", tt.body)
		assertStatus(t, rec, tt.status)
		if reply.Code != tt.code {
			t.Errorf("%s: got code %s want %s", tt.body, reply.Code, tt.code)
		}
	}
}

func TestEnableEndpoint(t *testing.T) {
	_, bc, h := newTestServer(t)

	rec, _ := do(t, h, http.MethodPost, "/boards/out/enable", `{"enabled": false}`)
	assertStatus(t, rec, http.StatusOK)
	if bc.Status().Enabled {
		t.Error("board still enabled")
	}

	rec, reply := do(t, h, http.MethodPost, "/boards/out/enable", `{}`)
	assertStatus(t, rec, http.StatusBadRequest)
	if reply.Code != errcode.InvalidValue {
		t.Errorf("got code %s", reply.Code)
	}
}

func TestDefinePinsEndpoint(t *testing.T) {
	_, bc, h := newTestServer(t)

	rec, reply := do(t, h, http.MethodPut, "/boards/out/pins", `[{"Name": "a", "Role": "output", "Bit": 9}]`)
	assertStatus(t, rec, http.StatusBadRequest)
	if reply.Code != errcode.Range {
		t.Errorf("got code %s want %s", reply.Code, errcode.Range)
	}

	rec, _ = do(t, h, http.MethodPut, "/boards/out/pins", `[{"Name": "a", "Role": "output", "Bit": 5}]`)
	assertStatus(t, rec, http.StatusOK)
	if chans := bc.Channels(); len(chans) != 1 || chans[0].Name != "a" {
		t.Errorf("channel table not replaced: %v", chans)
	}
}

func TestClearEndpoint(t *testing.T) {
	_, bc, h := newTestServer(t)

	do(t, h, http.MethodPost, "/boards/out/outputs", `{"o0": 1, "o1": 1}`)
	bc.Tick(context.Background())

	rec, _ := do(t, h, http.MethodPost, "/boards/out/clear", "")
	assertStatus(t, rec, http.StatusOK)
	if got := bc.Status().Register; got != "00" {
		t.Errorf("got register %q want 00", got)
	}
}

func TestRateLimit(t *testing.T) {
	cs, _, _ := newTestServer(t)
	cs.RequestsPerSecond = 0.001
	cs.Burst = 2
	h := cs.Handler()

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodGet, "/boards", "")
		assertStatus(t, rec, http.StatusOK)
	}
	rec, _ := do(t, h, http.MethodGet, "/boards", "")
	assertStatus(t, rec, http.StatusTooManyRequests)
}

func TestStatusOf(t *testing.T) {
	tests := map[errcode.Code]int{
		errcode.OK:            http.StatusOK,
		errcode.Range:         http.StatusBadRequest,
		errcode.UnknownSignal: http.StatusNotFound,
		errcode.IO:            http.StatusBadGateway,
		errcode.Reentrancy:    http.StatusConflict,
		errcode.NotReady:      http.StatusServiceUnavailable,
	}
	for code, want := range tests {
		var err error
		if code != errcode.OK {
			err = errcode.New(code, "test", "x")
		}
		if got := StatusOf(err); got != want {
			t.Errorf("%s: got %d want %d", code, got, want)
		}
	}
}
