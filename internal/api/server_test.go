package api_test

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/endoor-net/endoor/internal/api"
	"github.com/endoor-net/endoor/internal/bridge"
	"github.com/endoor-net/endoor/internal/frame"
)

var clientMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}

// newHandler builds a handler over a quiet switch with one learned
// address.
func newHandler(t *testing.T) http.Handler {
	t.Helper()

	sw := bridge.New(bridge.Config{
		Outside:        bridge.PortConfig{Name: "eth0"},
		Inside:         bridge.PortConfig{Name: "eth1"},
		Tunnel:         bridge.PortConfig{Name: "tun0", Off: 10},
		MACTableSize:   16,
		StateTableSize: 16,
		Logger:         slog.New(slog.DiscardHandler),
	})

	if err := sw.Inside().AddrTable().Update(clientMAC, frame.FamilyIPv4, netip.MustParseAddr("10.0.0.5"), 0); err != nil {
		t.Fatalf("seed address table: %v", err)
	}

	srv := api.New(sw, slog.New(slog.DiscardHandler),
		api.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }),
	)
	return srv.Handler()
}

func TestDump(t *testing.T) {
	t.Parallel()

	h := newHandler(t)

	req := httptest.NewRequest(http.MethodGet, api.DumpPath, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	var payload struct {
		Curtime    int64 `json:"curtime"`
		Interfaces []struct {
			Ifname    string `json:"ifname"`
			Gate      string `json:"gate"`
			Addresses []struct {
				Type      int    `json:"type"`
				Addr      string `json:"addr"`
				Time      int64  `json:"time"`
				Addresses []struct {
					Addr string `json:"addr"`
				} `json:"addresses"`
			} `json:"addresses"`
		} `json:"interfaces"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}

	if payload.Curtime != 1_700_000_000 {
		t.Errorf("curtime = %d, want 1700000000", payload.Curtime)
	}
	if len(payload.Interfaces) != 3 {
		t.Fatalf("interfaces = %d, want 3", len(payload.Interfaces))
	}

	if payload.Interfaces[0].Ifname != "eth0" || payload.Interfaces[0].Gate != "tun0" {
		t.Errorf("outside = %+v", payload.Interfaces[0])
	}

	inside := payload.Interfaces[1]
	if len(inside.Addresses) != 1 {
		t.Fatalf("inside addresses = %d, want 1", len(inside.Addresses))
	}
	mac := inside.Addresses[0]
	if mac.Addr != "aa:bb:cc:00:00:01" || mac.Type != int(frame.FamilyMAC) {
		t.Errorf("outer entry = %+v", mac)
	}
	if len(mac.Addresses) != 1 || mac.Addresses[0].Addr != "10.0.0.5" {
		t.Errorf("inner entries = %+v", mac.Addresses)
	}
}

func TestDumpHead(t *testing.T) {
	t.Parallel()

	h := newHandler(t)

	req := httptest.NewRequest(http.MethodHead, api.DumpPath, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD body = %d bytes, want 0", rec.Body.Len())
	}
	if rec.Header().Get("Content-Length") == "" {
		t.Error("HEAD response missing Content-Length")
	}
}

func TestMethodNotImplemented(t *testing.T) {
	t.Parallel()

	h := newHandler(t)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, api.DumpPath, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotImplemented {
			t.Errorf("%s status = %d, want 501", method, rec.Code)
		}
	}
}

func TestUnknownPath(t *testing.T) {
	t.Parallel()

	h := newHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStates(t *testing.T) {
	t.Parallel()

	h := newHandler(t)

	req := httptest.NewRequest(http.MethodGet, api.StatesPath, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var payload struct {
		Curtime int64             `json:"curtime"`
		States  []json.RawMessage `json:"states"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.States) != 0 {
		t.Errorf("states = %d, want 0", len(payload.States))
	}
}
