package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/knocktwice/internal/auth"
	"github.com/example/knocktwice/internal/booking"
	"github.com/example/knocktwice/internal/catalog"
	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/ledger"
	"github.com/example/knocktwice/internal/logging"
	"github.com/example/knocktwice/internal/notify"
	"github.com/example/knocktwice/internal/session"
	"github.com/example/knocktwice/internal/slots"
)

var friday19 = time.Date(2026, 10, 16, 19, 0, 0, 0, time.UTC)

// brokenLedger fails every write.
type brokenLedger struct{ ledger.Store }

func (brokenLedger) Create(ctx context.Context, o ledger.Order) (int64, error) {
	return 0, ledger.ErrUnavailable
}

// unratedLedger fails the rating reads and writes.
type unratedLedger struct{ ledger.Store }

func (unratedLedger) LatestUnrated(ctx context.Context, userID int64) (ledger.Order, error) {
	return ledger.Order{}, ledger.ErrUnavailable
}

func (unratedLedger) SaveRating(ctx context.Context, r ledger.Rating) (ledger.Rating, error) {
	return ledger.Rating{}, ledger.ErrUnavailable
}

type env struct {
	h      http.Handler
	ledger ledger.Store
	clock  *clock.Manual
}

func newEnv(t *testing.T, store func(ledger.Store) ledger.Store) *env {
	t.Helper()
	c := clock.NewManual(friday19)
	cat, err := catalog.Default()
	require.NoError(t, err)
	var led ledger.Store = ledger.NewMemory(c)
	if store != nil {
		led = store(led)
	}
	inv, err := slots.NewInventory(slots.DefaultSchedule(), 4, logging.Discard(), slots.WithClock(c))
	require.NoError(t, err)
	orch, err := booking.New(booking.Config{Cooldown: booking.DefaultCooldown}, booking.Deps{
		Catalog:   cat,
		Sessions:  session.NewStore(cat, session.WithClock(c), session.WithLogger(logging.Discard())),
		Inventory: inv,
		Ledger:    led,
		Publisher: notify.NewLogPublisher(logging.Discard()),
		Clock:     c,
		Log:       logging.Discard(),
	})
	require.NoError(t, err)

	as := auth.NewStore(auth.NewMemoryAdmins(), securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	_, err = as.CreateAdmin(context.Background(), "chef", "s3cret")
	require.NoError(t, err)

	s := &Server{Orders: orch, Ledger: led, Auth: as, Clock: c, Log: logging.Discard()}
	return &env{h: s.Routes(), ledger: led, clock: c}
}

func (e *env) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

type result struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Order   *struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"order"`
}

func (e *env) act(t *testing.T, a booking.UserAction) (int, result) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/actions", a)
	var r result
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	}
	return rec.Code, r
}

func (e *env) login(t *testing.T) *http.Cookie {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/login", credentials{Username: "chef", Password: "s3cret"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	c := rec.Result().Cookies()
	require.Len(t, c, 1)
	return c[0]
}

func (e *env) placeOrder(t *testing.T, userID int64) int64 {
	t.Helper()
	_, r := e.act(t, booking.UserAction{UserID: userID, Kind: booking.AddToCart, ProductID: "margarita", Qty: 2})
	require.Equal(t, "cart", r.Outcome)
	_, r = e.act(t, booking.UserAction{UserID: userID, Kind: booking.StartCheckout})
	require.Equal(t, "awaiting_address", r.Outcome)
	_, r = e.act(t, booking.UserAction{UserID: userID, Kind: booking.SubmitAddress, Address: "Carrer Major 3"})
	require.Equal(t, "slots", r.Outcome)
	code, r := e.act(t, booking.UserAction{UserID: userID, Kind: booking.SelectSlot, Slot: "FRIDAY 20:30"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "confirmed", r.Outcome)
	require.NotNil(t, r.Order)
	return r.Order.ID
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestActionsFlow(t *testing.T) {
	e := newEnv(t, nil)
	id := e.placeOrder(t, 7)
	assert.Equal(t, int64(1), id)

	_, r := e.act(t, booking.UserAction{UserID: 7, Kind: booking.StartCheckout})
	assert.Equal(t, "rejected", r.Outcome)
	assert.Equal(t, "cooldown", r.Reason)
}

func TestActionsBadRequests(t *testing.T) {
	e := newEnv(t, nil)

	code, _ := e.act(t, booking.UserAction{UserID: 7, Kind: "dance"})
	assert.Equal(t, http.StatusBadRequest, code)

	req := httptest.NewRequest(http.MethodPost, "/v1/actions", strings.NewReader(`{"user_id":7,`))
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/actions", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestActionsStorageFailure(t *testing.T) {
	e := newEnv(t, func(s ledger.Store) ledger.Store { return brokenLedger{s} })
	e.act(t, booking.UserAction{UserID: 7, Kind: booking.AddToCart, ProductID: "margarita", Qty: 1})
	e.act(t, booking.UserAction{UserID: 7, Kind: booking.StartCheckout})
	e.act(t, booking.UserAction{UserID: 7, Kind: booking.SubmitAddress, Address: "Carrer Major 3"})

	rec := e.do(t, http.MethodPost, "/v1/actions", booking.UserAction{UserID: 7, Kind: booking.SelectSlot, Slot: "FRIDAY 20:30"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "order did not go through; cart kept")

	_, r := e.act(t, booking.UserAction{UserID: 7, Kind: booking.ViewCart})
	assert.Equal(t, "cart", r.Outcome)
}

func TestRatingStorageFailure(t *testing.T) {
	tests := []struct {
		name   string
		action booking.UserAction
	}{
		{name: "request", action: booking.UserAction{UserID: 7, Kind: booking.RequestRating}},
		{name: "submit", action: booking.UserAction{UserID: 7, Kind: booking.SubmitRating, OrderID: 1, Stars: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, func(s ledger.Store) ledger.Store { return unratedLedger{s} })
			rec := e.do(t, http.MethodPost, "/v1/actions", tt.action)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Contains(t, rec.Body.String(), booking.ErrRatingStorage.Error())
			assert.NotContains(t, rec.Body.String(), "cart kept")
		})
	}
}

func TestSlots(t *testing.T) {
	e := newEnv(t, nil)
	e.placeOrder(t, 7)

	rec := e.do(t, http.MethodGet, "/v1/slots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Day   string `json:"day"`
		Slots []struct {
			Slot      slots.Key `json:"slot"`
			Remaining int       `json:"remaining"`
		} `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "FRIDAY", body.Day)
	require.NotEmpty(t, body.Slots)
	assert.Equal(t, clock.TimeOfDay("20:30"), body.Slots[0].Slot.Time)
	assert.Equal(t, 3, body.Slots[0].Remaining)
}

func TestLogin(t *testing.T) {
	e := newEnv(t, nil)

	rec := e.do(t, http.MethodPost, "/login", credentials{Username: "chef", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	form := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("username=chef&password=s3cret"))
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	frec := httptest.NewRecorder()
	e.h.ServeHTTP(frec, form)
	assert.Equal(t, http.StatusNoContent, frec.Code)
	assert.Len(t, frec.Result().Cookies(), 1)

	rec = e.do(t, http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminRequiresAuth(t *testing.T) {
	e := newEnv(t, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/admin/orders"},
		{http.MethodPost, "/admin/orders/1/status"},
		{http.MethodGet, "/admin/stats"},
		{http.MethodPost, "/admin/cooldowns/reset"},
	} {
		rec := e.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
	}
}

func TestAdminOrdersAndStatus(t *testing.T) {
	e := newEnv(t, nil)
	cookie := e.login(t)
	id := e.placeOrder(t, 7)

	rec := e.do(t, http.MethodGet, "/admin/orders?limit=10", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "pending", list[0].Status)

	rec = e.do(t, http.MethodGet, "/admin/orders?user_id=99", nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	path := "/admin/orders/1/status"
	rec = e.do(t, http.MethodPost, path, statusRequest{Status: "en-route"}, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var sr struct {
		Changed bool `json:"changed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sr))
	assert.True(t, sr.Changed)

	rec = e.do(t, http.MethodPost, path, statusRequest{Status: "en-route"}, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sr))
	assert.False(t, sr.Changed, "repeat is a no-op")

	rec = e.do(t, http.MethodPost, path, statusRequest{Status: "pending"}, cookie)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, path, statusRequest{Status: "lost"}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/admin/orders/42/status", statusRequest{Status: "delivered"}, cookie)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/admin/orders/abc/status", statusRequest{Status: "delivered"}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	o, err := e.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusEnRoute, o.Status)
}

func TestAdminStatsAndReset(t *testing.T) {
	e := newEnv(t, nil)
	cookie := e.login(t)
	e.placeOrder(t, 7)

	rec := e.do(t, http.MethodGet, "/admin/stats", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	var st struct {
		OrdersSince int    `json:"orders_since"`
		Revenue     string `json:"revenue_since"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.OrdersSince)
	assert.Equal(t, "20", st.Revenue)

	rec = e.do(t, http.MethodPost, "/admin/cooldowns/reset", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reset":1}`, rec.Body.String())

	_, r := e.act(t, booking.UserAction{UserID: 7, Kind: booking.StartCheckout})
	assert.NotEqual(t, "cooldown", r.Reason, "cooldown lifted")
}
