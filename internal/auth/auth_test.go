package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore() *Store {
	return NewStore(nil, make([]byte, 32), make([]byte, 32))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
	assert.False(t, CheckPassword("not-a-hash", "hunter2"))
}

func setSessionCookie(t *testing.T, s *Store, userID int64) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	require.NoError(t, s.SetSession(w, httptest.NewRequest(http.MethodPost, "/api/login", nil), userID))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestSessionRoundTrip(t *testing.T) {
	s := testStore()
	c := setSessionCookie(t, s, 42)

	assert.Equal(t, cookieName, c.Name)
	assert.True(t, c.HttpOnly)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	r.AddCookie(c)
	uid, ok := s.UserID(r)
	require.True(t, ok)
	assert.Equal(t, int64(42), uid)
}

func TestTamperedCookieRejected(t *testing.T) {
	s := testStore()
	c := setSessionCookie(t, s, 42)
	c.Value = c.Value[:len(c.Value)-4] + "AAAA"

	r := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	r.AddCookie(c)
	_, ok := s.UserID(r)
	assert.False(t, ok)
}

func TestCookieFromDifferentKeysRejected(t *testing.T) {
	other := NewStore(nil, append(make([]byte, 31), 1), make([]byte, 32))
	c := setSessionCookie(t, other, 42)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	r.AddCookie(c)
	_, ok := testStore().UserID(r)
	assert.False(t, ok)
}

func TestRequireAuth(t *testing.T) {
	s := testStore()
	var gotUID int64
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUID, _ = UserIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	r.AddCookie(setSessionCookie(t, s, 7))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(7), gotUID)
}

func TestClearSession(t *testing.T) {
	w := httptest.NewRecorder()
	testStore().ClearSession(w)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)
}
