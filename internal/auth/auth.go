package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/knocktwice/internal/db"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAdminExists        = errors.New("admin already exists")
)

// Admins persists admin accounts with bcrypt hashes.
type Admins interface {
	Create(ctx context.Context, username, hash string) (int64, error)
	Lookup(ctx context.Context, username string) (id int64, hash string, err error)
}

type PostgresAdmins struct{ db *db.DB }

func NewPostgresAdmins(d *db.DB) *PostgresAdmins { return &PostgresAdmins{db: d} }

func (a *PostgresAdmins) Create(ctx context.Context, username, hash string) (int64, error) {
	var id int64
	err := a.db.QueryRow(ctx, `
INSERT INTO admins(username, password_bcrypt) VALUES ($1,$2)
ON CONFLICT (username) DO NOTHING
RETURNING id`, username, hash).Scan(&id)
	if db.IsNotFound(err) {
		return 0, fmt.Errorf("%w: %s", ErrAdminExists, username)
	}
	return id, err
}

func (a *PostgresAdmins) Lookup(ctx context.Context, username string) (int64, string, error) {
	var id int64
	var hash string
	err := a.db.QueryRow(ctx, `SELECT id, password_bcrypt FROM admins WHERE username=$1`, username).Scan(&id, &hash)
	if err != nil {
		return 0, "", db.WrapNotFound(err)
	}
	return id, hash, nil
}

// MemoryAdmins backs the admin surface when the service runs without a
// database.
type MemoryAdmins struct {
	mu    sync.Mutex
	users map[string]memoryAdmin
}

type memoryAdmin struct {
	id   int64
	hash string
}

func NewMemoryAdmins() *MemoryAdmins { return &MemoryAdmins{users: map[string]memoryAdmin{}} }

func (a *MemoryAdmins) Create(ctx context.Context, username, hash string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[username]; ok {
		return 0, fmt.Errorf("%w: %s", ErrAdminExists, username)
	}
	id := int64(len(a.users) + 1)
	a.users[username] = memoryAdmin{id: id, hash: hash}
	return id, nil
}

func (a *MemoryAdmins) Lookup(ctx context.Context, username string) (int64, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[username]
	if !ok {
		return 0, "", db.ErrNotFound
	}
	return u.id, u.hash, nil
}

type Store struct {
	sc     *securecookie.SecureCookie
	admins Admins
}

type ctxKey string

const adminIDKey ctxKey = "adminID"

const sessionMaxAge = 14 * 24 * time.Hour

func NewStore(admins Admins, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	// keep cookie small and secure
	sc.MaxAge(int(sessionMaxAge.Seconds()))
	return &Store{sc: sc, admins: admins}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

func (s *Store) CreateAdmin(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, fmt.Errorf("username and password required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	return s.admins.Create(ctx, username, hash)
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (int64, error) {
	id, hash, err := s.admins.Lookup(ctx, strings.TrimSpace(username))
	if db.IsNotFound(err) {
		return 0, ErrInvalidCredentials
	}
	if err != nil {
		return 0, err
	}
	if !CheckPassword(hash, password) {
		return 0, ErrInvalidCredentials
	}
	return id, nil
}

type Session struct {
	AdminID int64
}

type cookieValue struct {
	UID int64
	V   int
}

const cookieName = "knocktwice_admin"

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, adminID int64) error {
	encoded, err := s.sc.Encode(cookieName, cookieValue{UID: adminID, V: 1})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(sessionMaxAge.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	var v cookieValue
	if err := s.sc.Decode(cookieName, c.Value, &v); err != nil {
		return Session{}, false
	}
	if v.UID <= 0 {
		return Session{}, false
	}
	return Session{AdminID: v.UID}, true
}

// RequireAuth rejects requests without a valid admin cookie.
func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), adminIDKey, sess.AdminID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func AdminIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(adminIDKey).(int64)
	return id, ok
}
