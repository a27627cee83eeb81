/*
identity.go - Identity Provider: accounts, passwords and sessions

PURPOSE:
  Registers users, checks passwords and issues/validates session tokens.
  The ledger only ever sees the resolved UserID.

STORAGE:
  Users live in the "users" collection of the same Document Store as the
  ledger. The unique key email:{lowercased email} makes registration race-free.

SESSIONS:
  HS256 JWTs carrying sub (user id), iat and exp. ResolveSession verifies the
  signature and expiry; unsigned or foreign-algorithm tokens are rejected.

SEE ALSO:
  - api/auth.go: Bearer token middleware
*/
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/friendfund/backend/ledger"
)

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// Provider is what the API needs from an identity backend.
type Provider interface {
	Register(ctx context.Context, in Registration) (User, error)
	Login(ctx context.Context, email, password string) (Session, error)
	ResolveSession(ctx context.Context, token string) (ledger.UserID, error)
	GetUser(ctx context.Context, id ledger.UserID) (User, error)
	UpdatePreferences(ctx context.Context, id ledger.UserID, prefs Preferences) (User, error)
}

// Preferences are free-form user settings, e.g. {"emailNotifications": true}.
type Preferences map[string]any

// User is a registered account. PasswordHash never leaves this package.
type User struct {
	ID          ledger.UserID
	Name        string
	Email       string
	Phone       string
	UPIID       string
	Preferences Preferences
	CreatedAt   time.Time

	passwordHash string
	version      int64
}

// Registration is the sign-up input.
type Registration struct {
	Name     string
	Email    string
	Phone    string
	UPIID    string
	Password string
}

// Session is an issued bearer token.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      User
}

// Config for the local provider.
type Config struct {
	Secret     []byte
	TTL        time.Duration
	BcryptCost int
}

// Local is the Document Store backed Provider.
type Local struct {
	store ledger.Store
	cfg   Config
	now   func() time.Time
}

// NewLocal creates a provider. An empty secret is rejected.
func NewLocal(store ledger.Store, cfg Config) (*Local, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("identity: JWT secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Local{store: store, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}, nil
}

// =============================================================================
// REGISTRATION & LOGIN
// =============================================================================

func emailKey(email string) string {
	return "email:" + email
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account. A taken email is an InvalidArgument.
func (l *Local) Register(ctx context.Context, in Registration) (User, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	if in.Name == "" {
		return User{}, &ledger.ValidationError{Field: "name", Message: "is required"}
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return User{}, &ledger.ValidationError{Field: "email", Message: "is not a valid address"}
	}
	if len(in.Password) < MinPasswordLength {
		return User{}, &ledger.ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", MinPasswordLength)}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), l.cfg.BcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	u := User{
		ID:           ledger.UserID(uuid.NewString()),
		Name:         in.Name,
		Email:        in.Email,
		Phone:        strings.TrimSpace(in.Phone),
		UPIID:        strings.TrimSpace(in.UPIID),
		Preferences:  Preferences{},
		passwordHash: string(hash),
	}
	fields, err := userFields(u)
	if err != nil {
		return User{}, err
	}
	doc, err := l.store.Insert(ctx, ledger.Document{
		ID:         string(u.ID),
		Collection: ledger.CollectionUsers,
		Fields:     fields,
		UniqueKeys: []string{emailKey(u.Email)},
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			return User{}, &ledger.ValidationError{Field: "email", Message: "is already registered"}
		}
		return User{}, fmt.Errorf("insert user: %w: %v", ledger.ErrStorageUnavailable, err)
	}

	log.Printf("level=info component=identity msg=\"user registered\" user_id=%s", u.ID)
	return userFromDoc(doc)
}

// Login checks credentials and issues a session. Any mismatch is
// Unauthenticated without saying which part was wrong.
func (l *Local) Login(ctx context.Context, email, password string) (Session, error) {
	docs, err := l.store.Query(ctx, ledger.NewQuery(ledger.CollectionUsers).Where("email", normalizeEmail(email)).Page(1, 0))
	if err != nil {
		return Session{}, fmt.Errorf("find user: %w: %v", ledger.ErrStorageUnavailable, err)
	}
	if len(docs) == 0 {
		return Session{}, fmt.Errorf("invalid email or password: %w", ledger.ErrUnauthenticated)
	}
	u, err := userFromDoc(docs[0])
	if err != nil {
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)); err != nil {
		return Session{}, fmt.Errorf("invalid email or password: %w", ledger.ErrUnauthenticated)
	}
	return l.issue(u)
}

func (l *Local) issue(u User) (Session, error) {
	now := l.now()
	exp := now.Add(l.cfg.TTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   string(u.ID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(l.cfg.Secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{Token: signed, ExpiresAt: exp, User: u}, nil
}

// ResolveSession returns the user id of a valid token.
func (l *Local) ResolveSession(ctx context.Context, token string) (ledger.UserID, error) {
	if token == "" {
		return "", fmt.Errorf("missing token: %w", ledger.ErrUnauthenticated)
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return l.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("invalid token: %w", ledger.ErrUnauthenticated)
	}
	return ledger.UserID(claims.Subject), nil
}

// =============================================================================
// PROFILE
// =============================================================================

// GetUser returns a user by id.
func (l *Local) GetUser(ctx context.Context, id ledger.UserID) (User, error) {
	doc, err := l.store.GetByID(ctx, ledger.CollectionUsers, string(id))
	if err != nil {
		if errors.Is(err, ledger.ErrDocumentNotFound) {
			return User{}, fmt.Errorf("user %s: %w", id, ledger.ErrNotFound)
		}
		return User{}, fmt.Errorf("load user: %w: %v", ledger.ErrStorageUnavailable, err)
	}
	return userFromDoc(doc)
}

// UpdatePreferences merges prefs into the stored preferences. A nil value
// removes the key.
func (l *Local) UpdatePreferences(ctx context.Context, id ledger.UserID, prefs Preferences) (User, error) {
	for attempt := 0; attempt < 5; attempt++ {
		u, err := l.GetUser(ctx, id)
		if err != nil {
			return User{}, err
		}
		merged := Preferences{}
		for k, v := range u.Preferences {
			merged[k] = v
		}
		for k, v := range prefs {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return User{}, &ledger.ValidationError{Field: "preferences", Message: "must be JSON encodable"}
		}
		doc, err := l.store.UpdateIf(ctx, ledger.CollectionUsers, string(id), u.version, map[string]any{
			"preferences": string(encoded),
		})
		if errors.Is(err, ledger.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return User{}, fmt.Errorf("update user: %w: %v", ledger.ErrStorageUnavailable, err)
		}
		return userFromDoc(doc)
	}
	return User{}, fmt.Errorf("update user %s: %w: still contended", id, ledger.ErrStorageUnavailable)
}

// =============================================================================
// DOCUMENT MAPPING
// =============================================================================

func userFields(u User) (map[string]any, error) {
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}
	return map[string]any{
		"name":         u.Name,
		"email":        u.Email,
		"phone":        u.Phone,
		"upiId":        u.UPIID,
		"passwordHash": u.passwordHash,
		"preferences":  string(prefs),
	}, nil
}

func userFromDoc(doc ledger.Document) (User, error) {
	str := func(k string) string {
		s, _ := doc.Fields[k].(string)
		return s
	}
	u := User{
		ID:           ledger.UserID(doc.ID),
		Name:         str("name"),
		Email:        str("email"),
		Phone:        str("phone"),
		UPIID:        str("upiId"),
		CreatedAt:    doc.CreatedAt,
		passwordHash: str("passwordHash"),
		version:      doc.Version,
		Preferences:  Preferences{},
	}
	if raw := str("preferences"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &u.Preferences); err != nil {
			return User{}, fmt.Errorf("decode preferences of user %s: %w", doc.ID, err)
		}
	}
	return u, nil
}
