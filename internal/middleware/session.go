package middleware

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ldapconsole/api/internal/session"
	"github.com/ldapconsole/api/pkg/logger"
)

const sessionStateKey = "sessionState"

// SessionData is the JSON payload kept in each session record.
type SessionData struct {
	Username       string `json:"username,omitempty"`
	MFAPendingUser string `json:"mfaPendingUser,omitempty"`
	MFAPendingJTI  string `json:"mfaPendingJti,omitempty"`
	EnrollStep     uint64 `json:"enrollStep,omitempty"`
}

// SessionState is the per-request view of the caller's session. Handlers
// change it and the middleware persists it after the handler returns.
type SessionState struct {
	ID   string
	Data SessionData

	dirty     bool
	destroyed bool
	stale     []string
}

// Set replaces the session payload.
func (s *SessionState) Set(data SessionData) {
	s.Data = data
	s.dirty = true
}

// Rotate moves the session to a fresh ID. The old ID is destroyed, so a
// session fixed before login cannot be reused after it.
func (s *SessionState) Rotate() error {
	id, err := session.NewID()
	if err != nil {
		return err
	}
	if s.ID != "" {
		s.stale = append(s.stale, s.ID)
	}
	s.ID = id
	s.dirty = true
	s.destroyed = false
	return nil
}

func (s *SessionState) Destroy() {
	s.destroyed = true
	s.Data = SessionData{}
}

type Sessions struct {
	Manager    *session.Manager
	CookieName string
	Secure     bool
}

func NewSessions(manager *session.Manager, cookieName string, secure bool) *Sessions {
	return &Sessions{Manager: manager, CookieName: cookieName, Secure: secure}
}

// Load attaches the caller's session to the request and writes it back
// once the handler is done.
func (s *Sessions) Load(c *fiber.Ctx) error {
	ctx := c.UserContext()
	state := &SessionState{}

	if id := session.Sanitize(c.Cookies(s.CookieName)); id != "" {
		owner, payload := s.Manager.Read(ctx, id)
		if payload != "" {
			var data SessionData
			if err := json.Unmarshal([]byte(payload), &data); err == nil {
				state.ID = id
				state.Data = data
				if data.Username == "" && owner != "" && data.MFAPendingUser == "" {
					state.Data.Username = owner
				}
			}
		}
	}
	c.Locals(sessionStateKey, state)

	err := c.Next()

	for _, id := range state.stale {
		if destroyErr := s.Manager.Destroy(ctx, id); destroyErr != nil {
			logger.Error("session_destroy_failed", destroyErr, nil)
		}
	}

	switch {
	case state.destroyed:
		if state.ID != "" {
			if destroyErr := s.Manager.Destroy(ctx, state.ID); destroyErr != nil {
				logger.Error("session_destroy_failed", destroyErr, nil)
			}
		}
		s.clearCookie(c)
	case state.dirty && state.ID != "":
		payload, marshalErr := json.Marshal(state.Data)
		if marshalErr != nil {
			return marshalErr
		}
		if writeErr := s.Manager.Write(ctx, state.ID, state.Data.Username, string(payload)); writeErr != nil {
			logger.Error("session_write_failed", writeErr, nil)
			return writeErr
		}
		s.setCookie(c, state.ID)
	}
	return err
}

func (s *Sessions) setCookie(c *fiber.Ctx, id string) {
	c.Cookie(&fiber.Cookie{
		Name:     s.CookieName,
		Value:    id,
		Path:     "/",
		HTTPOnly: true,
		Secure:   s.Secure,
		SameSite: fiber.CookieSameSiteLaxMode,
		Expires:  time.Now().Add(s.Manager.Lifetime),
	})
}

func (s *Sessions) clearCookie(c *fiber.Ctx) {
	c.Cookie(&fiber.Cookie{
		Name:     s.CookieName,
		Value:    "",
		Path:     "/",
		HTTPOnly: true,
		Secure:   s.Secure,
		SameSite: fiber.CookieSameSiteLaxMode,
		Expires:  time.Unix(0, 0),
	})
}

// Session returns the request's session state. It is never nil inside a
// chain that runs Load; outside one it is an empty, unsaved state.
func Session(c *fiber.Ctx) *SessionState {
	if state, ok := c.Locals(sessionStateKey).(*SessionState); ok {
		return state
	}
	return &SessionState{}
}

// GetCurrentUser returns the signed-in username, or "".
func GetCurrentUser(c *fiber.Ctx) string {
	return Session(c).Data.Username
}
