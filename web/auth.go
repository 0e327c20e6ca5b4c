package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/chatwire/chatwire/store"
)

const cookieUserID = "user_id"

// loggedUser resolves the admin behind the request cookie. A missing,
// forged or non admin cookie yields nil without error; only storage
// failures are reported.
func (c *Console) loggedUser(r *http.Request) (*store.User, error) {
	cookie, err := r.Cookie(cookieUserID)
	if err != nil {
		return nil, nil
	}
	id, ok := c.verifyCookie(cookie.Value)
	if !ok {
		return nil, nil
	}

	user, err := c.store.UserByID(r.Context(), id)
	if errors.Is(err, store.ErrNoSuchUser) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !user.Admin {
		return nil, nil
	}
	return &user, nil
}

func (c *Console) setLoginCookie(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieUserID,
		Value:    c.signCookie(userID),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *Console) clearLoginCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieUserID,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// signCookie binds a user id to this console's secret. The id is a uuid, so
// the separator can not occur inside it.
func (c *Console) signCookie(userID string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(userID))
	return userID + "." + hex.EncodeToString(mac.Sum(nil))
}

func (c *Console) verifyCookie(value string) (string, bool) {
	userID, sig, ok := strings.Cut(value, ".")
	if !ok {
		return "", false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(userID))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return "", false
	}
	return userID, true
}
