package shareprice

import (
	"net/http"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the cookie the backend sets on sign in
const AuthCookieName = "auth"

// CredentialAccessor is the only view of the credential the navigation guard needs.
type CredentialAccessor interface {
	// returns the token, or "" when absent
	AuthCookie() string
}

// Credentials holds the authentication token outside of the store, like a browser cookie jar
// holds the auth cookie. The channels attach it to every request and dial.
type Credentials struct {
	mutex sync.Mutex
	token string
}

func NewCredentials(token string) *Credentials {
	return &Credentials{
		token: token,
	}
}

func (self *Credentials) AuthCookie() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.token
}

func (self *Credentials) SetAuthCookie(token string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.token = token
}

func (self *Credentials) Clear() {
	self.SetAuthCookie("")
}

func (self *Credentials) IsAuthenticated() bool {
	return self.AuthCookie() != ""
}

func (self *Credentials) attach(req *http.Request) {
	if token := self.AuthCookie(); token != "" {
		req.AddCookie(&http.Cookie{
			Name:  AuthCookieName,
			Value: token,
		})
	}
}

func (self *Credentials) attachHeader(header http.Header) {
	if token := self.AuthCookie(); token != "" {
		cookie := &http.Cookie{
			Name:  AuthCookieName,
			Value: token,
		}
		header.Add("Cookie", cookie.String())
	}
}

// apply `Set-Cookie` from a response, the same as the browser would with `credentials: include`
func (self *Credentials) update(r *http.Response) {
	for _, cookie := range r.Cookies() {
		if cookie.Name != AuthCookieName {
			continue
		}
		if cookie.MaxAge < 0 || cookie.Value == "" {
			self.Clear()
		} else {
			self.SetAuthCookie(cookie.Value)
		}
	}
}

type AuthClaims struct {
	UserId    string
	Email     string
	ExpiresAt time.Time
}

func (self *AuthClaims) Expired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

// the client cannot verify the backend signature,
// the claims are for display and expiry hints only
func ParseAuthClaimsUnverified(token string) (*AuthClaims, error) {
	parser := gojwt.NewParser()
	jwt, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := jwt.Claims.(gojwt.MapClaims)

	authClaims := &AuthClaims{}

	if userId, ok := claims["userId"].(string); ok {
		authClaims.UserId = userId
	} else if sub, err := claims.GetSubject(); err == nil {
		authClaims.UserId = sub
	}
	if email, ok := claims["email"].(string); ok {
		authClaims.Email = email
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		authClaims.ExpiresAt = exp.Time
	}

	return authClaims, nil
}
