package shareprice

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

var ErrSignInNoToken = errors.New("Sign in returned no token.")

type SignInArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn stores the token in the credential holder.
// The backend may also set the auth cookie on the response, which the http channel applies.
func SignIn(ctx context.Context, client RemoteClient, credentials *Credentials, args *SignInArgs) error {
	result, err := client.Mutate(ctx, signInOperation, map[string]any{
		"email":    args.Email,
		"password": args.Password,
	})
	if err != nil {
		return fmt.Errorf("Sign in: %w", err)
	}

	var data struct {
		SignIn *struct {
			Token string `json:"token"`
		} `json:"signIn"`
	}
	if err := result.Decode(&data); err != nil {
		return err
	}

	if data.SignIn != nil && data.SignIn.Token != "" {
		credentials.SetAuthCookie(data.SignIn.Token)
	}
	if !credentials.IsAuthenticated() {
		return ErrSignInNoToken
	}
	glog.V(2).Infof("[a]signed in %s\n", args.Email)
	return nil
}

// implemented by `Client`
type ResultCache interface {
	ClearCache()
}

// SignOut drops the credential, the cached results of the signed out user,
// and every slice of the store.
func SignOut(credentials *Credentials, cache ResultCache, store *Store) {
	Trace("[a]sign out", func() {
		credentials.Clear()
		cache.ClearCache()
		store.ClearSession()
	})
}
