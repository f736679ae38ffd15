package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

// Mechanism names offered by the sessions.
const (
	MechanismPlain       = sasl.Plain
	MechanismLogin       = "LOGIN"
	MechanismOAuthBearer = sasl.OAuthBearer
)

var ErrUnsupportedMechanism = errors.New("unsupported SASL mechanism")

// SASLResult is filled in by the server returned from NewSASLServer once
// the client has presented credentials.
type SASLResult struct {
	Principal Principal
	Err       error
	Attempted bool
}

// Mechanisms lists what NewSASLServer accepts, in advertisement order.
func Mechanisms(tokens bool) []string {
	mechs := []string{MechanismPlain, MechanismLogin}
	if tokens {
		mechs = append(mechs, MechanismOAuthBearer)
	}
	return mechs
}

// NewSASLServer returns a go-sasl server for mech whose credential checks
// run through the guard. The outcome is recorded in the returned result,
// which the caller inspects once Next reports done or fails.
func NewSASLServer(ctx context.Context, mech string, guard *Guard) (sasl.Server, *SASLResult, error) {
	res := &SASLResult{}
	password := func(authzid, identity, secret string) error {
		res.Attempted = true
		p, err := guard.Authenticate(ctx, func(ctx context.Context, v Verifier) (Principal, error) {
			p, err := v.VerifyPassword(ctx, identity, secret)
			if err != nil {
				return Principal{}, err
			}
			if authzid != "" && !strings.EqualFold(authzid, p.Address) && !strings.EqualFold(authzid, p.Identity) {
				return Principal{}, fmt.Errorf("%w: cannot act as %s", ErrInvalidCredentials, authzid)
			}
			return p, nil
		})
		res.Principal, res.Err = p, err
		return err
	}

	switch strings.ToUpper(mech) {
	case MechanismPlain:
		return sasl.NewPlainServer(password), res, nil
	case MechanismLogin:
		return &loginServer{authenticate: func(user, pass string) error { return password("", user, pass) }}, res, nil
	case MechanismOAuthBearer:
		return sasl.NewOAuthBearerServer(func(opts sasl.OAuthBearerOptions) *sasl.OAuthBearerError {
			res.Attempted = true
			p, err := guard.Authenticate(ctx, func(ctx context.Context, v Verifier) (Principal, error) {
				p, err := v.VerifyToken(ctx, opts.Token)
				if err != nil {
					return Principal{}, err
				}
				if opts.Username != "" && !strings.EqualFold(opts.Username, p.Address) && !strings.EqualFold(opts.Username, p.Identity) {
					return Principal{}, fmt.Errorf("%w: token does not match %s", ErrInvalidCredentials, opts.Username)
				}
				return p, nil
			})
			res.Principal, res.Err = p, err
			if err != nil {
				return &sasl.OAuthBearerError{Status: "invalid_token", Schemes: "bearer"}
			}
			return nil
		}), res, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, mech)
	}
}

// loginServer implements the obsolete but widely used LOGIN mechanism:
// the server prompts for the username and then the password.
type loginServer struct {
	authenticate func(username, password string) error
	step         int
	username     string
}

func (l *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch l.step {
	case 0:
		l.step++
		if response == nil {
			return []byte("Username:"), false, nil
		}
		// Initial response carries the username.
		l.username = string(response)
		l.step++
		return []byte("Password:"), false, nil
	case 1:
		l.username = string(response)
		l.step++
		return []byte("Password:"), false, nil
	case 2:
		l.step++
		return nil, true, l.authenticate(l.username, string(response))
	default:
		return nil, true, sasl.ErrUnexpectedClientResponse
	}
}
