package compass

import (
	"fmt"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// SessionToken is the decoded claim set of a platform session token.
type SessionToken struct {
	Jid       string
	CompanyId string
	Username  string
}

// ParseSessionTokenUnverified extracts the claims from a platform session
// token without verifying the signature. The platform verifies the token on
// connect; the client only needs the identity claims.
func ParseSessionTokenUnverified(token string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}
	if jid, ok := claims["jid"].(string); ok {
		sessionToken.Jid = jid
	}
	if companyId, ok := claims["company_id"].(string); ok {
		sessionToken.CompanyId = companyId
	}
	if username, ok := claims["username"].(string); ok {
		sessionToken.Username = username
	}
	return sessionToken, nil
}

// Credentials authenticate one session. Either Jid+Password or a session
// token issued by the platform.
type Credentials struct {
	Jid      string
	Password string
	// session token. When set, Jid may be empty; it is read from the
	// token claims.
	Token string
}

// BareJid returns the account address without a resource.
func (self *Credentials) BareJid() (string, error) {
	jid := self.Jid
	if jid == "" && self.Token != "" {
		sessionToken, err := ParseSessionTokenUnverified(self.Token)
		if err != nil {
			return "", err
		}
		jid = sessionToken.Jid
	}
	if i := strings.Index(jid, "/"); i != -1 {
		jid = jid[:i]
	}
	if !strings.Contains(jid, "@") {
		return "", fmt.Errorf("jid does not contain an \"@\"")
	}
	return jid, nil
}

// Domain returns the host part of the account address.
func (self *Credentials) Domain() (string, error) {
	jid, err := self.BareJid()
	if err != nil {
		return "", err
	}
	return jid[strings.Index(jid, "@")+1:], nil
}
