// Package ghapp holds the GitHub App identity (JWT signing) and the token
// manager that turns it into short-lived, repo-scoped installation tokens.
package ghapp

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the long-lived GitHub App credential. The private key is read
// once at startup from outside the project tree and never leaves this process
// except as a signature.
type Identity struct {
	AppID      int64
	Slug       string
	privateKey []byte
}

// LoadIdentity reads the App's PEM private key from privateKeyPath.
func LoadIdentity(appID int64, slug, privateKeyPath string) (*Identity, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read app private key: %w", err)
	}
	return &Identity{AppID: appID, Slug: slug, privateKey: key}, nil
}

// GenerateJWT mints a short-lived (10 minute) app-level JWT, backdating iat by
// 60 seconds to tolerate clock skew with GitHub's servers.
func (id *Identity) GenerateJWT() (string, error) {
	block, _ := pem.Decode(id.privateKey)
	if block == nil {
		return "", fmt.Errorf("decode app private key PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", id.AppID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}
