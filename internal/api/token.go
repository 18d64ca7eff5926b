package api

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// authTokenLength matches the token length other tooling expects.
const authTokenLength = 36

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// EnsureAuthToken reads the node auth token from authtoken.secret under
// home, generating and persisting a fresh one with restrictive
// permissions if the file does not exist.
func EnsureAuthToken(home string) (string, error) {
	path := filepath.Join(home, "authtoken.secret")

	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("api: cannot read auth token: %w", err)
	}

	token, err := generateToken(authTokenLength)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("api: cannot write auth token: %w", err)
	}
	// WriteFile's mode only applies to newly created files.
	if err := os.Chmod(path, 0o600); err != nil {
		return "", fmt.Errorf("api: cannot restrict auth token permissions: %w", err)
	}
	return token, nil
}

func generateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("api: cannot generate auth token: %w", err)
	}
	for i := range buf {
		buf[i] = tokenAlphabet[int(buf[i])%len(tokenAlphabet)]
	}
	return string(buf), nil
}
