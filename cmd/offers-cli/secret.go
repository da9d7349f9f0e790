package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

const secretEnv = "OFFERSD_JWT_SECRET"

var readSecret = promptSecret

// promptSecret reads the signing secret from the terminal without echo.
func promptSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("signing secret required; pass --secret, set %s or run interactively", secretEnv)
	}
	fmt.Fprint(os.Stderr, "Enter offersd signing secret: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := string(raw)
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("signing secret cannot be empty")
	}
	return secret, nil
}
