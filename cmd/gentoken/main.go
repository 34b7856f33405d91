package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"lv-escrow/internal/auth"
	"lv-escrow/internal/config"
	"lv-escrow/internal/escrow"
)

// Issues a bearer token signed with the configured JWT secret, for local
// testing against a running server.
func main() {
	user := flag.String("user", "", "subject user id")
	admin := flag.Bool("admin", false, "grant admin")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: gentoken -user <id> [-admin] [-ttl 1h]")
		os.Exit(2)
	}
	svc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), *ttl)
	token, err := svc.Issue(escrow.Actor{UserID: *user, Admin: *admin})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
