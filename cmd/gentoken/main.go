package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"lv-futures/internal/auth"
	"lv-futures/internal/config"
)

// gentoken prints a bearer token for a user id, signed with the
// configured JWT issuer and secret. For development only.
func main() {
	user := flag.String("user", "", "user id (token subject)")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()
	if *user == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	issuer, secret := os.Getenv("JWT_ISSUER"), os.Getenv("JWT_SECRET")
	if issuer == "" || secret == "" {
		log.Fatal("JWT_ISSUER and JWT_SECRET must be set")
	}
	tok, err := auth.NewService(issuer, []byte(secret), *ttl).SignToken(*user)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(tok)
}
