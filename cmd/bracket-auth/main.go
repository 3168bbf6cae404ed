// Operator tool for the OAuth credential of an account.
//
// Usage:
//
//	go run cmd/bracket-auth/main.go [-config path] url
//	go run cmd/bracket-auth/main.go [-config path] code <authorization-code>
//	go run cmd/bracket-auth/main.go [-config path] status
//	go run cmd/bracket-auth/main.go [-config path] refresh
//	go run cmd/bracket-auth/main.go [-config path] ensure
//	go run cmd/bracket-auth/main.go [-config path] revoke [-reauth]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"brackettrader/internal/config"
	"brackettrader/internal/domain"
	"brackettrader/internal/engine"
	"brackettrader/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "account config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: bracket-auth [-config path] url|code <code>|status|refresh|ensure|revoke [-reauth]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	path := *cfgPath
	if path == "" {
		path = "config/brackettrader.yaml"
		if env := os.Getenv("BRACKETTRADER_CONFIG"); env != "" {
			path = env
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, "text")
	util.SetDefault(logger)

	sess, err := engine.Open(cfg, logger)
	if err != nil {
		log.Fatalf("failed to open account: %v", err)
	}
	defer sess.Close()

	mgr := sess.Auth()
	if mgr == nil {
		log.Fatalf("broker %q does not use OAuth", cfg.Broker)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd := flag.Arg(0); cmd {
	case "url":
		fmt.Println(mgr.AuthorizeURL())

	case "code":
		if flag.NArg() < 2 {
			log.Fatal("code: missing authorization code")
		}
		if err := mgr.SubmitAuthCode(ctx, flag.Arg(1)); err != nil {
			log.Fatalf("code: %v", err)
		}
		if _, err := mgr.EnsureValidToken(ctx); err != nil {
			log.Fatalf("token exchange: %v", err)
		}
		fmt.Println("authorized")

	case "status":
		st, err := mgr.State(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		fmt.Println(st)

	case "refresh":
		if _, err := mgr.Refresh(ctx); err != nil {
			log.Fatalf("refresh: %v", err)
		}
		fmt.Println("refreshed")

	case "ensure":
		if _, err := mgr.EnsureValidToken(ctx); err != nil {
			log.Fatalf("ensure: %v", err)
		}
		fmt.Println("valid")

	case "revoke":
		fs := flag.NewFlagSet("revoke", flag.ExitOnError)
		reauth := fs.Bool("reauth", false, "start a new authorization after revoking")
		_ = fs.Parse(flag.Args()[1:])
		if err := mgr.Revoke(ctx, *reauth); err != nil {
			if !*reauth || !errors.Is(err, domain.ErrAuthorizationRequired) {
				log.Fatalf("revoke: %v", err)
			}
			// A fresh authorization needs a new code.
			fmt.Println(mgr.AuthorizeURL())
			return
		}
		fmt.Println("revoked")

	default:
		log.Fatalf("unknown command %q", cmd)
	}
}
