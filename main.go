package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pubwiki/wikidesigner/cmd/root"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.Execute(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]...); err != nil {
		cancel()
		os.Exit(1)
	}
}
