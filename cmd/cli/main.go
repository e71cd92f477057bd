package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/relaydns/resolver"
)

func lookup(ctx context.Context, r *resolver.Resolver, name string) error {
	handle, err := r.LookupFamily(ctx, name, resolver.FamilyAny)
	if err != nil {
		return err
	}
	records, err := handle.Wait(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Printf("%s\t%d\t%v\n", rec.Name, rec.TTL, net.IP(rec.IP))
	}
	return nil
}

// buildResolver builds a Resolver from the remaining CLI args, supporting an
// optional leading "-config <path>" pair that loads settings via
// resolver.NewFromConfig instead of the zero-value default. It returns the
// resolver and the args left over (the lookup name).
func buildResolver(args []string) (*resolver.Resolver, []string, error) {
	if len(args) >= 2 && args[0] == "-config" {
		cfg, err := resolver.LoadConfig(args[1])
		if err != nil {
			return nil, nil, err
		}
		r, err := resolver.NewFromConfig(cfg)
		return r, args[2:], err
	}
	r, err := resolver.New()
	return r, args, err
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: cli [-config <path>] <name>")
		os.Exit(2)
	}

	r, rest, err := buildResolver(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: cli [-config <path>] <name>")
		os.Exit(2)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := lookup(ctx, r, rest[0]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
