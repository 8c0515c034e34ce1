package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yourorg/integrations-api/internal/app"
	"github.com/yourorg/integrations-api/internal/domain"
	"github.com/yourorg/integrations-api/internal/env"
	"github.com/yourorg/integrations-api/internal/logger"
)

const usage = `usage: integrationctl <command> [flags]

commands:
  import -f integrations.yaml   register integrations (secrets read from the env vars each entry names)
  list                          print registered integrations
  health                        check every integration
  search [flags]                run a unified search
  push -name crm1 -f rows.json  write a JSON array of records to one integration`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := env.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	lg := logger.New(logger.Config{Level: env.Get("LOG_LEVEL", "warn"), Format: "console", Output: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "import":
		err = cmdImport(ctx, a, args)
	case "list":
		err = printJSON(a.Manager.ListIntegrations(ctx))
	case "health":
		err = printJSON(a.Manager.Health(ctx))
	case "search":
		err = cmdSearch(ctx, a, args)
	case "push":
		err = cmdPush(ctx, a, args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		a.Close()
		os.Exit(2)
	}
	if err != nil {
		a.Close()
		log.Fatalf("%s: %v", cmd, err)
	}
}

func cmdImport(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	path := fs.String("f", "integrations.yaml", "import file, - for stdin")
	_ = fs.Parse(args)

	r, err := openImport(*path)
	if err != nil {
		return err
	}
	defer r.Close()
	defs, err := parseImport(r, os.LookupEnv)
	if err != nil {
		return err
	}
	res, err := runImport(ctx, a.Manager, defs)
	for _, n := range res.Created {
		fmt.Println("created", n)
	}
	for _, n := range res.Skipped {
		fmt.Println("exists ", n)
	}
	return err
}

func cmdSearch(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	var c domain.Criteria
	fs.StringVar(&c.Location, "location", "", "free-form location")
	fs.StringVar(&c.City, "city", "", "city")
	fs.StringVar(&c.State, "state", "", "state")
	fs.StringVar(&c.PostalCode, "postalcode", "", "postal code")
	fs.StringVar(&c.PropertyType, "property-type", "", "property type")
	fs.Float64Var(&c.MinPrice, "minprice", 0, "minimum price")
	fs.Float64Var(&c.MaxPrice, "maxprice", 0, "maximum price")
	fs.IntVar(&c.MinBeds, "beds", 0, "minimum bedrooms")
	fs.Float64Var(&c.MinBaths, "baths", 0, "minimum bathrooms")
	fs.IntVar(&c.Limit, "limit", 0, "max records")
	names := fs.String("names", "", "comma separated integration names")
	types := fs.String("types", "", "comma separated provider types")
	timeout := fs.Duration("timeout", 0, "overall deadline (default: search budget + 5s)")
	_ = fs.Parse(args)

	var s domain.Scope
	s.Names = splitList(*names)
	for _, t := range splitList(*types) {
		s.ProviderTypes = append(s.ProviderTypes, domain.ProviderType(t))
	}
	d := *timeout
	if d <= 0 {
		d = a.Config.SearchBudget + 5*time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	res, err := a.Manager.Search(ctx, c, s)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func cmdPush(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	name := fs.String("name", "", "integration name")
	path := fs.String("f", "-", "JSON array of records, - for stdin")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	r, err := openImport(*path)
	if err != nil {
		return err
	}
	defer r.Close()
	var recs []map[string]any
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return fmt.Errorf("decode %s: %w", *path, err)
	}
	n, err := a.Manager.Push(ctx, *name, recs)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"pushed": n})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	fields := strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
