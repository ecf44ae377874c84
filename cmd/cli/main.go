// Command ledger is a CLI client for the fan ledger HTTP gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/fan-ledger/internal/convert"
	"github.com/and161185/fan-ledger/internal/crypto"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/service"
)

// ---- config/token store ----

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "fan-ledger")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "fan-ledger")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	_ = os.MkdirAll(cfgDir(), 0o700)
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(convert.TokenResponse{Token: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf convert.TokenResponse
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.Token == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run `ledger token` first)")
	}
	return tf.Token, nil
}

// mintToken signs a token locally with the server's key. Meant for development
// and operators; there is no login endpoint.
func mintToken(key, subject, role string, ttl time.Duration) (string, time.Time, error) {
	if key == "" {
		return "", time.Time{}, errors.New("need -key or LEDGER_JWT_KEY")
	}
	r := service.Role(role)
	if !r.Valid() {
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}
	return service.NewTokenService([]byte(key), ttl, "fan-ledger").Issue(subject, r)
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// idemKey returns k, or a fresh key echoed to stderr so the call can be retried.
func idemKey(k string) string {
	if k != "" {
		return k
	}
	k, err := crypto.NewIdempotencyKey()
	if err != nil {
		return ""
	}
	fmt.Fprintf(os.Stderr, "idempotency-key: %s\n", k)
	return k
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}

func needID(id string) (string, error) {
	if _, err := u.FromString(id); err != nil {
		return "", fmt.Errorf("need -id <uuid>: %w", err)
	}
	return id, nil
}

// ---- commands ----

type command struct {
	usage string
	run   func(ctx context.Context, c *client, args []string) (out any, replayed bool, err error)
}

func get(path string, out any, q url.Values) func(context.Context, *client) (any, bool, error) {
	return func(ctx context.Context, c *client) (any, bool, error) {
		_, err := c.do(ctx, http.MethodGet, path, q, "", nil, out)
		return out, false, err
	}
}

func post(ctx context.Context, c *client, path, key string, in, out any) (any, bool, error) {
	replayed, err := c.do(ctx, http.MethodPost, path, nil, idemKey(key), in, out)
	return out, replayed, err
}

var commands = map[string]command{
	"me": {"me", func(ctx context.Context, c *client, _ []string) (any, bool, error) {
		return get("/accounts/me", &model.Account{}, nil)(ctx, c)
	}},
	"entries": {"entries [-limit n]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("entries", flag.ContinueOnError)
		limit := fs.Int("limit", 0, "max entries")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		return get("/accounts/me/entries", &[]model.LedgerEntry{}, limitQuery(*limit))(ctx, c)
	}},
	"challenges": {"challenges [-status draft|active|ended] [-category c] [-q term]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("challenges", flag.ContinueOnError)
		status := fs.String("status", "", "filter by status")
		category := fs.String("category", "", "filter by category")
		term := fs.String("q", "", "title search")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		q := url.Values{}
		for k, v := range map[string]string{"status": *status, "category": *category, "q": *term} {
			if v != "" {
				q.Set(k, v)
			}
		}
		return get("/challenges", &[]model.Challenge{}, q)(ctx, c)
	}},
	"participations": {"participations", func(ctx context.Context, c *client, _ []string) (any, bool, error) {
		return get("/accounts/me/participations", &[]model.Participation{}, nil)(ctx, c)
	}},
	"rank": {"rank [-window all|week] [-category c] [-limit n]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("rank", flag.ContinueOnError)
		window := fs.String("window", "", "all or week")
		category := fs.String("category", "", "challenge category")
		limit := fs.Int("limit", 0, "max rows")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		q := limitQuery(*limit)
		if q == nil {
			q = url.Values{}
		}
		if *window != "" {
			q.Set("window", *window)
		}
		if *category != "" {
			q.Set("category", *category)
		}
		return get("/leaderboard", &[]model.RankRow{}, q)(ctx, c)
	}},
	"challenge": {"challenge -id <uuid>", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("challenge", flag.ContinueOnError)
		id := fs.String("id", "", "challenge id")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		cid, err := needID(*id)
		if err != nil {
			return nil, false, err
		}
		return get("/challenges/"+cid, &model.Challenge{}, nil)(ctx, c)
	}},
	"create": {"create -file <challenge.json|->", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		file := fs.String("file", "", "challenge JSON ('-'=stdin)")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		if *file == "" {
			return nil, false, errors.New("need -file")
		}
		raw, err := readAll(*file)
		if err != nil {
			return nil, false, err
		}
		var req convert.ChallengeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, false, fmt.Errorf("parse %s: %w", *file, err)
		}
		var out model.Challenge
		_, err = c.do(ctx, http.MethodPost, "/challenges", nil, "", req, &out)
		return out, false, err
	}},
	"publish": {"publish -id <uuid>", challengeAction("publish")},
	"close":   {"close -id <uuid>", challengeAction("close")},
	"join": {"join -id <uuid> [-key k]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("join", flag.ContinueOnError)
		id := fs.String("id", "", "challenge id")
		key := fs.String("key", "", "idempotency key")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		cid, err := needID(*id)
		if err != nil {
			return nil, false, err
		}
		return post(ctx, c, "/challenges/"+cid+"/join", *key, nil, &model.Participation{})
	}},
	"progress": {"progress -id <uuid> -value n [-key k]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("progress", flag.ContinueOnError)
		id := fs.String("id", "", "challenge id")
		value := fs.Int64("value", -1, "new cumulative progress")
		key := fs.String("key", "", "idempotency key")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		cid, err := needID(*id)
		if err != nil {
			return nil, false, err
		}
		if *value < 0 {
			return nil, false, errors.New("need -value")
		}
		return post(ctx, c, "/challenges/"+cid+"/progress", *key,
			convert.ProgressRequest{NewProgress: value}, &model.ProgressReport{})
	}},
	"leaderboard": {"leaderboard -id <uuid> [-limit n]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("leaderboard", flag.ContinueOnError)
		id := fs.String("id", "", "challenge id")
		limit := fs.Int("limit", 0, "max rows")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		cid, err := needID(*id)
		if err != nil {
			return nil, false, err
		}
		return get("/challenges/"+cid+"/leaderboard", &[]model.LeaderboardRow{}, limitQuery(*limit))(ctx, c)
	}},
	"reward": {"reward -id <uuid> -account a -milestone n", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("reward", flag.ContinueOnError)
		id := fs.String("id", "", "challenge id")
		account := fs.String("account", "", "participant account")
		milestone := fs.Int("milestone", 0, "milestone id")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		cid, err := needID(*id)
		if err != nil {
			return nil, false, err
		}
		var out model.IssuedReward
		_, err = c.do(ctx, http.MethodPost, "/admin/challenges/"+cid+"/rewards", nil, "",
			convert.RewardRequest{AccountID: *account, MilestoneID: *milestone}, &out)
		return out, false, err
	}},
	"stake": {"stake -amount n -tier bronze|silver|gold|platinum [-key k]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("stake", flag.ContinueOnError)
		amount := fs.Int64("amount", 0, "tokens to stake")
		target := fs.String("tier", "", "target tier")
		key := fs.String("key", "", "idempotency key")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		return post(ctx, c, "/stake", *key,
			convert.StakeRequest{Amount: *amount, TargetTier: *target}, &model.Account{})
	}},
	"withdraw": {"withdraw [-key k]", accountAction("/withdraw", func() any { return &model.Account{} })},
	"accrue":   {"accrue [-key k]", accountAction("/accrue", func() any { return &model.AccrualResult{} })},
	"tiers": {"tiers", func(ctx context.Context, c *client, _ []string) (any, bool, error) {
		return get("/tiers", &[]map[string]any{}, nil)(ctx, c)
	}},
	"posts": {"posts [-limit n]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("posts", flag.ContinueOnError)
		limit := fs.Int("limit", 0, "max posts")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		return get("/posts", &[]model.Post{}, limitQuery(*limit))(ctx, c)
	}},
	"post": {"post -body text [-link url] [-tier t] [-key k]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("post", flag.ContinueOnError)
		body := fs.String("body", "", "post text")
		link := fs.String("link", "", "optional http(s) link")
		tier := fs.String("tier", "", "required tier")
		key := fs.String("key", "", "idempotency key")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		return post(ctx, c, "/posts", *key,
			convert.PostRequest{Body: *body, Link: *link, RequiredTier: *tier}, &model.Post{})
	}},
	"like": {"like -id <uuid> [-key k]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("like", flag.ContinueOnError)
		id := fs.String("id", "", "post id")
		key := fs.String("key", "", "idempotency key")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		pid, err := needID(*id)
		if err != nil {
			return nil, false, err
		}
		return post(ctx, c, "/posts/"+pid+"/like", *key, nil, &model.Post{})
	}},
	"comment": {"comment -id <uuid> -body text [-key k]", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("comment", flag.ContinueOnError)
		id := fs.String("id", "", "post id")
		body := fs.String("body", "", "comment text")
		key := fs.String("key", "", "idempotency key")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		pid, err := needID(*id)
		if err != nil {
			return nil, false, err
		}
		return post(ctx, c, "/posts/"+pid+"/comments", *key,
			convert.CommentRequest{Body: *body}, &model.Comment{})
	}},
	"grant": {"grant -account id -amount n [-key k]   (admin)", func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet("grant", flag.ContinueOnError)
		account := fs.String("account", "", "account id")
		amount := fs.Int64("amount", 0, "tokens to grant")
		key := fs.String("key", "", "idempotency key")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		return post(ctx, c, "/admin/grants", *key,
			convert.GrantRequest{AccountID: *account, Amount: *amount}, &model.Account{})
	}},
}

func challengeAction(action string) func(context.Context, *client, []string) (any, bool, error) {
	return func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet(action, flag.ContinueOnError)
		id := fs.String("id", "", "challenge id")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		cid, err := needID(*id)
		if err != nil {
			return nil, false, err
		}
		var out json.RawMessage
		_, err = c.do(ctx, http.MethodPost, "/challenges/"+cid+"/"+action, nil, "", nil, &out)
		return out, false, err
	}
}

func accountAction(path string, newOut func() any) func(context.Context, *client, []string) (any, bool, error) {
	return func(ctx context.Context, c *client, args []string) (any, bool, error) {
		fs := flag.NewFlagSet(path, flag.ContinueOnError)
		key := fs.String("key", "", "idempotency key")
		if err := fs.Parse(args); err != nil {
			return nil, false, err
		}
		return post(ctx, c, path, *key, nil, newOut())
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `ledger CLI
Usage:
  ledger -addr URL [-cacert file | -insecure] <cmd> [args]

Commands:
  version
  token      -sub <account> [-role member|creator|admin] [-key k] [-ttl 1h]   (saves token)
`)
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", commands[n].usage)
	}
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands against the gateway.
func main() {
	// global flags
	addr := flag.String("addr", "http://localhost:8080", "gateway URL")
	caPath := flag.String("cacert", "", "CA cert (PEM)")
	insecure := flag.Bool("insecure", false, "skip cert verify (dev)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Printf("ledger %s (%s)\n", version, buildDate)
		return

	case "token":
		fs := flag.NewFlagSet("token", flag.ExitOnError)
		sub := fs.String("sub", "", "account id")
		role := fs.String("role", string(service.RoleMember), "role")
		key := fs.String("key", os.Getenv("LEDGER_JWT_KEY"), "HS256 signing key")
		ttl := fs.Duration("ttl", time.Hour, "token TTL")
		_ = fs.Parse(args)
		if *sub == "" {
			fmt.Fprintln(os.Stderr, "need -sub")
			os.Exit(1)
		}
		tok, exp, err := mintToken(*key, *sub, *role, *ttl)
		if err != nil {
			fail(err)
		}
		if err := saveToken(tok, exp); err != nil {
			fail(err)
		}
		fmt.Println("ok")
		return
	}

	c, ok := commands[cmd]
	if !ok {
		usage()
	}
	token, err := loadToken()
	if err != nil {
		fail(err)
	}
	cl, err := newClient(*addr, token, *caPath, *insecure)
	if err != nil {
		fail(err)
	}
	out, replayed, err := c.run(ctx, cl, args)
	if err != nil {
		fail(err)
	}
	if replayed {
		fmt.Fprintln(os.Stderr, "(replayed)")
	}
	printJSON(os.Stdout, out)
}

// ---- helpers ----

func fail(err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		fmt.Fprintln(os.Stderr, ae.Error())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
