package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"tglinks/internal/config"
	"tglinks/internal/domain"
	"tglinks/internal/logging"
	"tglinks/internal/telegram"
)

const usage = `usage: tglinks [-config path] <command> [flags]

commands:
  run                                   backfill every active account, then listen
  account add -name N (-session S | -session-file F)
  account login -name N                 sign in by QR code
  account list | disable -name N [-reason R] | enable -name N | delete -name N
  target set -admin ID -platform P -chat ID
  target list | delete -admin ID -platform P
  years [-platform P]
  count [-platform P] [-type T] [-year Y]
  list  [-platform P] [-type T] [-year Y] [-limit N] [-offset N]
  search -query Q [-limit N]
  export -platform P [-type T] [-year Y]
  backup
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cli struct {
	app    *App
	stdin  *bufio.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("tglinks", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	configPath := global.String("config", "", "path to config file")
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	log, err := logging.NewWithWriter(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(stderr, "logging: %v\n", err)
		return 1
	}
	app, err := NewApp(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer app.Close()

	c := &cli{app: app, stdin: bufio.NewReader(stdin), stdout: stdout, stderr: stderr}
	err = c.dispatch(ctx, rest[0], rest[1:])
	var usageErr usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &usageErr):
		fmt.Fprintln(stderr, usageErr.Error())
		fmt.Fprint(stderr, usage)
		return 2
	case errors.Is(err, flag.ErrHelp):
		return 2
	default:
		fmt.Fprintf(stderr, "%s: %v\n", rest[0], err)
		return 1
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "run":
		return c.app.Run(ctx)
	case "account":
		return c.account(ctx, args)
	case "target":
		return c.target(ctx, args)
	case "years":
		return c.years(ctx, args)
	case "count":
		return c.count(ctx, args)
	case "list":
		return c.list(ctx, args)
	case "search":
		return c.search(ctx, args)
	case "export":
		return c.export(ctx, args)
	case "backup":
		path, err := c.app.Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, path)
		return nil
	}
	return usageError(fmt.Sprintf("unknown command %q", cmd))
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) account(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("account: missing subcommand")
	}
	fs := c.flags("account " + args[0])
	name := fs.String("name", "", "account name")
	switch args[0] {
	case "add":
		sessionText := fs.String("session", "", "string session")
		sessionFile := fs.String("session-file", "", "file holding the string session ('-' for stdin)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		raw, err := c.readSession(*sessionText, *sessionFile)
		if err != nil {
			return err
		}
		account, who, err := c.app.AddAccount(ctx, *name, raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "added account %s (%s)\n", account.Name, who.Display)
		return nil
	case "login":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		account, who, err := c.app.LoginAccount(ctx, *name, c.showQR, c.promptPassword)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "added account %s (%s)\n", account.Name, who.Display)
		return nil
	case "list":
		accounts, err := c.app.ListAccounts(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tACTIVE\tREASON\tADDED")
		for _, a := range accounts {
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", a.Name, a.Active, a.DisabledReason, a.CreatedAt.Format(time.DateOnly))
		}
		return w.Flush()
	case "disable":
		reason := fs.String("reason", "", "why the account is disabled")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return c.app.DisableAccount(ctx, *name, *reason)
	case "enable":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return c.app.EnableAccount(ctx, *name)
	case "delete":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return c.app.DeleteAccount(ctx, *name)
	}
	return usageError(fmt.Sprintf("account: unknown subcommand %q", args[0]))
}

func (c *cli) readSession(text, file string) (string, error) {
	switch {
	case text != "" && file != "":
		return "", usageError("use -session or -session-file, not both")
	case text != "":
		return text, nil
	case file == "-":
		data, err := io.ReadAll(c.stdin)
		return strings.TrimSpace(string(data)), err
	case file != "":
		data, err := os.ReadFile(file)
		return strings.TrimSpace(string(data)), err
	}
	return "", usageError("account add: -session or -session-file is required")
}

func (c *cli) showQR(token telegram.QRToken) error {
	code, err := telegram.RenderQR(token.URL)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, "Scan with Telegram: Settings > Devices > Link Desktop Device")
	fmt.Fprint(c.stdout, code)
	fmt.Fprintf(c.stdout, "expires %s\n", token.ExpiresAt.Local().Format(time.TimeOnly))
	return nil
}

func (c *cli) promptPassword(ctx context.Context) (string, error) {
	fmt.Fprint(c.stdout, "Two-step verification password: ")
	line, err := c.stdin.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), ctx.Err()
}

func (c *cli) target(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("target: missing subcommand")
	}
	fs := c.flags("target " + args[0])
	admin := fs.Int64("admin", 0, "admin user id")
	platform := fs.String("platform", "", "link platform")
	switch args[0] {
	case "set":
		chat := fs.Int64("chat", 0, "chat id that receives notifications")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		p, err := requirePlatform(*platform)
		if err != nil {
			return err
		}
		if *admin == 0 || *chat == 0 {
			return usageError("target set: -admin and -chat are required")
		}
		return c.app.SetTarget(ctx, domain.AdminTarget{AdminID: *admin, Platform: p, TargetChat: *chat})
	case "list":
		targets, err := c.app.ListTargets(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ADMIN\tPLATFORM\tCHAT")
		for _, t := range targets {
			fmt.Fprintf(w, "%d\t%s\t%d\n", t.AdminID, t.Platform, t.TargetChat)
		}
		return w.Flush()
	case "delete":
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		p, err := requirePlatform(*platform)
		if err != nil {
			return err
		}
		return c.app.DeleteTarget(ctx, *admin, p)
	}
	return usageError(fmt.Sprintf("target: unknown subcommand %q", args[0]))
}

type filterFlags struct {
	platform, chatType string
	year               int
}

func (f *filterFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.platform, "platform", "", "platform: "+platformList())
	fs.StringVar(&f.chatType, "type", "", "chat type: group, channel, message, addlist, other")
	fs.IntVar(&f.year, "year", 0, "message year")
}

func (f *filterFlags) filter() (domain.LinkFilter, error) {
	var out domain.LinkFilter
	if f.platform != "" {
		p, ok := domain.ParsePlatform(f.platform)
		if !ok {
			return out, usageError(fmt.Sprintf("unknown platform %q", f.platform))
		}
		out.Platform = p
	}
	if f.chatType != "" {
		t, ok := domain.ParseChatType(f.chatType)
		if !ok {
			return out, usageError(fmt.Sprintf("unknown chat type %q", f.chatType))
		}
		out.ChatType = t
	}
	if f.year < 0 {
		return out, usageError("year must be positive")
	}
	out.Year = f.year
	return out, nil
}

func (c *cli) years(ctx context.Context, args []string) error {
	fs := c.flags("years")
	platform := fs.String("platform", "", "platform: "+platformList())
	if err := fs.Parse(args); err != nil {
		return err
	}
	var p domain.Platform
	if *platform != "" {
		var err error
		if p, err = requirePlatform(*platform); err != nil {
			return err
		}
	}
	years, err := c.app.Years(ctx, p)
	if err != nil {
		return err
	}
	for _, y := range years {
		fmt.Fprintln(c.stdout, y)
	}
	return nil
}

func (c *cli) count(ctx context.Context, args []string) error {
	fs := c.flags("count")
	var ff filterFlags
	ff.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := ff.filter()
	if err != nil {
		return err
	}
	if filter == (domain.LinkFilter{}) {
		counts, err := c.app.CountByPlatform(ctx)
		if err != nil {
			return err
		}
		total := 0
		w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
		for _, pc := range counts {
			fmt.Fprintf(w, "%s\t%d\n", pc.Platform, pc.Count)
			total += pc.Count
		}
		fmt.Fprintf(w, "total\t%d\n", total)
		return w.Flush()
	}
	n, err := c.app.Count(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, n)
	return nil
}

func (c *cli) list(ctx context.Context, args []string) error {
	fs := c.flags("list")
	var ff filterFlags
	ff.register(fs)
	limit := fs.Int("limit", 50, "maximum rows")
	offset := fs.Int("offset", 0, "rows to skip")
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := ff.filter()
	if err != nil {
		return err
	}
	filter.Limit, filter.Offset = *limit, *offset
	found, err := c.app.List(ctx, filter)
	if err != nil {
		return err
	}
	return c.printLinks(found)
}

func (c *cli) search(ctx context.Context, args []string) error {
	fs := c.flags("search")
	query := fs.String("query", "", "search query, e.g. 'crypto platform:telegram'")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *query == "" && fs.NArg() > 0 {
		*query = strings.Join(fs.Args(), " ")
	}
	found, err := c.app.Search(ctx, *query, *limit)
	if err != nil {
		return err
	}
	return c.printLinks(found)
}

func (c *cli) printLinks(found []domain.Link) error {
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tPLATFORM\tTYPE\tACCOUNT\tURL")
	for _, l := range found {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.MessageDate.Format(time.DateOnly), l.Platform, l.ChatType, l.SourceAccount, l.URL)
	}
	return w.Flush()
}

func (c *cli) export(ctx context.Context, args []string) error {
	fs := c.flags("export")
	var ff filterFlags
	ff.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter, err := ff.filter()
	if err != nil {
		return err
	}
	res, err := c.app.Export(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%d links written to %s\n", res.Count, res.Path)
	return nil
}

func requirePlatform(raw string) (domain.Platform, error) {
	p, ok := domain.ParsePlatform(raw)
	if !ok {
		return "", usageError(fmt.Sprintf("platform must be one of %s", platformList()))
	}
	return p, nil
}

func platformList() string {
	names := make([]string, len(domain.Platforms))
	for i, p := range domain.Platforms {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}
