// Package cli implements the hitch command-line frontend to the daemon.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/strongdm/hitch/internal/client"
	"github.com/strongdm/hitch/internal/configstore"
	"github.com/strongdm/hitch/internal/listen"
	"github.com/strongdm/hitch/internal/session"
)

// EnvAddr overrides the daemon URL the CLI talks to.
const EnvAddr = "HITCH_ADDR"

// ExitCodeError carries a process exit status without printing an error.
type ExitCodeError struct {
	code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *ExitCodeError) ExitCode() int {
	return e.code
}

var errShowUsage = errors.New("show usage")

type app struct {
	name   string
	stdout io.Writer
	stderr io.Writer
	theme  theme
	json   bool
	api    *client.Client
	now    func() time.Time
}

// Main runs the CLI with os.Args when args is empty.
func Main(args []string) error {
	if len(args) == 0 {
		args = os.Args
	}
	return Run(context.Background(), args, os.Stdout, os.Stderr)
}

// Run executes one CLI invocation.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{
		name:   commandName(args),
		stdout: stdout,
		stderr: stderr,
		theme:  newTheme(supportsColor(stdout)),
		now:    time.Now,
	}

	fs := flag.NewFlagSet(a.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	defaultAddr := strings.TrimSpace(os.Getenv(EnvAddr))
	if defaultAddr == "" {
		defaultAddr = listen.Default().BaseURL()
	}
	addr := fs.String("addr", defaultAddr, "")
	fs.BoolVar(&a.json, "json", false, "")

	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(stdout, a.usage())
			return nil
		}
		fmt.Fprint(stderr, a.usage())
		return err
	}
	a.api = client.New(*addr)

	err := a.dispatch(ctx, fs.Args())
	if errors.Is(err, errShowUsage) {
		fmt.Fprint(stderr, a.usage())
		return &ExitCodeError{code: 2}
	}
	return err
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errShowUsage
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "list", "ls":
		return a.list(ctx)
	case "activate":
		return a.activate(ctx, args)
	case "status":
		return a.status(ctx, args)
	case "deactivate":
		return a.deactivate(ctx, args)
	case "sessions":
		return a.sessions(ctx)
	case "reset":
		return a.reset(ctx)
	case "config":
		return a.config(args)
	case "help":
		fmt.Fprint(a.stdout, a.usage())
		return nil
	default:
		return fmt.Errorf("unknown command %q (see %s help)", cmd, a.name)
	}
}

func (a *app) usage() string {
	return fmt.Sprintf(`Usage: %s [--addr URL] [--json] <command> [args...]

Route existing shells, containers and python processes through an
intercepting proxy by way of a hitch daemon.

Commands:
  serve [flags]                    Run the daemon (see %s serve -h).
  list                             List interceptors and their sessions.
  activate <kind> <port> [-o k=v]  Start a session and print the command to run.
  status <kind> <port>             Exit 0 when the session is active, 1 otherwise.
  deactivate <kind> <port>         End a session.
  sessions                         List every tracked session.
  reset                            End every session.
  config init [--path p] [--force] Write a default config file.
  config path                      Print the default config file path.

Flags:
  --addr URL   Daemon URL (default %s, or $%s).
  --json       Print machine-readable output.
  --version    Print version information.
`, a.name, a.name, listen.Default().BaseURL(), EnvAddr)
}

func (a *app) list(ctx context.Context) error {
	infos, err := a.api.List(ctx)
	if err != nil {
		return err
	}
	if a.json {
		return a.printJSON(infos)
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, a.theme.label.Render("KIND")+"\t"+a.theme.label.Render("AVAILABLE")+"\t"+a.theme.label.Render("ACTIVE")+"\t"+a.theme.label.Render("PENDING")+"\t"+a.theme.label.Render("DESCRIPTION"))
	for _, info := range infos {
		avail := a.theme.muted.Render("no")
		if info.Activable {
			avail = a.theme.ok.Render("yes")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			a.theme.value.Render(info.Kind), avail, joinPorts(info.ActivePorts), joinPorts(info.PendingPorts), info.Description)
	}
	return tw.Flush()
}

func (a *app) activate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	opts := optionsFlag{}
	fs.Var(opts, "o", "Interceptor option key=value (repeatable)")
	fs.Var(opts, "option", "Alias for -o")
	pos, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	kind, port, err := kindAndPort(pos)
	if err != nil {
		return err
	}

	act, err := a.api.Activate(ctx, kind, port, opts)
	if err != nil {
		return err
	}
	if a.json {
		return a.printJSON(act)
	}
	verb := "pending"
	if act.Existing {
		verb = "already " + act.State.String()
	}
	fmt.Fprintf(a.stdout, "%s %s on proxy port %d (session %s)\n",
		a.theme.title.Render(act.Kind), verb, act.TargetPort, a.theme.muted.Render(act.SessionID))
	if act.State == session.Active {
		return nil
	}
	fmt.Fprintln(a.stdout, a.theme.label.Render("Run this in the target environment:"))
	fmt.Fprintf(a.stdout, "  %s\n", a.theme.accent.Render(act.Command))
	return nil
}

func (a *app) status(ctx context.Context, args []string) error {
	kind, port, err := kindAndPort(args)
	if err != nil {
		return err
	}
	active, err := a.api.IsActive(ctx, kind, port)
	if err != nil {
		return err
	}
	if a.json {
		if err := a.printJSON(map[string]any{"kind": kind, "port": port, "active": active}); err != nil {
			return err
		}
	} else if active {
		fmt.Fprintf(a.stdout, "%s on %d: %s\n", kind, port, a.theme.ok.Render("active"))
	} else {
		fmt.Fprintf(a.stdout, "%s on %d: %s\n", kind, port, a.theme.muted.Render("inactive"))
	}
	if !active {
		return &ExitCodeError{code: 1}
	}
	return nil
}

func (a *app) deactivate(ctx context.Context, args []string) error {
	kind, port, err := kindAndPort(args)
	if err != nil {
		return err
	}
	if err := a.api.Deactivate(ctx, kind, port); err != nil {
		return err
	}
	if !a.json {
		fmt.Fprintf(a.stdout, "%s on %d deactivated\n", kind, port)
	}
	return nil
}

func (a *app) sessions(ctx context.Context) error {
	sessions, err := a.api.Sessions(ctx)
	if err != nil {
		return err
	}
	if a.json {
		return a.printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(a.stdout, a.theme.muted.Render("no sessions"))
		return nil
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, a.theme.label.Render("KIND")+"\t"+a.theme.label.Render("PORT")+"\t"+a.theme.label.Render("SETUP")+"\t"+a.theme.label.Render("STATE")+"\t"+a.theme.label.Render("AGE")+"\t"+a.theme.label.Render("ID"))
	for _, s := range sessions {
		setupPort := "-"
		if s.EphemeralPort != 0 && s.State == session.Pending {
			setupPort = strconv.Itoa(int(s.EphemeralPort))
		}
		age := "-"
		if !s.CreatedAt.IsZero() {
			age = a.now().Sub(s.CreatedAt).Truncate(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			a.theme.value.Render(s.Kind), s.TargetPort, setupPort, a.theme.state(s.State.String()), age, a.theme.muted.Render(s.ID))
	}
	return tw.Flush()
}

func (a *app) reset(ctx context.Context) error {
	if err := a.api.DeactivateAll(ctx); err != nil {
		return err
	}
	if !a.json {
		fmt.Fprintln(a.stdout, "all sessions deactivated")
	}
	return nil
}

func (a *app) config(args []string) error {
	if len(args) == 0 {
		return errShowUsage
	}
	switch args[0] {
	case "path":
		_, file, err := configstore.GetConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, file)
		return nil
	case "init":
		fs := flag.NewFlagSet("config init", flag.ContinueOnError)
		fs.SetOutput(a.stderr)
		path := fs.String("path", "", "Config file to write (default location when empty)")
		force := fs.Bool("force", false, "Overwrite an existing file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		target := strings.TrimSpace(*path)
		if target == "" {
			_, file, err := configstore.GetConfigPath()
			if err != nil {
				return err
			}
			target = file
		}
		if _, err := os.Stat(target); err == nil && !*force {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", target)
		}
		if err := configstore.Save(target, configstore.New()); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "wrote %s\n", filepath.Clean(target))
		return nil
	default:
		return fmt.Errorf("unknown config command %q", args[0])
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func kindAndPort(args []string) (string, uint16, error) {
	if len(args) != 2 {
		return "", 0, errShowUsage
	}
	n, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil || n == 0 {
		return "", 0, fmt.Errorf("invalid port %q", args[1])
	}
	return args[0], uint16(n), nil
}

// parseInterleaved parses flags that may appear between positional arguments.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return pos, nil
		}
		pos = append(pos, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

type optionsFlag map[string]string

func (o optionsFlag) String() string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+o[k])
	}
	return strings.Join(parts, ",")
}

func (o optionsFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("option %q must be key=value", value)
	}
	o[key] = val
	return nil
}

func joinPorts(ports []uint16) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(int(p))
	}
	return strings.Join(parts, ",")
}

func commandName(args []string) string {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "hitch"
	}
	return filepath.Base(args[0])
}
