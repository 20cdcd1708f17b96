package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/transferbroker/internal/client/config"
	"github.com/dmitrijs2005/transferbroker/internal/flagx"
)

// ErrUsage is returned when no command is given.
var ErrUsage = errors.New("usage")

const usage = `usage: brokerctl [global flags] <command> [flags] [args]

commands:
  send -r resource -to a,b [-name n] [-p k=v]... file   initialize and upload
  upload <transfer-id> file                             retry an upload
  download [-o path] [-confirm] [-force] <transfer-id>  fetch content
  confirm [-k operation-key] <transfer-id>              confirm receipt
  cancel <transfer-id>                                  cancel a transfer you sent
  status <transfer-id>                                  show status and history
  history [-n count]                                    list remembered transfers
`

type command func(a *App, ctx context.Context, args []string) error

var commands = map[string]command{
	"send":     (*App).send,
	"upload":   (*App).upload,
	"download": (*App).download,
	"confirm":  (*App).confirm,
	"cancel":   (*App).cancel,
	"status":   (*App).status,
	"history":  (*App).listHistory,
}

// Run executes one command. args starts with the command name.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return ErrUsage
	}
	if args[0] == "help" {
		fmt.Fprint(a.out, usage)
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd(a, ctx, args[1:])
}

// CommandArgs drops the global flags that precede the command in args.
func CommandArgs(args []string) []string {
	return flagx.StripLeading(args, config.GlobalFlags)
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// oneArg parses fs and requires exactly one positional argument.
func oneArg(fs *flag.FlagSet, args []string, what string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s: expected %s", fs.Name(), what)
	}
	return fs.Arg(0), nil
}
