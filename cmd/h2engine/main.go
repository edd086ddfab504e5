// Command h2engine runs a demo server on the embeddable engine.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"
)

var version = "dev"

var (
	red   = color.New(color.FgRed).FprintfFunc()
	blue  = color.New(color.FgBlue).FprintfFunc()
	green = color.New(color.FgGreen).FprintfFunc()
)

func errorMsg(w io.Writer, format string, a ...any) {
	red(w, "[!] Error: "+format+"\n", a...)
}

func infoMsg(w io.Writer, format string, a ...any) {
	blue(w, "[+] "+format+"\n", a...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stderr).Run(ctx, os.Args); err != nil {
		errorMsg(os.Stderr, "%s", err)
		os.Exit(1)
	}
}

func newApp(console io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "h2engine",
		Usage: "HTTP/1.1 and HTTP/2 server on gnet event loops",
		Commands: []*cli.Command{
			serveCommand(console),
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					green(console, "h2engine %s\n", version)
					return nil
				},
			},
		},
	}
}
