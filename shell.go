package main

import (
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v2"

	"github.com/monsterxx03/mallocspy/pkg/inspect"
)

func shellCompleter(cmds []*cli.Command) *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, cmd := range cmds {
		if cmd.Name == "shell" {
			continue
		}
		var flags []readline.PrefixCompleterInterface
		for _, f := range cmd.Flags {
			for _, name := range f.Names() {
				if len(name) > 1 {
					flags = append(flags, readline.PcItem("--"+name))
				}
			}
		}
		items = append(items, readline.PcItem(cmd.Name, flags...))
	}
	items = append(items, readline.PcItem("help"), readline.PcItem("exit"))
	return readline.NewPrefixCompleter(items...)
}

// runShell reads commands until EOF or exit, running each against s.
func runShell(s *inspect.Session, cmds []*cli.Command) error {
	shell, err := readline.NewEx(&readline.Config{
		Prompt:       fmt.Sprintf("(mallocspy %d) ", s.PID()),
		AutoComplete: shellCompleter(cmds),
		EOFPrompt:    "\n",
	})
	if err != nil {
		return err
	}
	defer shell.Close()

	fmt.Fprintf(shell.Stdout(), "Attached to %d (%s)\n", s.PID(), s.Process().Exe())
	fmt.Fprintf(shell.Stdout(), "Entering interactive mode (type 'help' for commands)\n")

	for {
		l, err := shell.Readline()
		if err != nil {
			if err != io.EOF && err != readline.ErrInterrupt {
				return err
			}
			return nil
		}
		args := strings.Fields(l)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "exit", "quit":
			return nil
		}

		err = capturePanic(func() error {
			app := newApp()
			app.Writer = shell.Stdout()
			app.ErrWriter = shell.Stderr()
			return app.Run(append([]string{"mallocspy"}, args...))
		})
		if err != nil {
			fmt.Fprintf(shell.Stderr(), "Error while trying to run command %q: %v\n", l, err)
		}
	}
}

func capturePanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v\nStack: %s\n", r, debug.Stack())
		}
	}()
	return fn()
}
