// Package shellservice implements com.example.shell, a single
// "upgrade" method that hands the caller a PTY-backed shell: after
// the reply is flushed, the connection's raw bytes are the PTY's
// bytes in both directions, with no further varlink framing.
package shellservice

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"

	"github.com/ianremillard/govarlink"
	"github.com/ianremillard/govarlink/schema"
)

// InterfaceName is com.example.shell's declared name.
const InterfaceName = "com.example.shell"

// Declaration returns the schema for com.example.shell.
func Declaration() *schema.Interface {
	iface, err := schema.NewInterface(InterfaceName, nil, []schema.Method{
		{
			Name: "Open",
			In:   []schema.Field{{Name: "command", Type: schema.String()}},
			Flags: schema.MethodFlags{UpgradesConnection: true},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("shellservice: invalid declaration: %v", err))
	}
	return iface
}

// Binding builds the govarlink.Interface for com.example.shell. log
// receives a warning if the PTY session ends abnormally; callers
// typically pass their connection's own logger.
func Binding(log *logrus.Entry) (*govarlink.Binding, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return govarlink.NewBinding(Declaration(), map[string]govarlink.HandlerFunc{
		"Open": func(call *govarlink.ServerCall, in any) (any, *govarlink.Rights, error) {
			m, _ := in.(map[string]any)
			command, _ := m["command"].(string)
			if command == "" {
				command = "sh"
			}

			if err := call.CloseWithReply(map[string]any{}, nil); err != nil {
				return nil, nil, err
			}

			ep, err := call.Hijack()
			if err != nil {
				return nil, nil, err
			}

			cmd := exec.Command(command)
			ptmx, err := pty.Start(cmd)
			if err != nil {
				ep.Close()
				return nil, nil, nil
			}

			go pumpShell(ep, ptmx, cmd, log)
			return nil, nil, nil
		},
	})
}

func pumpShell(ep govarlink.Endpoint, ptmx *os.File, cmd *exec.Cmd, log *logrus.Entry) {
	defer ptmx.Close()
	defer ep.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(ptmx, ep)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(ep, ptmx)
		done <- struct{}{}
	}()
	<-done

	if err := cmd.Wait(); err != nil {
		log.WithError(err).Warn("varlink: shell session process exited")
	}
}
