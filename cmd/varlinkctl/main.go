// Command varlinkctl is a demo varlink client: it can issue a single
// call against any address, print org.varlink.service.GetInfo, dump
// an interface's rendered description, or open an interactive
// PTY-backed shell through com.example.shell's "upgrade" method.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ianremillard/govarlink"
)

func main() {
	var address string

	root := &cobra.Command{
		Use:   "varlinkctl",
		Short: "Demo varlink client",
	}
	root.PersistentFlags().StringVar(&address, "address", "unix:/run/varlinkd/varlinkd.sock", "varlink connection address")

	root.AddCommand(
		callCmd(&address),
		infoCmd(&address),
		describeCmd(&address),
		shellCmd(&address),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial(address string) (*govarlink.Conn, error) {
	return govarlink.DialConn(address, logrus.NewEntry(logrus.StandardLogger()))
}

func callCmd(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [json-params]",
		Short: "Issue a single plain call and print its reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*address)
			if err != nil {
				return err
			}
			defer conn.Close()

			var params json.RawMessage
			if len(args) == 2 {
				params = json.RawMessage(args[1])
			} else {
				params = json.RawMessage("{}")
			}

			call, err := conn.Call(args[0], params, govarlink.CallFlags{}, nil)
			if err != nil {
				return err
			}
			reply, _, err := call.Wait()
			if err != nil {
				return err
			}
			fmt.Println(string(reply))
			return nil
		},
	}
}

type getInfoReply struct {
	Vendor     string   `json:"vendor"`
	Product    string   `json:"product"`
	Version    string   `json:"version"`
	URL        string   `json:"url"`
	Interfaces []string `json:"interfaces"`
}

func infoCmd(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print org.varlink.service.GetInfo",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*address)
			if err != nil {
				return err
			}
			defer conn.Close()

			call, err := conn.Call("org.varlink.service.GetInfo", nil, govarlink.CallFlags{}, nil)
			if err != nil {
				return err
			}
			reply, _, err := call.Wait()
			if err != nil {
				return err
			}
			var info getInfoReply
			if err := json.Unmarshal(reply, &info); err != nil {
				return err
			}
			fmt.Printf("vendor:  %s\nproduct: %s\nversion: %s\nurl:     %s\n", info.Vendor, info.Product, info.Version, info.URL)
			fmt.Println("interfaces:")
			for _, name := range info.Interfaces {
				fmt.Println("  " + name)
			}
			return nil
		},
	}
}

func describeCmd(address *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get-interface-description <interface>",
		Short: "Print an interface's rendered description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*address)
			if err != nil {
				return err
			}
			defer conn.Close()

			params, _ := json.Marshal(map[string]string{"interface": args[0]})
			call, err := conn.Call("org.varlink.service.GetInterfaceDescription", json.RawMessage(params), govarlink.CallFlags{}, nil)
			if err != nil {
				return err
			}
			reply, _, err := call.Wait()
			if err != nil {
				return err
			}
			var out struct {
				Description string `json:"description"`
			}
			if err := json.Unmarshal(reply, &out); err != nil {
				return err
			}
			fmt.Print(out.Description)
			return nil
		},
	}
}

func shellCmd(address *string) *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Open an interactive PTY shell through com.example.shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*address)
			if err != nil {
				return err
			}

			params, _ := json.Marshal(map[string]string{"command": command})
			call, err := conn.Call("com.example.shell.Open", json.RawMessage(params), govarlink.CallFlags{Upgrade: true}, nil)
			if err != nil {
				return err
			}
			if _, _, err := call.Wait(); err != nil {
				return err
			}

			fd := int(os.Stdin.Fd())
			if term.IsTerminal(fd) {
				oldState, err := term.MakeRaw(fd)
				if err == nil {
					defer term.Restore(fd, oldState)
				}
			}

			hijacked, err := conn.Hijack()
			if err != nil {
				return err
			}
			defer hijacked.Close()

			done := make(chan struct{}, 2)
			go func() {
				io.Copy(hijacked, os.Stdin)
				done <- struct{}{}
			}()
			go func() {
				io.Copy(os.Stdout, hijacked)
				done <- struct{}{}
			}()
			<-done
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "sh", "command to run inside the PTY")
	return cmd
}
