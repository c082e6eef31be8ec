package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shellsrv/mcp-shell-server/internal/config"
	"github.com/shellsrv/mcp-shell-server/internal/controlchannel"
)

var version = "0.1.0"

const requestTimeout = 1 * time.Second

func main() {
	var flagSocket, flagCwd, flagBranch string

	var flagVersion bool
	rootCmd := &cobra.Command{
		Use:           "shell-server-cli",
		Short:         "Control client for the mcp-shell daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagVersion {
				fmt.Printf("shell-server-cli version %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "control channel socket path")
	rootCmd.PersistentFlags().StringVar(&flagCwd, "cwd", "", "workspace directory (default MCP_SHELL_DAEMON_CWD or process cwd)")
	rootCmd.PersistentFlags().StringVar(&flagBranch, "branch", "", "branch name (default main)")
	rootCmd.Flags().BoolVarP(&flagVersion, "version", "v", false, "print version and exit")

	for _, action := range []string{"status", "info", "attach", "detach", "reattach", "stop"} {
		action := action
		rootCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("Send the %s action to the daemon", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				return sendAction(action, flagSocket, flagCwd, flagBranch)
			},
		})
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sendAction(action, flagSocket, flagCwd, flagBranch string) error {
	cli, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flagCwd != "" {
		cli.Cwd = flagCwd
	}
	if flagBranch != "" {
		cli.Branch = flagBranch
	}
	if flagSocket != "" {
		cli.SocketPath = flagSocket
	}
	if cli.SocketPath == "" {
		cli.SocketPath = controlchannel.SocketPath(cli.Cwd, cli.Branch)
	}

	conn, err := net.DialTimeout("unix", cli.SocketPath, requestTimeout)
	if err != nil {
		return fmt.Errorf("dial daemon at %s: %w", cli.SocketPath, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(requestTimeout))

	req, err := json.Marshal(map[string]string{"action": action})
	if err != nil {
		return err
	}
	req = append(req, '\n')
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return fmt.Errorf("malformed daemon response: %w", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if errMsg, ok := resp["error"]; ok {
		return fmt.Errorf("daemon error: %v", errMsg)
	}
	return nil
}
