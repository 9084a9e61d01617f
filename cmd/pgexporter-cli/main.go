// Command pgexporter-cli issues management commands against a running
// pgexporter daemon, per spec.md §6's command set and output formats.
package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"

	"github.com/prometheus-community/pgexporter/internal/mgmt"
)

var (
	app = kingpin.New("pgexporter-cli", "Management client for pgexporter.")

	socketDir = app.Flag("socket-dir", "Directory holding the management Unix domain socket.").Default("/tmp").String()
	output    = app.Flag("output", "Response rendering: text, json, or raw.").Default("text").Enum("text", "json", "raw")
	timeout   = app.Flag("timeout", "Dial and call timeout.").Default("5s").Duration()

	remoteAddr = app.Flag("host", "Connect to a remote management TCP endpoint (host:port) instead of the local socket.").String()
	remoteUser = app.Flag("user", "Admin username for a remote connection.").String()
	remotePass = app.Flag("password", "Admin password for a remote connection.").String()
	remoteTLS  = app.Flag("tls", "Use TLS for the remote connection.").Bool()

	pingCmd    = app.Command("ping", "Check that the daemon is responsive.")
	statusCmd  = app.Command("status", "Summarize daemon uptime and server count.")
	detailsCmd = app.Command("status-details", "Report per-server connection state.")
	shutdownCmd = app.Command("shutdown", "Request a graceful shutdown.")
	resetCmd    = app.Command("reset", "Reset internal counters.")
	reloadCmd   = app.Command("reload", "Reload configuration from disk.")
	confLsCmd   = app.Command("conf-ls", "List active configuration files.")

	confGetCmd   = app.Command("conf-get", "Read one configuration value.")
	confGetKey   = confGetCmd.Arg("key", "Dotted key, e.g. server1.tls_mode.").Required().String()

	confSetCmd   = app.Command("conf-set", "Write one configuration value.")
	confSetKey   = confSetCmd.Arg("key", "Dotted key, e.g. server1.tls_mode.").Required().String()
	confSetValue = confSetCmd.Arg("value", "New value.").Required().String()
)

func main() {
	kingpin.Version(version.Print("pgexporter-cli"))
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	client, err := dial()
	if err != nil {
		fatal(err)
	}
	defer client.Close()

	outputCode := outputEnum(*output)

	var resp mgmt.Envelope
	switch cmd {
	case pingCmd.FullCommand():
		resp, err = client.Call(mgmt.CommandPing, outputCode, nil)
	case statusCmd.FullCommand():
		resp, err = client.Call(mgmt.CommandStatus, outputCode, nil)
	case detailsCmd.FullCommand():
		resp, err = client.Call(mgmt.CommandStatusDetails, outputCode, nil)
	case shutdownCmd.FullCommand():
		resp, err = client.Call(mgmt.CommandShutdown, outputCode, nil)
	case resetCmd.FullCommand():
		resp, err = client.Call(mgmt.CommandReset, outputCode, nil)
	case reloadCmd.FullCommand():
		resp, err = client.Call(mgmt.CommandReload, outputCode, nil)
	case confLsCmd.FullCommand():
		resp, err = client.Call(mgmt.CommandConfLs, outputCode, nil)
	case confGetCmd.FullCommand():
		resp, err = client.Call(mgmt.CommandConfGet, outputCode, map[string]string{"key": *confGetKey})
	case confSetCmd.FullCommand():
		resp, err = client.Call(mgmt.CommandConfSet, outputCode, map[string]string{"key": *confSetKey, "value": *confSetValue})
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
	if err != nil {
		fatal(err)
	}

	render(resp)
	if !resp.Outcome.Status {
		os.Exit(1)
	}
}

func dial() (*mgmt.Client, error) {
	if *remoteAddr != "" {
		var tlsConfig *tls.Config
		if *remoteTLS {
			tlsConfig = &tls.Config{}
		}
		return mgmt.DialRemote(*remoteAddr, *remoteUser, *remotePass, tlsConfig, *timeout)
	}
	return mgmt.DialUnix(filepath.Join(*socketDir, ".s.pgexporter"), *timeout)
}

func outputEnum(s string) int {
	switch s {
	case "json":
		return mgmt.OutputJSON
	case "raw":
		return mgmt.OutputRaw
	default:
		return mgmt.OutputText
	}
}

func render(resp mgmt.Envelope) {
	switch *output {
	case "json", "raw":
		body, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(body))
	default:
		if resp.Outcome.Status {
			fmt.Printf("ok (%s)\n", resp.Outcome.Time)
			if len(resp.Response) > 0 {
				fmt.Println(string(resp.Response))
			}
		} else {
			code := 0
			if resp.Outcome.Error != nil {
				code = *resp.Outcome.Error
			}
			fmt.Printf("error %d\n", code)
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "pgexporter-cli:", err)
	os.Exit(2)
}
