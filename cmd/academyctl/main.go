// academyctl is the command-line client for academyd: fleet listing,
// device control, experiment library management, and a live watch mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RatAcad/bpodacademy/internal/client"
	"github.com/RatAcad/bpodacademy/internal/router"
)

const defaultServerURL = "ws://localhost:5555/ws"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("academyctl", flag.ContinueOnError)
	fs.SetOutput(errOut)
	urlFlag := fs.String("url", "", "academy server URL (env: BPOD_ACADEMY_URL, default: "+defaultServerURL+")")
	timeoutFlag := fs.Duration("timeout", 45*time.Second, "command timeout")
	fs.Usage = func() { printHelp(fs.Output()) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printHelp(errOut)
		return 2
	}
	command, commandArgs := rest[0], rest[1:]

	url := *urlFlag
	if url == "" {
		url = os.Getenv("BPOD_ACADEMY_URL")
	}
	if url == "" {
		url = defaultServerURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := client.Dial(ctx, client.Options{
		URL:            url,
		RequestTimeout: *timeoutFlag,
		Reconnect:      command == "watch",
	})
	if err != nil {
		fmt.Fprintf(errOut, "connect to %s: %v\n", url, err)
		return 1
	}
	defer session.Close()

	if err := dispatch(ctx, session, command, commandArgs, out); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func dispatch(ctx context.Context, session *client.Session, command string, args []string, out io.Writer) error {
	switch command {
	case "list":
		printDevices(out, session.Devices())
		return nil
	case "watch":
		return watch(ctx, session, out)
	case "start", "stop", "calibrate", "stop-protocol":
		box, err := oneArg(command, args, "<box>")
		if err != nil {
			return err
		}
		verb := router.Verb(command)
		if command == "stop-protocol" {
			verb = router.VerbStopProtocol
		}
		result, err := session.Do(ctx, verb, box, nil)
		if err != nil {
			return err
		}
		if result.Snapshot != nil {
			printDevices(out, []router.Snapshot{*result.Snapshot})
		}
		if result.NeedsCalibration {
			fmt.Fprintf(out, "note: no liquid calibration file for %s\n", box)
		}
		return nil
	case "console":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return errors.New("usage: academyctl console <box> on|off")
		}
		_, err := session.Do(ctx, router.VerbConsole, args[0], map[string]string{
			"visible": fmt.Sprintf("%t", args[1] == "on"),
		})
		return err
	case "run":
		if len(args) < 3 || len(args) > 4 {
			return errors.New("usage: academyctl run <box> <protocol> <subject> [settings]")
		}
		runArgs := map[string]string{"protocol": args[1], "subject": args[2]}
		if len(args) == 4 {
			runArgs["settings"] = args[3]
		}
		result, err := session.Do(ctx, router.VerbRun, args[0], runArgs)
		if err != nil {
			return err
		}
		if result.Snapshot != nil {
			printDevices(out, []router.Snapshot{*result.Snapshot})
		}
		return nil
	case "add", "change-port":
		if len(args) != 2 {
			return fmt.Errorf("usage: academyctl %s <box> <serial-locator>", command)
		}
		verb := router.VerbAdd
		if command == "change-port" {
			verb = router.VerbChangePort
		}
		_, err := session.Do(ctx, verb, "", map[string]string{
			"box_id":         args[0],
			"serial_locator": args[1],
		})
		return err
	case "remove":
		box, err := oneArg(command, args, "<box>")
		if err != nil {
			return err
		}
		_, err = session.Do(ctx, router.VerbRemove, "", map[string]string{"box_id": box})
		return err
	case "protocols":
		result, err := session.Do(ctx, router.VerbProtocols, "", nil)
		if err != nil {
			return err
		}
		printListing(out, result.Listing)
		return nil
	case "subjects":
		protocol, err := oneArg(command, args, "<protocol>")
		if err != nil {
			return err
		}
		result, err := session.Do(ctx, router.VerbSubjects, "", map[string]string{"protocol": protocol})
		if err != nil {
			return err
		}
		printListing(out, result.Listing)
		return nil
	case "settings":
		if len(args) != 2 {
			return errors.New("usage: academyctl settings <protocol> <subject>")
		}
		result, err := session.Do(ctx, router.VerbSettings, "", map[string]string{
			"protocol": args[0],
			"subject":  args[1],
		})
		if err != nil {
			return err
		}
		printListing(out, result.Listing)
		return nil
	case "add-subject":
		if len(args) != 2 {
			return errors.New("usage: academyctl add-subject <protocol> <subject>")
		}
		_, err := session.Do(ctx, router.VerbAddSubject, "", map[string]string{
			"protocol": args[0],
			"subject":  args[1],
		})
		return err
	case "copy-settings":
		if len(args) != 5 {
			return errors.New("usage: academyctl copy-settings <from-protocol> <from-subject> <settings> <to-protocol> <to-subject>")
		}
		_, err := session.Do(ctx, router.VerbCopySettings, "", map[string]string{
			"from_protocol": args[0],
			"from_subject":  args[1],
			"settings":      args[2],
			"to_protocol":   args[3],
			"to_subject":    args[4],
		})
		return err
	case "delete-logs":
		_, err := session.Do(ctx, router.VerbDeleteLogs, "", nil)
		return err
	default:
		return fmt.Errorf("unknown command %q (run academyctl -help)", command)
	}
}

func oneArg(command string, args []string, placeholder string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: academyctl %s %s", command, placeholder)
	}
	return args[0], nil
}

// watch renders the current fleet, then every broadcast as it arrives.
func watch(ctx context.Context, session *client.Session, out io.Writer) error {
	printDevices(out, session.Devices())
	for {
		select {
		case snapshot := <-session.Updates():
			printDevices(out, []router.Snapshot{snapshot})
		case <-ctx.Done():
			return nil
		}
	}
}

func printDevices(out io.Writer, snapshots []router.Snapshot) {
	for _, snapshot := range snapshots {
		if snapshot.Removed {
			fmt.Fprintf(out, "%-10s removed\n", snapshot.Device.BoxID)
			continue
		}
		line := fmt.Sprintf("%-10s %-18s %-16s", snapshot.Device.BoxID, snapshot.Device.SerialLocator, snapshot.Device.State)
		if snapshot.Session != nil {
			line += fmt.Sprintf(" %s/%s (%s)", snapshot.Session.Protocol, snapshot.Session.Subject, snapshot.Session.Status)
		}
		if snapshot.Device.LastError != "" {
			line += " error: " + snapshot.Device.LastError
		}
		fmt.Fprintln(out, strings.TrimRight(line, " "))
	}
}

func printListing(out io.Writer, listing []string) {
	for _, item := range listing {
		fmt.Fprintln(out, item)
	}
}

func printHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: academyctl [flags] <command> [args]

Commands:
  list                                              show all devices
  watch                                             stream state changes
  start <box>                                       start the engine session
  stop <box>                                        stop the engine session
  console <box> on|off                              toggle the engine console (local only)
  calibrate <box>                                   open liquid calibration (local only)
  run <box> <protocol> <subject> [settings]         run a protocol
  stop-protocol <box>                               interrupt the running protocol
  add <box> <serial-locator>                        register a device (EMU for emulation)
  remove <box>                                      unregister a stopped device
  change-port <box> <serial-locator>                change a stopped device's port
  protocols                                         list protocols
  subjects <protocol>                               list subjects for a protocol
  settings <protocol> <subject>                     list settings files
  add-subject <protocol> <subject>                  create subject directories
  copy-settings <from-p> <from-s> <name> <to-p> <to-s>  copy a settings file
  delete-logs                                       clear execution logs (fleet must be stopped)

Flags:
  -url       academy server URL (env: BPOD_ACADEMY_URL, default: ws://localhost:5555/ws)
  -timeout   command timeout (default 45s)
`)
}
