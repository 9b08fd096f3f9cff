// Command corecamctl drives a running CoreCam server over its HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmuteeullah/CoreCam/internal/backend"
)

const usage = `Usage: corecamctl [flags] <command> [args]

Commands:
  restart <camera>   restart the live stream of a camera
  restart-all        restart every live stream
  recordings         list recordings (-backup for the backup tree)
  disk               show free disk space

Flags:
`

func main() {
	server := flag.String("server", envOr("CORECAM_URL", "http://localhost:8080"), "CoreCam server URL")
	token := flag.String("token", os.Getenv("CORECAM_TOKEN"), "API token (webui.authentication.api_token)")
	backup := flag.Bool("backup", false, "List backup recordings")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client, err := backend.New(*server, backend.Options{Token: *token})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, client, flag.Args(), *backup); err != nil {
		var se *backend.StatusError
		if errors.As(err, &se) && se.Code == 401 {
			fmt.Fprintln(os.Stderr, "Error: unauthorized, set -token or CORECAM_TOKEN")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, client *backend.Client, args []string, backup bool) error {
	switch args[0] {
	case "restart":
		if len(args) != 2 {
			return errors.New("restart needs a camera id")
		}
		if err := client.RestartStream(ctx, args[1]); err != nil {
			return err
		}
		fmt.Printf("Restart requested for %s\n", args[1])

	case "restart-all":
		res, err := client.RestartAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", res.Status, res.Message)

	case "recordings":
		list := client.Recordings
		if backup {
			list = client.BackupRecordings
		}
		cams, err := list(ctx)
		if err != nil {
			return err
		}
		for _, cam := range cams {
			fmt.Printf("%s (%d)\n", cam.CameraID, cam.Count)
			for _, r := range cam.Recordings {
				fmt.Printf("  %s  %s  %.1f MB\n", r.Time.Local().Format("2006-01-02 15:04"), r.Filename, float64(r.Size)/(1<<20))
			}
		}

	case "disk":
		ds, err := client.DiskSpace(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("record  %-30s %.2f GB free\n", ds.RecordPath, ds.RecordFreeGB)
		fmt.Printf("backup  %-30s %.2f GB free\n", ds.BackupPath, ds.BackupFreeGB)

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
