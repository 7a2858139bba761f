package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	config "github.com/avvvet/attendance-services/configs"
	"github.com/avvvet/attendance-services/internal/comm"
	"github.com/avvvet/attendance-services/internal/scanner"
)

const SERVICE_NAME = "scanner"

func init() {
	config.Logging(SERVICE_NAME + "_service_" + config.GetEnv("INSTANCE_ID", "001"))
	config.LoadEnv(SERVICE_NAME)
}

// screen renders the device state and scan results on stdout.
type screen struct {
	out io.Writer
}

func (s screen) StateChanged(st scanner.State) {
	switch {
	case st.Phase != scanner.Ready:
		fmt.Fprintf(s.out, "[%s] scanning paused\n", st.Phase)
	case st.Event == nil:
		fmt.Fprintln(s.out, "[ready] no active event")
	default:
		fmt.Fprintf(s.out, "[ready] scanning for %q (#%d)\n", st.Event.Name, st.Event.ID)
	}
}

func (s screen) ScanOutcome(o scanner.Outcome) {
	switch o.Response.Outcome {
	case comm.OutcomeAccepted:
		fmt.Fprintf(s.out, "welcome %s\n", o.Response.MemberName)
	case comm.OutcomeDuplicate:
		at := ""
		if o.Response.ScannedAt != nil {
			at = " at " + o.Response.ScannedAt.Local().Format("15:04")
		}
		fmt.Fprintf(s.out, "%s already scanned%s\n", o.Response.MemberName, at)
	case comm.OutcomeNotRegistered:
		fmt.Fprintf(s.out, "code %s is not registered\n", o.Code)
	case comm.OutcomeNoActiveEvent:
		fmt.Fprintln(s.out, "no active event, scan not recorded")
	default:
		fmt.Fprintf(s.out, "scan failed, try again (%v)\n", o.Err)
	}
}

func main() {
	deviceID := config.GetEnv("DEVICE_ID", "scanner-"+uuid.New().String()[:8])
	token := os.Getenv("SCANNER_TOKEN")

	client := scanner.New(scanner.Config{
		DeviceID:   deviceID,
		IdleResync: config.GetDurationEnv("IDLE_RESYNC", 30*time.Second),
		Debounce:   config.GetDurationEnv("DEBOUNCE_WINDOW", 3*time.Second),
	},
		&scanner.RemoteFeed{
			URL:       config.GetEnv("SOCKET_URL", "ws://localhost:8081/v1/ws"),
			DeviceID:  deviceID,
			Token:     token,
			QueueSize: config.GetIntEnv("FEED_QUEUE_SIZE", 16),
		},
		&scanner.RemoteAPI{
			BaseURL: config.GetEnv("ATTEND_URL", "http://localhost:8080"),
			Token:   token,
		},
		screen{out: os.Stdout},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("scanner stopped: %v", err)
		}
	}()
	log.Infof("%s device %s started", SERVICE_NAME, deviceID)

	// each line on stdin is one decoded code
	lines := bufio.NewScanner(os.Stdin)
	for lines.Scan() {
		code := strings.TrimSpace(lines.Text())
		if code == "" {
			continue
		}
		if !client.Submit(ctx, code) {
			log.Debugf("code %s debounced or dropped", code)
		}
	}

	<-ctx.Done()
	<-done
	log.Infof("%s device %s stopped", SERVICE_NAME, deviceID)
}
