// Command dicomping sends a single C-ECHO through the dispatcher and
// reports whether the peer answered Success, in the same CLI idiom as
// cmd/sample_server (flag + signal.NotifyContext for clean shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dicomassoc/dicomassoc/config"
	"github.com/dicomassoc/dicomassoc/dispatcher"
	"github.com/dicomassoc/dicomassoc/metrics"
	"github.com/dicomassoc/dicomassoc/pdu"
	"github.com/dicomassoc/dicomassoc/types"
)

const verificationSOPClassUID = "1.2.840.10008.1.1"

func main() {
	addr := flag.String("addr", "", "host:port of the peer SCP")
	configPath := flag.String("config", "", "path to a TOML config file (overrides -addr/-calling-ae/-called-ae when set)")
	callingAE := flag.String("calling-ae", "DICOMPING", "calling AE title")
	calledAE := flag.String("called-ae", "ANY-SCP", "called AE title")
	timeout := flag.Duration("timeout", 10*time.Second, "overall deadline for the echo")
	enableMetrics := flag.Bool("metrics", false, "report association/request counters through the metrics package")
	flag.Parse()

	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	d, err := buildDispatcher(*configPath, *addr, *callingAE, *calledAE, *enableMetrics, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to configure dispatcher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	req := types.NewDicomRequest(1, verificationSOPClassUID, false)
	req.Command = &types.Message{
		CommandField:        types.CEchoRQ,
		MessageID:           1,
		AffectedSOPClassUID: verificationSOPClassUID,
		CommandDataSetType:  0x0101,
	}
	d.AddRequest(req)

	if err := d.Send(ctx); err != nil {
		logger.WithError(err).Error("echo failed")
		os.Exit(1)
	}

	switch req.State() {
	case types.RequestCompleted:
		resp := <-req.Responses
		if resp != nil && resp.Status == types.StatusSuccess {
			fmt.Println("echo succeeded")
			return
		}
		logger.WithField("status", fmt.Sprintf("0x%04x", resp.Status)).Error("echo returned non-success status")
		os.Exit(1)
	case types.RequestTimedOut:
		logger.Error("echo timed out")
		os.Exit(1)
	default:
		logger.WithError(req.Err()).Error("echo did not complete")
		os.Exit(1)
	}
}

func buildDispatcher(configPath, addr, callingAE, calledAE string, enableMetrics bool, logger *logrus.Logger) (*dispatcher.Dispatcher, error) {
	contexts := []pdu.PresentationContextItem{
		{ID: 1, AbstractSyntax: verificationSOPClassUID, TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
	}

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		extra := []dispatcher.Option{dispatcher.WithLogger(logger)}
		if enableMetrics {
			extra = append(extra, dispatcher.WithMetrics(metrics.Recorder{}))
		}
		return cfg.NewDispatcher(extra...)
	}

	if addr == "" {
		return nil, fmt.Errorf("either -addr or -config is required")
	}

	opts := []dispatcher.Option{
		dispatcher.WithCallingAETitle(callingAE),
		dispatcher.WithCalledAETitle(calledAE),
		dispatcher.WithPresentationContexts(contexts),
		dispatcher.WithLogger(logger),
	}
	if enableMetrics {
		opts = append(opts, dispatcher.WithMetrics(metrics.Recorder{}))
	}
	return dispatcher.New(addr, opts...), nil
}
