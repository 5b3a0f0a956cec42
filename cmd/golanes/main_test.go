package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-lanes/internal/config"
	"github.com/basket/go-lanes/internal/persistence"
	"github.com/basket/go-lanes/internal/telemetry"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	if !strings.Contains(buf.String(), "usage: golanes daemon [--help]") {
		t.Fatalf("usage output missing daemon subcommand usage: %q", buf.String())
	}
}

type recordingRunner struct {
	timeout time.Duration
}

func (r *recordingRunner) SetTimeout(d time.Duration) { r.timeout = d }

func TestApplyReload(t *testing.T) {
	home := t.TempDir()
	logger, err := telemetry.NewLogger(telemetry.Options{HomeDir: home, Level: "info", Quiet: true})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()
	store, err := persistence.Open(home+"/test.db", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	runner := &recordingRunner{}
	next := config.Config{LogLevel: "debug", Hooks: config.HooksConfig{TimeoutSeconds: 7, MaxErrorLength: 100}}
	applyReload(logger, runner, store, next)

	if runner.timeout != 7*time.Second {
		t.Fatalf("expected hook timeout 7s, got %s", runner.timeout)
	}
	if logger.Level.Level() != telemetry.ParseLevel("debug") {
		t.Fatalf("expected debug level, got %s", logger.Level.Level())
	}
}

func TestGatewayURL(t *testing.T) {
	cases := map[string]string{
		"":                   "http://127.0.0.1:18790",
		"127.0.0.1:9000":     "http://127.0.0.1:9000",
		"0.0.0.0:9000":       "http://127.0.0.1:9000",
		"http://example:80/": "http://example:80",
		"[::1]:9000":         "http://[::1]:9000",
	}
	for in, want := range cases {
		if got := gatewayURL(in); got != want {
			t.Errorf("gatewayURL(%q) = %q, want %q", in, got, want)
		}
	}
}
