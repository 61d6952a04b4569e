package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/remotesource/internal/protocol/session"
	"github.com/danmuck/remotesource/internal/remoting"
	"github.com/danmuck/remotesource/internal/sources/derived"
	"github.com/danmuck/remotesource/internal/sources/sample"
	"github.com/danmuck/remotesource/internal/testutil/testlog"
)

func TestParseArgs(t *testing.T) {
	testlog.Start(t)
	if _, _, err := parseArgs(nil); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if _, _, err := parseArgs([]string{"localhost"}); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error for one argument, got %v", err)
	}
	if _, _, err := parseArgs([]string{"localhost", "http"}); !errors.Is(err, errPort) {
		t.Fatalf("expected port format error, got %v", err)
	}
	addr, port, err := parseArgs([]string{"localhost", " 44444 "})
	if err != nil || addr != "localhost" || port != 44444 {
		t.Fatalf("addr=%s port=%d err=%v", addr, port, err)
	}
}

func TestRunRejectsOutOfRangePort(t *testing.T) {
	testlog.Start(t)
	if err := run(context.Background(), []string{"localhost", "70000"}); err == nil {
		t.Fatalf("expected invalid port rejected")
	}
}

func TestBuiltinSources(t *testing.T) {
	testlog.Start(t)
	r, err := builtinSources(nil)
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	names := r.Names()
	if len(names) != 3 {
		t.Fatalf("names=%v", names)
	}
}

// connectBuiltin serves the builtin registry to an in-process host.
func connectBuiltin(t *testing.T) *remoting.Host {
	t.Helper()
	registry, err := builtinSources(nil)
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	cfg := remoting.DefaultConfig()
	comm, err := remoting.NewCommunicator(registry, "127.0.0.1", ln.Addr().(*net.TCPAddr).Port, cfg)
	if err != nil {
		t.Fatalf("communicator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- comm.Run(ctx) }()

	acceptCtx, acceptCancel := context.WithTimeout(ctx, 5*time.Second)
	defer acceptCancel()
	host, err := remoting.Accept(acceptCtx, ln, remoting.DefaultHostConfig())
	if err != nil {
		cancel()
		t.Fatalf("accept: %v", err)
	}
	t.Cleanup(func() {
		_ = host.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("communicator did not stop")
		}
	})
	return host
}

func TestBuiltinRootRegistrations(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	cases := []struct {
		name     string
		settings map[string]string
		want     []string
	}{
		{"default", nil, []string{sample.CatalogID}},
		{"derived enabled", map[string]string{derived.SettingEnabled: "true"}, []string{sample.CatalogID, derived.CatalogID}},
	}
	for _, tc := range cases {
		host := connectBuiltin(t)
		params := session.SetContextParams{ResourceLocator: "file://" + t.TempDir(), SourceConfiguration: tc.settings}
		if err := host.SetContext(ctx, params); err != nil {
			t.Fatalf("%s: setContext: %v", tc.name, err)
		}
		regs, err := host.GetCatalogRegistrations(ctx, "/")
		if err != nil || len(regs) != len(tc.want) {
			t.Fatalf("%s: registrations=%+v err=%v", tc.name, regs, err)
		}
		for i, want := range tc.want {
			if regs[i].Path != want {
				t.Fatalf("%s: registrations=%+v", tc.name, regs)
			}
		}
		if regs[0].Description != sample.Description {
			t.Fatalf("%s: description=%q", tc.name, regs[0].Description)
		}
		leaf, err := host.GetCatalogRegistrations(ctx, sample.CatalogID)
		if err != nil || len(leaf) != 0 {
			t.Fatalf("%s: leaf registrations=%+v err=%v", tc.name, leaf, err)
		}
	}
}
