package main

import (
	"io"
	"reflect"
	"testing"

	"grainhost.app/supervisor"
)

func TestParseArgs(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(t *testing.T, c *supervisor.Config)
	}{
		{
			name: "minimal",
			args: []string{"app", "grain1", "/bin/true"},
			check: func(t *testing.T, c *supervisor.Config) {
				if c.AppName != "app" || c.GrainID != "grain1" {
					t.Errorf("identity: %q %q", c.AppName, c.GrainID)
				}
				if !reflect.DeepEqual(c.Command, []string{"/bin/true"}) {
					t.Errorf("command: %q", c.Command)
				}
			},
		},
		{
			name: "flags and command flags",
			args: []string{
				"-n", "--proc", "--stdio", "--dev", "--seccomp-dump-pfc",
				"--pkg", "/p", "--var", "/v",
				"-e", "A=1", "--env", "B=2",
				"app", "grain1", "/bin/sh", "-c", "exit 0",
			},
			check: func(t *testing.T, c *supervisor.Config) {
				if !c.IsNew || !c.MountProc || !c.KeepStdio || !c.DevMode || !c.DumpSeccompPFC {
					t.Error("flags not all set")
				}
				if c.PkgPath != "/p" || c.VarPath != "/v" {
					t.Errorf("paths: %q %q", c.PkgPath, c.VarPath)
				}
				if !reflect.DeepEqual(c.Env, []string{"A=1", "B=2"}) {
					t.Errorf("env: %q", c.Env)
				}
				// Everything after the positional arguments belongs to the
				// app, flags included.
				if !reflect.DeepEqual(c.Command, []string{"/bin/sh", "-c", "exit 0"}) {
					t.Errorf("command: %q", c.Command)
				}
			},
		},
		{name: "missing command", args: []string{"app", "grain1"}, wantErr: true},
		{name: "no arguments", args: nil, wantErr: true},
		{name: "invalid app name", args: []string{"a/b", "grain1", "/bin/true"}, wantErr: true},
		{name: "invalid grain id", args: []string{"app", "../grain", "/bin/true"}, wantErr: true},
		{name: "malformed env", args: []string{"-e", "BROKEN", "app", "grain1", "/bin/true"}, wantErr: true},
		{name: "unknown flag", args: []string{"--frobnicate", "app", "grain1", "/bin/true"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseArgs(tc.args, io.Discard)
			if tc.wantErr {
				if err == nil {
					t.Error("parseArgs: no error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseArgs: error = %v", err)
			}
			if tc.check != nil {
				tc.check(t, got)
			}
		})
	}
}
