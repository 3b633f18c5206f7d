package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/radiusxyz/secure-rpc/node"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInit_WritesConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conf")
	out, err := execute(t, "init", "--path", dir)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	path := filepath.Join(dir, node.ConfigFileName)
	if !strings.Contains(out, path) {
		t.Fatalf("output = %q, want it to name %s", out, path)
	}
	if _, err := node.LoadConfig(path); err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if _, err := execute(t, "init", "--path", dir); err == nil {
		t.Fatal("second init overwrote the config")
	}
}

func TestRun_ExitCodes(t *testing.T) {
	if code := run([]string{"--no-such-flag"}); code == 0 {
		t.Fatal("unknown flag exited 0")
	}
	if code := run([]string{"start", "--path", t.TempDir()}); code == 0 {
		t.Fatal("start without config.toml exited 0")
	}
	if code := run([]string{"init", "--path", t.TempDir()}); code != 0 {
		t.Fatalf("init exit code = %d, want 0", code)
	}
}

func TestStart_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	data := "rollup_id = \"\"\n"
	if err := os.WriteFile(filepath.Join(dir, node.ConfigFileName), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "start", "--path", dir); err == nil || !strings.Contains(err.Error(), "rollup_id") {
		t.Fatalf("start error = %v, want rollup_id complaint", err)
	}
}

func TestStart_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	if _, err := node.WriteDefaultConfig(dir); err != nil {
		t.Fatal(err)
	}

	f := new(startFlags)
	cmd := newStartCmd(f)
	if err := cmd.ParseFlags([]string{
		"--path", dir,
		"--rollup-id", "rollup-9",
		"--tx-orderer-rpc-url-list", "http://a:1,http://b:2",
		"--encrypted-transaction-type", "pvde",
		"--is-using-encryption=false",
		"--log-level", "debug",
	}); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadStartConfig(cmd, f)
	if err != nil {
		t.Fatalf("loadStartConfig: %v", err)
	}
	if cfg.RollupID != "rollup-9" {
		t.Fatalf("rollup_id = %q, want rollup-9", cfg.RollupID)
	}
	if len(cfg.TxOrdererRPCURLList) != 2 || cfg.TxOrdererRPCURLList[1] != "http://b:2" {
		t.Fatalf("orderers = %v", cfg.TxOrdererRPCURLList)
	}
	if cfg.IsUsingEncryption || cfg.EncryptedTransactionType != "pvde" || cfg.Log.Level != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RollupRPCURL != node.DefaultConfig().RollupRPCURL {
		t.Fatalf("unset flag changed rollup_rpc_url to %q", cfg.RollupRPCURL)
	}
}
