package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stoqscore/internal/core"
	"stoqscore/pkg/domain"
)

func setupEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STOQS_STORAGE_DRIVER", "sqlite")
	t.Setenv("STOQS_SQLITE_PATH", filepath.Join(dir, "stoqs.db"))
	t.Setenv("STOQS_BLOB_DRIVER", "fs")
	t.Setenv("STOQS_BLOB_FS_ROOT", filepath.Join(dir, "archive"))
	t.Setenv("STOQS_LOG_LEVEL", "error")
	t.Setenv("STOQS_LOAD_BATCH_SIZE", "2")
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{"--env-file", ""}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func mustRunCLI(t *testing.T, out any, args ...string) {
	t.Helper()
	stdout, stderr, err := runCLI(t, args...)
	if err != nil {
		t.Fatalf("stoqsctl %v: %v\n%s", args, err, stderr)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(stdout), out); err != nil {
			t.Fatalf("decode output of %v: %v\n%s", args, err, stdout)
		}
	}
}

func TestSchemaCommand(t *testing.T) {
	for _, driver := range []string{"sqlite", "postgres"} {
		stdout, _, err := runCLI(t, "schema", "--driver", driver)
		if err != nil {
			t.Fatalf("schema %s: %v", driver, err)
		}
		if !strings.Contains(stdout, "CREATE TABLE") {
			t.Fatalf("expected DDL for %s, got %q", driver, stdout)
		}
	}
	var tables []string
	mustRunCLI(t, &tables, "schema", "--tables")
	if len(tables) != 11 || tables[0] != "campaign" {
		t.Fatalf("unexpected table list %v", tables)
	}
	_, _, err := runCLI(t, "schema", "--driver", "oracle")
	if err == nil || exitCode(err) != exitUsage {
		t.Fatalf("expected usage error for unknown driver, got %v", err)
	}
}

func TestLoadVerifyArchiveRestore(t *testing.T) {
	setupEnv(t)

	var param domain.Parameter
	mustRunCLI(t, &param, "parameter", "ensure", "sea_water_temperature", "--units", "degC")
	if param.ID == "" || param.Units == nil || *param.Units != "degC" {
		t.Fatalf("unexpected parameter %+v", param)
	}

	var act domain.Activity
	mustRunCLI(t, &act, "activity", "create", "Dorado389_2024_122",
		"--platform", "dorado", "--platform-type", "auv", "--type", "AUV Mission", "--start", "2024-05-01T12:00:00Z")
	if act.ID == "" || act.ActivityTypeID == nil {
		t.Fatalf("unexpected activity %+v", act)
	}

	samples := `[
		{"timevalue":"2024-05-01T12:00:00Z","geom":{"lon":-122.5,"lat":36.8},"depth":"10","values":[{"parameter_id":"` + param.ID + `","value":"12.25"}]},
		{"timevalue":"2024-05-01T12:00:01Z","geom":{"lon":-122.499,"lat":36.8},"depth":"10.5","values":[{"parameter_id":"` + param.ID + `","value":"123.000000000000000000000000000001"}]},
		{"timevalue":"2024-05-01T12:00:02Z","geom":{"lon":-122.498,"lat":36.8},"depth":"11","values":[{"parameter_id":"` + param.ID + `","value":"12.5"}]}
	]`
	file := filepath.Join(t.TempDir(), "samples.json")
	if err := os.WriteFile(file, []byte(samples), 0o600); err != nil {
		t.Fatalf("write samples: %v", err)
	}
	var res core.LoadResult
	mustRunCLI(t, &res, "load", act.ID, file)
	if res.Chunks != 2 || res.MeasuredParameters != 3 {
		t.Fatalf("unexpected load result %+v", res)
	}

	var counts []domain.ParameterCount
	mustRunCLI(t, &counts, "counts", act.ID)
	if len(counts) != 1 || counts[0].Count != 3 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	var drift []core.CountDrift
	mustRunCLI(t, &drift, "verify", act.ID)
	if len(drift) != 0 {
		t.Fatalf("expected no drift, got %+v", drift)
	}

	var purged map[string]string
	mustRunCLI(t, &purged, "purge", act.ID, "--archive")
	key := purged["archive_key"]
	if !strings.HasPrefix(key, "activities/"+act.ID+"/") {
		t.Fatalf("unexpected archive key %q", key)
	}
	mustRunCLI(t, &counts, "counts", act.ID)
	if len(counts) != 0 {
		t.Fatalf("expected counts cleared by purge, got %+v", counts)
	}

	var archives []map[string]any
	mustRunCLI(t, &archives, "archives", act.ID)
	if len(archives) != 1 || archives[0]["key"] != key {
		t.Fatalf("expected the purge archive to be listed, got %+v", archives)
	}

	mustRunCLI(t, &res, "restore", key)
	if res.Samples != 3 {
		t.Fatalf("unexpected restore result %+v", res)
	}
	mustRunCLI(t, &drift, "verify", "--all", "--repair")
	if len(drift) != 0 {
		t.Fatalf("expected nothing to repair after restore, got %+v", drift)
	}

	var summarized domain.Activity
	mustRunCLI(t, &summarized, "summarize", act.ID)
	if summarized.NumMeasuredParameters == nil || *summarized.NumMeasuredParameters != 3 || len(summarized.MapTrack) != 3 {
		t.Fatalf("unexpected summary %+v", summarized)
	}
}

func TestExitCodes(t *testing.T) {
	setupEnv(t)

	_, _, err := runCLI(t, "verify")
	if !errors.Is(err, errUsage) || exitCode(err) != exitUsage {
		t.Fatalf("expected usage error without activity, got %v", err)
	}
	_, _, err = runCLI(t, "counts", "0123456789abcdef0123456789abcdef")
	if !errors.Is(err, domain.ErrNotFound) || exitCode(err) != exitUsage {
		t.Fatalf("expected not found, got %v", err)
	}
	if exitCode(errors.New("disk full")) != exitFailure {
		t.Fatalf("expected generic failure code")
	}

	t.Setenv("STOQS_STORAGE_DRIVER", "oracle")
	if _, _, err := runCLI(t, "counts", "x"); err == nil {
		t.Fatalf("expected config error for unknown driver")
	}
}

func TestMetricsDump(t *testing.T) {
	setupEnv(t)
	_, stderr, err := runCLI(t, "--metrics", "parameter", "list")
	if err != nil {
		t.Fatalf("parameter list: %v", err)
	}
	if !strings.Contains(stderr, `stoqs_operations_total{operation="list_parameters",status="success"} 1`) {
		t.Fatalf("expected operation counter in metrics dump, got %q", stderr)
	}
}

func TestEnvFileLoaded(t *testing.T) {
	setupEnv(t)
	env := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(env, []byte("STOQS_LOG_LEVEL=verbose\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	// variables already set win over the file
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"--env-file", env, "parameter", "list"}, &stdout, &stderr); err != nil {
		t.Fatalf("env file should not override the environment: %v", err)
	}
	os.Unsetenv("STOQS_LOG_LEVEL")
	if err := run(context.Background(), []string{"--env-file", env, "parameter", "list"}, &stdout, &stderr); err == nil {
		t.Fatalf("expected the env file's invalid log level to be rejected")
	}
}
