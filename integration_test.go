package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kwv/barscan/metrology"
)

func buildBinary(t *testing.T) string {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}

	binaryPath := filepath.Join(t.TempDir(), "barscan-test")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, ".")
	if output, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, output)
	}
	return binaryPath
}

// TestVerifyCommand runs the verify command end to end against a snapshot.
func TestVerifyCommand(t *testing.T) {
	binaryPath := buildBinary(t)
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "barscan.yaml")
	outDir := filepath.Join(tmpDir, "verification")
	if err := os.WriteFile(configPath, []byte(fmt.Sprintf(testConfigYAML, outDir)), 0644); err != nil {
		t.Fatalf("Failed to create test config: %v", err)
	}

	passing := filepath.Join(tmpDir, "123456789_Verification", "snapshot.json")
	failing := filepath.Join(tmpDir, "987654321_Verification", "snapshot.json")
	if err := metrology.SaveSnapshot(passing, testSnapshot(1)); err != nil {
		t.Fatal(err)
	}
	if err := metrology.SaveSnapshot(failing, testSnapshot(1.1)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name           string
		args           []string
		expectInOutput []string
		expectFailure  bool
	}{
		{
			name:           "passing unit",
			args:           []string{"--config=" + configPath, "verify", "--layout", passing},
			expectInOutput: []string{"barscan version:", "123456789 PASS", "Report written to"},
		},
		{
			name:           "failing unit",
			args:           []string{"--config=" + configPath, "verify", failing},
			expectInOutput: []string{"verification failed", "987654321"},
			expectFailure:  true,
		},
		{
			name:           "missing config file",
			args:           []string{"--config=nonexistent.yaml", "verify", passing},
			expectInOutput: []string{"failed to load config"},
			expectFailure:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			cmd := exec.CommandContext(ctx, binaryPath, tt.args...)
			cmd.Env = append(os.Environ(), "BARSCAN_MQTT_BROKER=", "BARSCAN_DATABASE_DSN=")
			output, err := cmd.CombinedOutput()
			outputStr := string(output)

			for _, expected := range tt.expectInOutput {
				if !strings.Contains(outputStr, expected) {
					t.Errorf("Expected output to contain '%s', but it didn't.\nFull output:\n%s", expected, outputStr)
				}
			}
			if tt.expectFailure && err == nil {
				t.Error("Expected command to fail, but it succeeded")
			}
			if !tt.expectFailure && err != nil {
				t.Errorf("Expected success, got %v", err)
			}
		})
	}

	matches, _ := filepath.Glob(filepath.Join(outDir, "123456789_Verification-*", "123456789_layout.svg"))
	if len(matches) != 1 {
		t.Errorf("Expected one layout SVG, found %v", matches)
	}
}

// TestServeSignalHandling tests SIGINT handling of the serve command.
func TestServeSignalHandling(t *testing.T) {
	binaryPath := buildBinary(t)
	tmpDir := t.TempDir()

	configPath := filepath.Join(tmpDir, "barscan.yaml")
	if err := os.WriteFile(configPath, []byte(fmt.Sprintf(testConfigYAML, tmpDir)), 0644); err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	cmd := exec.Command(binaryPath, "--config="+configPath, "serve", fmt.Sprintf("--http-port=%d", port))
	cmd.Env = append(os.Environ(), "BARSCAN_MQTT_BROKER=", "BARSCAN_DATABASE_DSN=")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	up := false
	for i := 0; i < 100 && !up; i++ {
		if resp, err := http.Get(healthURL); err == nil {
			_ = resp.Body.Close()
			up = resp.StatusCode == http.StatusOK
		} else {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if !up {
		t.Error("Service never reported healthy")
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Logf("Failed to send SIGINT (process may have already exited): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Service exited with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Service did not shut down within timeout")
		if err := cmd.Process.Kill(); err != nil {
			t.Logf("Failed to kill process: %v", err)
		}
	}
}
