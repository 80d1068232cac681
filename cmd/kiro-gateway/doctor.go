package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/kiro-gateway/internal/config"
)

// checkResult is one preflight finding, ordered for human or JSON output.
type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "WARN", "FAIL"
	Message string `json:"message"`
}

type doctorReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Results   []checkResult `json:"results"`
}

func runDoctorCommand(args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	report := doctorReport{Timestamp: time.Now()}

	if err != nil {
		report.Results = append(report.Results, checkResult{Name: "settings.yaml", Status: "FAIL", Message: err.Error()})
	} else {
		report.Results = append(report.Results, checkResult{Name: "settings.yaml", Status: "PASS", Message: "loaded from " + config.ConfigPath(cfg.HomeDir)})
	}

	report.Results = append(report.Results, checkKiroBin(cfg.KiroBin))
	report.Results = append(report.Results, checkCwd(cfg.Cwd))
	report.Results = append(report.Results, checkHomeDirWritable(cfg.HomeDir))
	report.Results = append(report.Results, checkPortFree(cfg.Host, cfg.Port))
	if cfg.RoutesPath != "" {
		report.Results = append(report.Results, checkRoutes(cfg.RoutesPath))
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return failExitCode(report.Results)
	}

	color := isatty.IsTerminal(os.Stdout.Fd())
	fmt.Printf("kiro-gateway doctor (%s)\n---\n", report.Timestamp.Format(time.RFC3339))
	failCount := 0
	for _, res := range report.Results {
		icon := "PASS"
		if res.Status == "FAIL" {
			icon = "FAIL"
			failCount++
		} else if res.Status == "WARN" {
			icon = "WARN"
		}
		if color {
			fmt.Printf("[%s] %-16s %s\n", icon, res.Name, res.Message)
		} else {
			fmt.Printf("%s %s: %s\n", icon, res.Name, res.Message)
		}
	}
	if failCount > 0 {
		return 1
	}
	return 0
}

func failExitCode(results []checkResult) int {
	for _, r := range results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func checkKiroBin(bin string) checkResult {
	if bin == "" {
		return checkResult{Name: "kiro_bin", Status: "FAIL", Message: "not configured"}
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return checkResult{Name: "kiro_bin", Status: "FAIL", Message: fmt.Sprintf("%q not found on PATH", bin)}
	}
	return checkResult{Name: "kiro_bin", Status: "PASS", Message: path}
}

func checkCwd(dir string) checkResult {
	info, err := os.Stat(dir)
	if err != nil {
		return checkResult{Name: "cwd", Status: "FAIL", Message: err.Error()}
	}
	if !info.IsDir() {
		return checkResult{Name: "cwd", Status: "FAIL", Message: dir + " is not a directory"}
	}
	return checkResult{Name: "cwd", Status: "PASS", Message: dir}
}

func checkHomeDirWritable(homeDir string) checkResult {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return checkResult{Name: "home_dir", Status: "FAIL", Message: err.Error()}
	}
	probe := filepath.Join(homeDir, ".doctor-write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return checkResult{Name: "home_dir", Status: "FAIL", Message: "not writable: " + err.Error()}
	}
	_ = os.Remove(probe)
	return checkResult{Name: "home_dir", Status: "PASS", Message: homeDir}
}

func checkPortFree(host string, port int) checkResult {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return checkResult{Name: "bind_addr", Status: "WARN", Message: addr + " appears to be in use: " + err.Error()}
	}
	ln.Close()
	return checkResult{Name: "bind_addr", Status: "PASS", Message: addr + " is free"}
}

func checkRoutes(path string) checkResult {
	if _, err := config.LoadRoutes(path); err != nil {
		return checkResult{Name: "routes", Status: "FAIL", Message: err.Error()}
	}
	return checkResult{Name: "routes", Status: "PASS", Message: path}
}
