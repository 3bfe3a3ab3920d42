// Package pgmanager runs a managed embedded PostgreSQL instance for
// deployments that don't bring their own database. Data persists under
// ~/.ordinaut so tasks survive restarts.
package pgmanager

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
)

const (
	defaultPort = 15432
	dbUser      = "ordinaut"
	dbPassword  = "ordinaut"
	dbName      = "ordinaut"
)

// Config holds the managed instance settings.
type Config struct {
	Port    uint32
	DataDir string
	Logger  *slog.Logger
}

// Manager owns the lifecycle of the embedded PostgreSQL process.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	mu      sync.Mutex
	db      *embeddedpostgres.EmbeddedPostgres
	connURL string
	pidPath string
	running bool
}

// New creates a Manager. The instance is not started until Start.
func New(cfg Config) *Manager {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Start launches PostgreSQL and returns the connection URL. A PID file
// under the ordinaut home detects and cleans up orphans from a previous
// process that died without stopping its database.
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return m.connURL, nil
	}

	home, err := ordinautHome()
	if err != nil {
		return "", fmt.Errorf("resolving ordinaut home: %w", err)
	}

	dataDir := m.cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Join(home, "data")
	}
	cacheDir := filepath.Join(home, "pg")
	runtimeDir := filepath.Join(home, "run")
	for _, dir := range []string{dataDir, cacheDir, runtimeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	m.pidPath = filepath.Join(home, "postgres.pid")
	cleanupOrphan(m.pidPath, m.logger)

	m.db = embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		Port(m.cfg.Port).
		DataPath(dataDir).
		RuntimePath(runtimeDir).
		CachePath(cacheDir).
		Logger(newLogWriter(m.logger)).
		Version(embeddedpostgres.V16).
		Username(dbUser).
		Password(dbPassword).
		Database(dbName).
		StartTimeout(60 * time.Second))

	if err := m.db.Start(); err != nil {
		return "", fmt.Errorf("starting postgres: %w", err)
	}

	// Record the postmaster PID so a future process can clean up if we
	// die without calling Stop.
	if pid, err := readPostmasterPID(filepath.Join(dataDir, "postmaster.pid")); err == nil && pid > 0 {
		if err := writePID(m.pidPath, pid); err != nil {
			m.logger.Warn("writing postgres pid file", "error", err)
		}
	}

	m.connURL = fmt.Sprintf("postgresql://%s:%s@127.0.0.1:%d/%s?sslmode=disable",
		dbUser, dbPassword, m.cfg.Port, dbName)
	m.running = true
	m.logger.Info("managed postgres started", "port", m.cfg.Port, "data_dir", dataDir)
	return m.connURL, nil
}

// Stop shuts the instance down. Safe to call when not running.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	if err := m.db.Stop(); err != nil {
		return fmt.Errorf("stopping postgres: %w", err)
	}
	if err := removePID(m.pidPath); err != nil {
		m.logger.Warn("removing postgres pid file", "error", err)
	}
	m.running = false
	m.logger.Info("managed postgres stopped")
	return nil
}

// IsRunning reports whether Start has succeeded and Stop has not run.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ConnURL returns the connection URL, empty before Start.
func (m *Manager) ConnURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connURL
}

// ordinautHome returns ~/.ordinaut, creating it if needed.
func ordinautHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".ordinaut")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// cleanupOrphan terminates a postgres left behind by a crashed process
// and removes a stale PID file. Best effort: any failure just logs.
func cleanupOrphan(path string, logger *slog.Logger) {
	pid, err := readPID(path)
	if err != nil || pid == 0 {
		return
	}
	if processAlive(pid) {
		logger.Warn("found orphaned postgres from previous run, terminating", "pid", pid)
		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(syscall.SIGTERM)
			// Give it a moment to shut down cleanly.
			for i := 0; i < 50 && processAlive(pid); i++ {
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
	if err := removePID(path); err != nil {
		logger.Warn("removing stale pid file", "error", err)
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// readPID returns 0 with no error when the file doesn't exist.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

func removePID(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// readPostmasterPID reads the PID from the first line of postmaster.pid.
func readPostmasterPID(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty postmaster.pid")
	}
	return strconv.Atoi(strings.TrimSpace(scanner.Text()))
}

// logWriter forwards postgres process output to slog at debug level.
type logWriter struct {
	logger *slog.Logger
}

func newLogWriter(logger *slog.Logger) *logWriter {
	return &logWriter{logger: logger}
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("postgres", "line", line)
		}
	}
	return len(p), nil
}
