package procmgr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/MrSnakeDoc/cutover/internal/logger"
)

// Status is the process manager's view of one process.
type Status struct {
	Online   bool
	Status   string
	Uptime   string
	Restarts int
	Memory   string
}

// Target is what Start launches: an ecosystem file started from Dir.
type Target struct {
	Name      string
	Dir       string
	Ecosystem string
}

// Manager drives the process manager that owns the service instances.
type Manager interface {
	IsRegistered(ctx context.Context, name string) (bool, error)
	Start(ctx context.Context, target Target) error
	Reload(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (Status, error)
}

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	// rowPattern matches "│ key │ value │" table rows of `pm2 show`.
	rowPattern = regexp.MustCompile(`^\s*[│|]\s*([^│|]+?)\s*[│|]\s*(.*?)\s*[│|]\s*$`)
	digits     = regexp.MustCompile(`\d+`)
)

// PM2 implements Manager on top of the pm2 CLI text output.
type PM2 struct {
	bin    string
	runner Runner
	logger logger.Logger
}

func NewPM2(bin string, runner Runner, log logger.Logger) *PM2 {
	if bin == "" {
		bin = "pm2"
	}
	return &PM2{bin: bin, runner: runner, logger: log}
}

// IsRegistered looks for name as a whole cell of the `pm2 list` table.
func (p *PM2) IsRegistered(ctx context.Context, name string) (bool, error) {
	out, err := p.run(ctx, "", "list")
	if err != nil {
		return false, fmt.Errorf("failed to list pm2 processes: %w", err)
	}

	needle := " " + name + " "
	for _, line := range strings.Split(stripANSI(string(out)), "\n") {
		if strings.Contains(line, needle) {
			return true, nil
		}
	}
	return false, nil
}

func (p *PM2) Start(ctx context.Context, t Target) error {
	if _, err := p.run(ctx, t.Dir, "start", t.Ecosystem); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.Name, err)
	}
	return nil
}

func (p *PM2) Reload(ctx context.Context, name string) error {
	if _, err := p.run(ctx, "", "reload", name); err != nil {
		return fmt.Errorf("failed to reload %s: %w", name, err)
	}
	return nil
}

func (p *PM2) Stop(ctx context.Context, name string) error {
	if _, err := p.run(ctx, "", "stop", name); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return nil
}

// Status parses `pm2 show`. An unknown process is reported as not online,
// not as an error.
func (p *PM2) Status(ctx context.Context, name string) (Status, error) {
	out, err := p.run(ctx, "", "show", name)
	if err != nil {
		if IsNoMatch(err) {
			return Status{Status: "not found"}, nil
		}
		return Status{}, fmt.Errorf("failed to read pm2 status of %s: %w", name, err)
	}
	return ParseShow(out), nil
}

func (p *PM2) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := Command{Dir: dir, Name: p.bin, Args: args}
	p.logger.Debug("running process manager command", logger.String("cmd", cmd.String()))
	return p.runner.Run(ctx, cmd)
}

// ParseShow extracts the status, uptime, restart count and memory rows from
// `pm2 show` output.
func ParseShow(out []byte) Status {
	var st Status
	heap := ""
	sc := bufio.NewScanner(bytes.NewReader([]byte(stripANSI(string(out)))))
	for sc.Scan() {
		m := rowPattern.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		key, val := strings.ToLower(m[1]), m[2]
		switch {
		case key == "status":
			st.Status = val
		case key == "uptime":
			st.Uptime = val
		case key == "restarts":
			if d := digits.FindString(val); d != "" {
				st.Restarts, _ = strconv.Atoi(d)
			}
		case strings.Contains(key, "memory") && st.Memory == "":
			st.Memory = val
		case key == "used heap size":
			heap = val
		}
	}
	if st.Memory == "" {
		st.Memory = heap
	}
	st.Online = st.Status == "online"
	return st
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
