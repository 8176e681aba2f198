package reader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/tagauth/tagauthd/internal/config"
)

// pm3Prompts are the interactive prompts of the Proxmark3 clients, the
// RRG/Iceman fork and the original. Seeing one means the client is ready
// for the next read command.
var pm3Prompts = []string{"pm3 --> ", "proxmark3> "}

// pm3UIDPatterns extract tag identifiers from client output, one pattern
// per supported tag family.
var pm3UIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`UID[: ]+([0-9A-Fa-f][0-9A-Fa-f :-]*)`),
	regexp.MustCompile(`EM ?410x ID[: ]+([0-9A-Fa-f]+)`),
	regexp.MustCompile(`Indala(?: ID)?[: ]+([0-9A-Fa-f]+)`),
	regexp.MustCompile(`FDX-B ID[: ]+([0-9A-Fa-f]+)`),
}

// PM3 drives a Proxmark3 through its interactive CLI client on a
// pseudo-terminal, cycling read commands for the enabled tag families
// and scraping UIDs from the output. A client that goes silent longer
// than CommTimeout is killed and respawned; the hardware wedges more
// often than it fails.
type PM3 struct {
	cfg      config.PM3ReaderConfig
	sink     Sink
	logger   *slog.Logger
	commands []string
}

// NewPM3 creates the Proxmark3 backend.
func NewPM3(cfg config.PM3ReaderConfig, sink Sink, log *slog.Logger) *PM3 {
	var commands []string

	if cfg.ReadISO14443A {
		commands = append(commands, "hf 14a reader")
	}

	if cfg.ReadEM410X {
		commands = append(commands, "lf em 410x reader")
	}

	if cfg.ReadIndala {
		commands = append(commands, "lf indala reader")
	}

	if cfg.ReadFDX {
		commands = append(commands, "lf fdxb reader")
	}

	if cfg.ReadISO15693 {
		commands = append(commands, "hf 15 reader")
	}

	return &PM3{
		cfg:      cfg,
		sink:     sink,
		logger:   logger(log, BackendPM3),
		commands: commands,
	}
}

// Name returns the backend name.
func (p *PM3) Name() string { return BackendPM3 }

// Run keeps a client process alive until ctx ends, respawning after
// retryDelay whenever the client dies or wedges.
func (p *PM3) Run(ctx context.Context) error {
	if len(p.commands) == 0 {
		p.logger.Warn("pm3 backend enabled with no tag families, idling")
		<-ctx.Done()

		return ctx.Err()
	}

	pres := newPresence()
	em := newEmitter(p.sink, BackendPM3)

	for ctx.Err() == nil {
		if err := p.session(ctx, pres, em); err != nil {
			p.logger.Error("pm3 client failed", slog.String("error", err.Error()))
		}

		pres.Clear()

		if !sleep(ctx, retryDelay) {
			break
		}
	}

	return ctx.Err()
}

// session spawns one client process and drives it until it errors,
// wedges, or ctx ends.
func (p *PM3) session(ctx context.Context, pres *presence, em *emitter) error {
	cmd := exec.Command(p.cfg.Client, "-p", p.cfg.DevFile)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start %s: %w", p.cfg.Client, err)
	}

	defer func() {
		ptmx.Close()

		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}

		_ = cmd.Wait()
	}()

	p.logger.Info("pm3 client started",
		slog.String("client", p.cfg.Client),
		slog.String("device", p.cfg.DevFile))

	var (
		pending  []byte
		readBuf  [4096]byte
		cmdIdx   int
		atPrompt bool
	)

	lastActivity := time.Now()
	nextCommand := time.Now()
	nextEmit := time.Now()

	for ctx.Err() == nil {
		if err := ptmx.SetReadDeadline(time.Now().Add(p.cfg.ReadEvery)); err != nil {
			return fmt.Errorf("set pty deadline: %w", err)
		}

		n, err := ptmx.Read(readBuf[:])
		if n > 0 {
			lastActivity = time.Now()
			pending = append(pending, readBuf[:n]...)
			pending = p.consume(pending, pres, &atPrompt)
		}

		if err != nil && !os.IsTimeout(err) {
			return fmt.Errorf("read pty: %w", err)
		}

		now := time.Now()

		if now.Sub(lastActivity) > p.cfg.CommTimeout {
			return fmt.Errorf("client silent for %v, presumed wedged", p.cfg.CommTimeout)
		}

		if atPrompt && !now.Before(nextCommand) {
			command := p.commands[cmdIdx]
			cmdIdx = (cmdIdx + 1) % len(p.commands)

			if _, err := ptmx.Write([]byte(command + "\n")); err != nil {
				return fmt.Errorf("write command: %w", err)
			}

			atPrompt = false
			lastActivity = now
			nextCommand = now.Add(p.cfg.ReadEvery)
		}

		if !now.Before(nextEmit) {
			em.emit(pres.Snapshot())

			nextEmit = now.Add(p.cfg.ReadEvery)
		}
	}

	return nil
}

// consume scans buffered client output for UIDs and prompts, returning
// the unprocessed tail.
func (p *PM3) consume(pending []byte, pres *presence, atPrompt *bool) []byte {
	// Prompts don't end in a newline; check the raw tail.
	tail := string(pending)
	for _, prompt := range pm3Prompts {
		if strings.HasSuffix(tail, prompt) {
			*atPrompt = true
		}
	}

	return splitLines(pending, func(line string) {
		for _, pat := range pm3UIDPatterns {
			m := pat.FindStringSubmatch(line)
			if m == nil {
				continue
			}

			if u := normalizeLine(m[1]); u != "" {
				pres.Touch(u, p.cfg.CommTimeout)
				p.logger.Debug("tag read", slog.String("uid", u))
			}

			break
		}
	})
}
