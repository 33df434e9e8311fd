package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/history"
	"github.com/baderanaas/hushmesh/pkg/libp2p"
	"github.com/baderanaas/hushmesh/pkg/mesh"
)

const defaultHistory = 20

type peerDirectory interface {
	Peers() []libp2p.PeerInfo
	ConnectAddr(ctx context.Context, addr string) (peer.ID, error)
}

type sender interface {
	SendOutgoing(ctx context.Context, sender string, ttl uint8, text string) (*mesh.Message, error)
	Stats() mesh.Stats
}

// prompt is the interactive loop of hushmesh run.
type prompt struct {
	mu  sync.Mutex
	out io.Writer

	name  string
	ttl   uint8
	mesh  sender
	peers peerDirectory
	hist  *history.Log
	log   *zap.Logger
	now   func() time.Time
}

func (p *prompt) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func (p *prompt) banner() {
	p.printf("hushmesh %s as %q\n", Version, p.name)
	p.printf("Commands:\n")
	p.printf("  <text>            - Send an alert (ttl %d)\n", p.ttl)
	p.printf("  /peers            - List nearby peers\n")
	p.printf("  /connect <addr>   - Connect to a peer by multiaddr\n")
	p.printf("  /history [n]      - Show the last n messages (default %d)\n", defaultHistory)
	p.printf("  /stats            - Show relay counters\n")
	p.printf("  /quit             - Exit\n")
}

// onMessage is the coordinator's delivery listener.
func (p *prompt) onMessage(m mesh.Message) {
	p.printf("\r[%s] %s: %s (ttl %d via %s)\n> ", clock(m.Timestamp), m.Sender, m.Text, m.TTL, libp2p.ShortID(string(m.SourcePeer)))
	p.record(m)
}

func (p *prompt) onError(err error) {
	p.printf("\r! %v\n> ", err)
}

func (p *prompt) record(m mesh.Message) {
	if p.hist == nil {
		return
	}
	if err := p.hist.Append(m, p.now()); err != nil {
		p.log.Warn("history append failed", zap.Error(err))
	}
}

// run reads commands from in until /quit, EOF or ctx ends.
func (p *prompt) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	p.banner()
	p.printf("> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if p.handle(ctx, strings.TrimSpace(line)) {
				return nil
			}
			p.printf("> ")
		}
	}
}

// handle executes one input line and reports whether to quit.
func (p *prompt) handle(ctx context.Context, input string) bool {
	switch {
	case input == "":
	case input == "/quit":
		p.printf("shutting down\n")
		return true

	case input == "/peers":
		peers := p.peers.Peers()
		if len(peers) == 0 {
			p.printf("no peers yet\n")
			break
		}
		for _, pi := range peers {
			state := "seen"
			if pi.Connected {
				state = "connected"
			}
			p.printf("  %s  %-9s via %s, last %s\n", pi.ID, state, pi.Source, pi.LastSeen.Format("15:04:05"))
		}

	case strings.HasPrefix(input, "/connect"):
		addr := strings.TrimSpace(strings.TrimPrefix(input, "/connect"))
		if addr == "" {
			p.printf("usage: /connect <multiaddr>\n")
			break
		}
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		id, err := p.peers.ConnectAddr(cctx, addr)
		cancel()
		if err != nil {
			p.printf("connect failed: %v\n", err)
			break
		}
		p.printf("connected to %s\n", libp2p.ShortID(id.String()))

	case strings.HasPrefix(input, "/history"):
		count := defaultHistory
		if arg := strings.TrimSpace(strings.TrimPrefix(input, "/history")); arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 {
				p.printf("usage: /history [n]\n")
				break
			}
			count = n
		}
		p.showHistory(count)

	case input == "/stats":
		s := p.mesh.Stats()
		p.printf("delivered %d, dropped %d, relayed %d, seen %d, stored %d, tracked %d\n",
			s.Delivered, s.Dropped, s.Relayed, s.Seen, s.Stored, s.Tracked)

	case strings.HasPrefix(input, "/"):
		p.printf("unknown command %s\n", input)

	default:
		msg, err := p.mesh.SendOutgoing(ctx, p.name, p.ttl, input)
		if err != nil {
			p.printf("send failed: %v\n", err)
			break
		}
		p.record(*msg)
		p.printf("sent %016x (ttl %d)\n", msg.ID, msg.TTL)
	}
	return false
}

func (p *prompt) showHistory(count int) {
	if p.hist == nil {
		p.printf("no history\n")
		return
	}
	entries, err := p.hist.Recent(count)
	if err != nil {
		p.printf("history: %v\n", err)
		return
	}
	if len(entries) == 0 {
		p.printf("no messages yet\n")
		return
	}
	p.printf("--- last %d ---\n", len(entries))
	for _, e := range entries {
		from := e.Sender
		if e.Via == "" {
			from += " (me)"
		}
		p.printf("[%s] %s: %s\n", clock(e.Timestamp), from, e.Text)
	}
	p.printf("--- end ---\n")
}

// clock renders an RFC 3339 timestamp as local wall time.
func clock(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return "--:--"
	}
	return t.Local().Format("15:04")
}
