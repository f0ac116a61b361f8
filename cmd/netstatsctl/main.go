// Command netstatsctl is an interactive shell for inspecting and
// administering a netstatsd rotator directory: preview rotation decisions,
// force rewrites, remove uids, and query summaries without starting the
// daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/netstatsd/netstatsd/pkg/collection"
	"github.com/netstatsd/netstatsd/pkg/config"
	"github.com/netstatsd/netstatsd/pkg/identity"
	"github.com/netstatsd/netstatsd/pkg/recorder"
	"github.com/netstatsd/netstatsd/pkg/rotator"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".plan"),
	readline.PcItem(".rotate"),
	readline.PcItem(".stats"),
	readline.PcItem("SUMMARY"),
	readline.PcItem("REMOVEUID"),
	readline.PcItem("REMOVEUIDS"),
)

const helpText = `
netstatsctl - inspect and administer a netstatsd rotator directory

Usage:
  netstatsctl [path]   - Start with an optional rotator directory

Commands:
  .help                       - Show this help message
  .open PATH                  - Open a rotator directory at PATH (reads MANIFEST)
  .close                      - Close the current directory
  .exit                       - Exit the program
  .plan                       - Preview the rotate/delete decisions MaybeRotate would make, without applying them (both tag classes)
  .rotate                     - Force a rotation/deletion sweep now (both tag classes)
  .stats                      - Report in-process operation counters (none are attached to a netstatsctl session)

  SUMMARY CLASS UID FROM TO    - Print a rolled-up total for UID (or * for any) over [FROM, TO) milliseconds
  REMOVEUID CLASS UID          - Remove every entry for UID from every managed file
  REMOVEUIDS CLASS UID [UID...] - Remove every entry for several uids in one rewrite pass

  CLASS is NOTAG (untagged traffic) or TAG (tagged traffic) — the two recorders
  a deployment runs, per tag-class partition.
`

// classPair bundles one tag class's rotator and recorder.
type classPair struct {
	rot *rotator.FileRotator
	rec *recorder.SnapshotRecorder
}

type session struct {
	path  string
	cfg   *config.Config
	notag classPair
	tag   classPair
}

// classFor resolves a CLASS argument ("NOTAG" or "TAG") to its pair.
func (s *session) classFor(name string) (classPair, error) {
	switch strings.ToUpper(name) {
	case "NOTAG":
		return s.notag, nil
	case "TAG":
		return s.tag, nil
	default:
		return classPair{}, fmt.Errorf("unknown class %q, expected NOTAG or TAG", name)
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "netstatsctl - inspect and administer a netstatsd rotator directory\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: netstatsctl [path]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	var sess session
	if flag.NArg() > 0 {
		if err := sess.open(flag.Arg(0)); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening %s: %s\n", flag.Arg(0), err)
			os.Exit(1)
		}
	}

	runInteractive(&sess)
}

func (s *session) open(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	resolver := identity.NewStaticResolver(nil)

	notag, err := openClass(cfg, cfg.Prefix, cfg.Cookie, resolver, false)
	if err != nil {
		return err
	}
	tag, err := openClass(cfg, cfg.TaggedPrefix(), cfg.TaggedCookie(), resolver, true)
	if err != nil {
		return err
	}

	s.path = path
	s.cfg = cfg
	s.notag = notag
	s.tag = tag
	return nil
}

func openClass(cfg *config.Config, prefix, cookie string, resolver identity.Resolver, onlyTagged bool) (classPair, error) {
	rot, err := rotator.New(cfg.BasePath, prefix, cfg.RotateAge.Milliseconds(), cfg.DeleteAge.Milliseconds())
	if err != nil {
		return classPair{}, err
	}
	rec := recorder.New(cookie, recorder.Config{
		BucketDuration:   cfg.BucketDuration,
		PersistThreshold: cfg.PersistThresholdBytes,
		OnlyTagged:       onlyTagged,
	}, rot, recorder.WithResolver(resolver))
	return classPair{rot: rot, rec: rec}, nil
}

func (s *session) close() {
	s.path = ""
	s.cfg = nil
	s.notag = classPair{}
	s.tag = classPair{}
}

func runInteractive(sess *session) {
	fmt.Println("netstatsctl")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".netstatsctl_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "netstatsctl> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		prompt := "netstatsctl> "
		if sess.path != "" {
			prompt = fmt.Sprintf("netstatsctl:%s> ", sess.path)
		}
		rl.SetPrompt(prompt)

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !dispatch(sess, line) {
			break
		}
	}
}

// dispatch executes one command line, returning false when the session
// should exit.
func dispatch(sess *session, line string) bool {
	parts := strings.Fields(line)
	cmd := parts[0]

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			fmt.Print(helpText)
		case ".open":
			if len(parts) < 2 {
				fmt.Println("Error: missing path argument")
				return true
			}
			if err := sess.open(parts[1]); err != nil {
				fmt.Fprintf(os.Stderr, "Error opening %s: %s\n", parts[1], err)
				return true
			}
			fmt.Printf("Opened %s\n", parts[1])
		case ".close":
			sess.close()
			fmt.Println("Closed")
		case ".exit":
			fmt.Println("Goodbye!")
			return false
		case ".plan":
			cmdPlan(sess)
		case ".rotate":
			cmdRotate(sess)
		case ".stats":
			cmdStats(sess)
		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
		return true
	}

	switch strings.ToUpper(cmd) {
	case "SUMMARY":
		cmdSummary(sess, parts[1:])
	case "REMOVEUID":
		cmdRemoveUid(sess, parts[1:])
	case "REMOVEUIDS":
		cmdRemoveUids(sess, parts[1:])
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
	}
	return true
}

func requireOpen(sess *session) bool {
	if sess.notag.rot == nil {
		fmt.Println("No rotator directory open. Use .open PATH first.")
		return false
	}
	return true
}

func cmdPlan(sess *session) {
	if !requireOpen(sess) {
		return
	}
	now := time.Now().UnixMilli()
	for _, labeled := range []struct {
		label string
		pair  classPair
	}{{"notag", sess.notag}, {"tag", sess.tag}} {
		plan, err := labeled.pair.rot.Plan(now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error (%s): %s\n", labeled.label, err)
			continue
		}
		if len(plan) == 0 {
			fmt.Printf("[%s] Nothing to rotate or delete.\n", labeled.label)
			continue
		}
		for _, p := range plan {
			fmt.Printf("[%s]  %-6s %s\n", labeled.label, p.Action, p.Name)
		}
	}
}

func cmdRotate(sess *session) {
	if !requireOpen(sess) {
		return
	}
	now := time.Now().UnixMilli()
	if err := sess.notag.rot.MaybeRotate(now); err != nil {
		fmt.Fprintf(os.Stderr, "Error (notag): %s\n", err)
		return
	}
	if err := sess.tag.rot.MaybeRotate(now); err != nil {
		fmt.Fprintf(os.Stderr, "Error (tag): %s\n", err)
		return
	}
	fmt.Println("Rotation sweep complete.")
}

func cmdStats(sess *session) {
	if !requireOpen(sess) {
		return
	}
	fmt.Println("No in-process operation counters are attached to a netstatsctl-opened rotator (counters are daemon-only).")
}

func cmdSummary(sess *session, args []string) {
	if !requireOpen(sess) {
		return
	}
	if len(args) != 4 {
		fmt.Println("Usage: SUMMARY CLASS UID FROM TO")
		return
	}

	pair, err := sess.classFor(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}

	tmpl := collection.Template{MatchAnySet: true, MatchAnyTag: true}
	if args[1] == "*" {
		tmpl.MatchAnyUID = true
	} else {
		uid, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid uid: %s\n", args[1])
			return
		}
		tmpl.UID = int32(uid)
	}

	from, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid from: %s\n", args[2])
		return
	}
	to, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid to: %s\n", args[3])
		return
	}

	summary, err := pair.rec.Summary(tmpl, from, to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}

	fmt.Printf("  rxBytes=%d rxPackets=%d txBytes=%d txPackets=%d operations=%d span=[%d,%d)\n",
		summary.RxBytes, summary.RxPackets, summary.TxBytes, summary.TxPackets, summary.Operations,
		summary.StartMillis, summary.EndMillis)
}

func cmdRemoveUid(sess *session, args []string) {
	if !requireOpen(sess) {
		return
	}
	if len(args) != 2 {
		fmt.Println("Usage: REMOVEUID CLASS UID")
		return
	}
	pair, err := sess.classFor(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}
	uid, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid uid: %s\n", args[1])
		return
	}
	if err := pair.rec.RemoveUid(context.Background(), int32(uid)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}
	fmt.Printf("Removed uid %d from every managed file.\n", uid)
}

func cmdRemoveUids(sess *session, args []string) {
	if !requireOpen(sess) {
		return
	}
	if len(args) < 2 {
		fmt.Println("Usage: REMOVEUIDS CLASS UID [UID...]")
		return
	}
	pair, err := sess.classFor(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}
	uids := make([]int32, 0, len(args)-1)
	for _, arg := range args[1:] {
		uid, err := strconv.ParseInt(arg, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid uid: %s\n", arg)
			return
		}
		uids = append(uids, int32(uid))
	}
	if err := pair.rec.RemoveUIDs(context.Background(), uids); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}
	fmt.Printf("Removed %d uids from every managed file.\n", len(uids))
}
